package main

import (
	"errors"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "app-inventory-usagescan"
	keyringUser    = "github"
	// tokenEnvVar is the same variable the server reads for its fallback token.
	tokenEnvVar = "GAU_GITHUB_TOKEN"
)

var errTokenNotFound = errors.New("no GitHub token stored")

// TokenStore persists the GitHub token between runs.
type TokenStore interface {
	SetToken(token string) error
	GetToken() (string, error)
	DeleteToken() error
}

type keyringStore struct {
	service string
}

func defaultTokenStore() TokenStore {
	return &keyringStore{service: keyringService}
}

func (k *keyringStore) SetToken(token string) error {
	return keyring.Set(k.service, keyringUser, token)
}

func (k *keyringStore) GetToken() (string, error) {
	token, err := keyring.Get(k.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", errTokenNotFound
	}
	return token, err
}

func (k *keyringStore) DeleteToken() error {
	err := keyring.Delete(k.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return errTokenNotFound
	}
	return err
}

// resolveToken picks the first non-empty token from the flag, the environment,
// and the keyring. An empty result is not an error; public audit logs do not
// exist, so the scan will report access denied instead.
func resolveToken(flag string, store TokenStore) string {
	if t := strings.TrimSpace(flag); t != "" {
		return t
	}
	if t := strings.TrimSpace(os.Getenv(tokenEnvVar)); t != "" {
		return t
	}
	if store == nil {
		return ""
	}
	t, err := store.GetToken()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}
