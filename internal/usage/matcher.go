package usage

import "strings"

const botSuffix = "[bot]"

// MatchActor reports whether an audit log actor string belongs to appID.
//
// Integrations act as "<slug>[bot]". The suffix is matched case-insensitively and
// the remaining name is compared to appID ignoring case, and then again with all
// hyphens removed from both sides, since a bot's historical actor name can drift
// from its current slug ("my-app[bot]" vs "myapp").
func MatchActor(actor, appID string) bool {
	if appID == "" || len(actor) <= len(botSuffix) {
		return false
	}
	if !strings.EqualFold(actor[len(actor)-len(botSuffix):], botSuffix) {
		return false
	}

	name := actor[:len(actor)-len(botSuffix)]
	if strings.EqualFold(name, appID) {
		return true
	}
	stripped := strings.ReplaceAll(name, "-", "")
	return stripped != "" && strings.EqualFold(stripped, strings.ReplaceAll(appID, "-", ""))
}

// MatchApplicationName compares an entry's application-name attribute with appID.
// Both sides are lowercased with hyphens read as spaces; either containing the
// other counts as a match.
func MatchApplicationName(name, appID string) bool {
	n, id := normalizeName(name), normalizeName(appID)
	if n == "" || id == "" {
		return false
	}
	return strings.Contains(n, id) || strings.Contains(id, n)
}

// MatchEntry applies the actor rule first and falls back to the application name
// only when the entry carries one.
func MatchEntry(entry AuditLogEntry, appID string) bool {
	if MatchActor(entry.Actor, appID) {
		return true
	}
	if entry.ApplicationName == "" {
		return false
	}
	return MatchApplicationName(entry.ApplicationName, appID)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", " "))
	return strings.Join(strings.Fields(s), " ")
}
