package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// applySecurityHeaders runs a GET / through SecurityHeadersMiddleware and returns
// the response recorder so callers can inspect headers.
func applySecurityHeaders(cfg SecurityHeadersConfig, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	if handler == nil {
		handler = func(c *gin.Context) { c.Status(http.StatusOK) }
	}
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", handler)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityHeadersMiddleware_APIDefaults(t *testing.T) {
	w := applySecurityHeaders(APISecurityHeadersConfig(), nil)

	want := map[string]string{
		"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
		"X-Frame-Options":              "DENY",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":              "no-referrer",
		"Cache-Control":                "no-store",
		"X-Content-Type-Options":       "nosniff",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSecurityHeadersMiddleware_OptionalHeadersOmitted(t *testing.T) {
	w := applySecurityHeaders(SecurityHeadersConfig{}, nil)

	for _, header := range []string{
		"Strict-Transport-Security", "X-Frame-Options", "Content-Security-Policy",
		"Referrer-Policy", "Cache-Control",
	} {
		if got := w.Header().Get(header); got != "" {
			t.Errorf("%s = %q, want empty with zero config", header, got)
		}
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options must always be set")
	}
}

func TestSecurityHeadersMiddleware_HSTSWithoutSubdomains(t *testing.T) {
	w := applySecurityHeaders(SecurityHeadersConfig{HSTSMaxAge: 600}, nil)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=600" {
		t.Errorf("HSTS = %q, want max-age=600", got)
	}
}

func TestSecurityHeadersMiddleware_HandlerCacheControlWins(t *testing.T) {
	w := applySecurityHeaders(APISecurityHeadersConfig(), func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
	})
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want the handler's no-cache", got)
	}
}
