// API authentication middleware: static bearer token.
//
// When gateway.api_key is non-empty in config, all API requests MUST carry:
//
//	Authorization: Bearer <api_key>
//
// or:
//
//	X-API-Key: <api_key>
//
// Exempt routes (no token required):
//   - GET /api/health
//   - /api/ws: the realtime endpoint runs its own ticket/key handshake
//
// When api_key is empty (development mode), all requests are allowed
// through and a warning is logged once at startup.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/meridianlab/wabridge/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. If apiKey is
// empty, the middleware is a pass-through. NewServer auto-generates a key
// so that branch is not reached under normal operation.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API auth disabled, auto-keygen failed")
		return next
	}

	logger.InfoC("auth", "API bearer token auth ENABLED")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// OPTIONS preflight is handled by the CORS middleware
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(headerToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wabridge"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized: bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// headerToken pulls the bearer token from the Authorization or X-API-Key
// header. Never from the query string, where the long-lived credential
// would end up in access logs.
func headerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require the bearer token.
func isPublicPath(path string) bool {
	switch path {
	case "/api/health", "/api/ws":
		return true
	default:
		return false
	}
}
