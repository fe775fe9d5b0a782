package wsbase

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokensEqual compares tokens in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// IsAuthorizedRequest checks the optional auth token against the
// Authorization header (Bearer) or the ?token= query parameter.
// An empty configured token disables auth.
func IsAuthorizedRequest(token string, r *http.Request) bool {
	expected := strings.TrimSpace(token)
	if expected == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok {
			if TokensEqual(expected, strings.TrimSpace(bearer)) {
				return true
			}
		}
	}
	return TokensEqual(expected, strings.TrimSpace(r.URL.Query().Get("token")))
}
