package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared pipeline secret.
const SecretHeader = "X-Pipeline-Secret"

// SecretAuth accepts the shared secret in SecretHeader or as a bearer token.
// An empty secret rejects every request.
func SecretAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				httpError(w, http.StatusServiceUnavailable, "configuration_error", "pipeline secret is not configured")
				return
			}
			presented := r.Header.Get(SecretHeader)
			if presented == "" {
				const prefix = "Bearer "
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
					presented = auth[len(prefix):]
				}
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing pipeline secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
