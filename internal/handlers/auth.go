package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuthMiddleware guards operator endpoints such as /metrics with a
// static key sent as X-API-Key or an Authorization bearer token.
func APIKeyAuthMiddleware(next http.Handler, expectedKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
				key = auth[7:]
			}
		}
		key = strings.TrimSpace(key)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expectedKey)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="powgate"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
