/**
 * @description
 * This file contains custom middleware for the HTTP router. The billing
 * endpoints are operator-facing, not public, so they sit behind a shared
 * internal API key. The payment callback route stays outside this guard:
 * the gateway cannot send custom headers, so that route authenticates by
 * its unguessable session reference instead.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

// InternalAPIKeyMiddleware rejects requests whose X-Api-Key header does not
// match the configured key. An empty configured key disables the guard, which
// is only sensible for local development.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get("X-Api-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
