package api

import (
	"net/http"

	"github.com/soulsig/twinhub/internal/credstore"
	"github.com/soulsig/twinhub/internal/logging"
)

// RequestID assigns each request a short id, exposed on the response and
// propagated through the context for backend call logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// RequireSession rejects requests when no session credential is present. An
// expired-looking token gets a distinct code so clients can offer re-auth
// instead of a generic failure.
func RequireSession(store *credstore.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.SignedIn() {
				writeError(w, http.StatusUnauthorized, "not_signed_in", "sign in to continue")
				return
			}
			if store.TokenLooksExpired() {
				writeError(w, http.StatusUnauthorized, "session_expired", "session expired, sign in again")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
