package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tynkerbase/tynkerbase-agent/session"
)

// APIKeyHeader carries the session API key on every protected request.
const APIKeyHeader = "tyb-api-key"

// AuthGuard rejects requests whose API key header does not equal the sealed
// session key. Nothing is accepted before the session is sealed.
func AuthGuard(store *session.Store) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := store.APIKey()
			got, ok := r.Header[http.CanonicalHeaderKey(APIKeyHeader)]
			if key == "" || !ok || len(got) == 0 || got[0] != key {
				respondText(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
