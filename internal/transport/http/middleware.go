package httptransport

import (
	"net/http"

	"github.com/google/uuid"

	"aport/pkg/requestcontext"
)

const headerRequestID = "X-Request-ID"

// requestID propagates the caller's correlation id or mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(headerRequestID, rid)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), rid)))
	})
}
