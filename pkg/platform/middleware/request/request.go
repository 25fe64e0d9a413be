// Package request assigns a request ID to every inbound HTTP request.
package request

import (
	"net/http"

	"github.com/google/uuid"

	"ledger/pkg/requestcontext"
)

// HeaderName is read from callers and echoed on responses.
const HeaderName = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderName)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderName, id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		if caller := r.Header.Get("X-Caller"); caller != "" {
			ctx = requestcontext.WithCaller(ctx, caller)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
