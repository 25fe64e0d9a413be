// Package admin guards the internal RPC with a shared service token.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/httputil"
	"ledger/pkg/requestcontext"
)

// HeaderName carries the service-to-service token.
const HeaderName = "X-Admin-Token"

// RequireAdminToken rejects requests whose token does not match expectedToken.
// An empty expectedToken rejects everything.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderName)
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
