package testutil

import (
	"net/http"
	"time"

	"ledger/pkg/requestcontext"
)

// AdminHeader is the header the admin middleware reads.
const AdminHeader = "X-Admin-Token"

// WithAdminToken sets the service-to-service token on req.
func WithAdminToken(req *http.Request, token string) *http.Request {
	req.Header.Set(AdminHeader, token)
	return req
}

// WithRequestTime pins the request-scoped clock, as the requesttime
// middleware would.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
