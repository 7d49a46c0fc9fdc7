package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-view-counter/internal/services"
)

// Error codes carried in ErrorResponse.Code.
//
// store_unavailable means the count is unknown; clients show it as
// unavailable, never as zero.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	ErrCodeStoreUnavailable   = "store_unavailable"
	ErrCodeChannelUnavailable = "channel_unavailable"
	ErrCodeNotImplemented     = "not_implemented"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string // empty: use err.Error()
}

// viewErrors is checked in order; the first match wins.
var viewErrors = []errorMapping{
	{services.ErrInvalidSlug, http.StatusBadRequest, ErrCodeBadRequest, ""},
	{services.ErrStoreUnavailable, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "view counts are temporarily unavailable"},
	{services.ErrChannelUnavailable, http.StatusServiceUnavailable, ErrCodeChannelUnavailable, "live updates are unavailable"},
	{services.ErrUnsupported, http.StatusNotImplemented, ErrCodeNotImplemented, ""},
}

// failView writes the envelope for an error returned by the view service.
// Unknown errors become a 500 whose detail stays in the log.
func failView(c *gin.Context, err error) {
	for _, m := range viewErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		fail(c, m.status, m.code, msg)
		return
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}
