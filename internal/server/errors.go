package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/netns"
	"github.com/bolasblack/nfcond/internal/xt"
)

var errBadRequest = errors.New("bad request")

// statusFor maps a daemon error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, condition.ErrInvalidName),
		errors.Is(err, netns.ErrInvalidNamespace),
		errors.Is(err, xt.ErrInvalidVerdict):
		return http.StatusBadRequest
	case errors.Is(err, condition.ErrNamespaceUnavailable),
		errors.Is(err, xt.ErrRuleNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, os.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, os.ErrExist):
		return http.StatusConflict
	case errors.Is(err, condition.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
