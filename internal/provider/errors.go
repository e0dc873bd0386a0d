package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// classifyStatus maps a vendor HTTP status code into the normalized
// error kind table. Every adapter calls this instead
// of hand-rolling its own status-to-kind switch, so classification stays
// consistent across vendors.
func classifyStatus(status int, body string) *omentypes.Error {
	msg := fmt.Sprintf("upstream returned status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return omentypes.NewError(omentypes.ErrProviderAuthn, msg)
	case status == http.StatusTooManyRequests:
		return omentypes.NewError(omentypes.ErrProviderTransient, msg)
	case status == http.StatusRequestTimeout:
		return omentypes.NewError(omentypes.ErrTimeout, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return omentypes.NewError(omentypes.ErrBadRequest, msg)
	case status == 451 || status == http.StatusTeapot:
		return omentypes.NewError(omentypes.ErrProviderPolicy, msg)
	case status >= 500:
		return omentypes.NewError(omentypes.ErrProviderTransient, msg)
	default:
		// Unrecognized 4xx: treat as a configuration/programmer error on
		// our side rather than silently swallowing it as transient.
		return omentypes.NewError(omentypes.ErrInternal, msg)
	}
}

// classifyNetErr maps a transport-level error (dial failure, connection
// reset, context deadline) into a normalized kind.
func classifyNetErr(err error) *omentypes.Error {
	if errors.Is(err, context.Canceled) {
		return omentypes.NewError(omentypes.ErrCancelled, "request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return omentypes.Wrap(omentypes.ErrTimeout, "deadline exceeded", err)
	}
	return omentypes.Wrap(omentypes.ErrProviderTransient, "network error", err)
}
