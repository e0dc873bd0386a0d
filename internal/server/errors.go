package server

import (
	"encoding/json"
	"net/http"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// errorEnvelope is OpenAI's `{error:{code,message,type,param?}}` shape.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// statusForKind centralizes the ErrorKind -> HTTP status mapping.
func statusForKind(k omentypes.ErrorKind) int {
	switch k {
	case omentypes.ErrBadRequest, omentypes.ErrNoEligibleProvider, omentypes.ErrProviderPolicy:
		return http.StatusBadRequest
	case omentypes.ErrUnauthenticated:
		return http.StatusUnauthorized
	case omentypes.ErrForbidden:
		return http.StatusForbidden
	case omentypes.ErrRateLimited:
		return http.StatusTooManyRequests
	case omentypes.ErrBudgetExceeded:
		return http.StatusPaymentRequired
	case omentypes.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case omentypes.ErrProviderTransient:
		return http.StatusBadGateway
	case omentypes.ErrProviderAuthn:
		return http.StatusInternalServerError
	case omentypes.ErrTimeout:
		return http.StatusGatewayTimeout
	case omentypes.ErrCancelled:
		return 499 // nginx's conventional "client closed request"; never sent for a live client
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the OpenAI-shaped error envelope with the
// status statusForKind maps it to. rate_limited responses also carry a
// Retry-After header.
func writeError(w http.ResponseWriter, err *omentypes.Error) {
	if err == nil {
		err = omentypes.NewError(omentypes.ErrInternal, "unknown error")
	}
	status := statusForKind(err.Kind)
	if err.Kind == omentypes.ErrRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:    string(err.Kind),
		Message: err.Message,
		Type:    string(err.Kind),
		Param:   err.Param,
	}})
}

// writeBadRequest is a convenience for request-decoding failures that never
// reach the classified error path.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, omentypes.NewError(omentypes.ErrBadRequest, message))
}
