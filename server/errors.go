package server

import (
	"net/http"

	"github.com/teranos/slate/errors"
)

// statusForCode maps a wire error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidRequest:
		return http.StatusBadRequest
	case errors.CodeAlreadyActive, errors.CodeStaleDecision, errors.CodeStaleClaim,
		errors.CodeTerminal, errors.CodeInvalidTransition, errors.CodeConflict, errors.CodeBusy:
		return http.StatusConflict
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Hint    string   `json:"hint,omitempty"`
	Details []string `json:"details,omitempty"`
}

func newErrorResponse(err error) (int, errorResponse) {
	code := errors.CodeOf(err)
	status := statusForCode(code)
	resp := errorResponse{Error: err.Error(), Code: code}
	if status >= http.StatusInternalServerError && code == errors.CodeInternal {
		// Internal messages can carry SQL or paths.
		resp.Error = "internal error"
		return status, resp
	}
	resp.Hint = errors.FlattenHints(err)
	resp.Details = errors.GetAllDetails(err)
	return status, resp
}
