package errors

// Wire codes reported in HTTP error bodies. A remote client turns them back
// into the sentinels with FromCode, so errors.Is works across the wire.
const (
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeAlreadyActive     = "already_active"
	CodeBusy              = "busy"
	CodeStaleDecision     = "stale_decision"
	CodeStaleClaim        = "stale_claim"
	CodeTerminal          = "terminal"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeRateLimited       = "rate_limited"
	CodeTimeout           = "timeout"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// ErrRateLimited: too many requests for one job. Transient.
var ErrRateLimited = New("rate limited")

// CodeOf returns the wire code for err. Specific sentinels win over the
// generic ErrConflict.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrNotFound):
		return CodeNotFound
	case Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case Is(err, ErrAlreadyActive):
		return CodeAlreadyActive
	case Is(err, ErrBusy):
		return CodeBusy
	case Is(err, ErrStaleDecision):
		return CodeStaleDecision
	case Is(err, ErrClaimLost):
		return CodeStaleClaim
	case Is(err, ErrTerminal):
		return CodeTerminal
	case Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case Is(err, ErrConflict):
		return CodeConflict
	case Is(err, ErrRateLimited):
		return CodeRateLimited
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrServiceUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

var codeSentinels = map[string]error{
	CodeNotFound:          ErrNotFound,
	CodeInvalidRequest:    ErrInvalidRequest,
	CodeAlreadyActive:     ErrAlreadyActive,
	CodeBusy:              ErrBusy,
	CodeStaleDecision:     ErrStaleDecision,
	CodeStaleClaim:        ErrClaimLost,
	CodeTerminal:          ErrTerminal,
	CodeInvalidTransition: ErrInvalidTransition,
	CodeConflict:          ErrConflict,
	CodeRateLimited:       ErrRateLimited,
	CodeTimeout:           ErrTimeout,
	CodeUnavailable:       ErrServiceUnavailable,
}

// FromCode rebuilds an error from a wire code and message. Unknown codes
// yield a plain error.
func FromCode(code, message string) error {
	if sentinel, ok := codeSentinels[code]; ok {
		return Wrap(sentinel, message)
	}
	return New(message)
}
