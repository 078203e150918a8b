package async

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/slate/errors"
)

// ErrorCode classifies a work-unit failure. It is stored as Item.ErrorCode.
type ErrorCode string

const (
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeRateLimited     ErrorCode = "rate_limited"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeProviderError   ErrorCode = "provider_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodePanic           ErrorCode = "panic"
	ErrorCodeFatal           ErrorCode = "fatal"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for item failures
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	// Fatal errors fail the whole job, not just the item.
	Fatal bool
}

// panicError carries a recovered panic out of a work unit.
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return "work unit panicked: " + strings.TrimSpace(fmt.Sprint(p.value))
}

// ClassifyError categorizes a work-unit error. Marked sentinels win over
// message patterns.
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	msg := err.Error()
	ec := ErrorContext{Message: msg}

	var pe *panicError
	switch {
	case errors.Is(err, errors.ErrFatal):
		ec.Code, ec.Fatal = ErrorCodeFatal, true
		return ec
	case errors.As(err, &pe):
		ec.Code, ec.Retryable = ErrorCodePanic, true
		return ec
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		ec.Code, ec.Retryable = ErrorCodeTimeout, true
		return ec
	case errors.Is(err, context.Canceled):
		ec.Code, ec.Retryable = ErrorCodeCancelled, true
		return ec
	case errors.Is(err, errors.ErrInvalidRequest):
		ec.Code = ErrorCodeValidationError
		return ec
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		ec.Code, ec.Retryable = ErrorCodeRateLimited, true
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		ec.Code, ec.Retryable = ErrorCodeTimeout, true
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "no such host"):
		ec.Code, ec.Retryable = ErrorCodeNetworkError, true
	case strings.Contains(lower, "validation") || strings.Contains(lower, "invalid"):
		ec.Code = ErrorCodeValidationError
	case strings.Contains(lower, "model") || strings.Contains(lower, "provider") || strings.Contains(lower, "generation"):
		ec.Code, ec.Retryable = ErrorCodeProviderError, true
	default:
		ec.Code, ec.Retryable = ErrorCodeUnknown, true
	}
	return ec
}
