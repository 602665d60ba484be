package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorHandlerFailure ErrorCode = "HANDLER_FAILURE"
	ErrorCarrier        ErrorCode = "CARRIER_FAILURE"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ue *Error
	if !errors.As(err, &ue) {
		return "", false
	}
	return ue.Code, true
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// carrierError classifies a carrier call failure as ErrorCarrier.
func carrierError(err error) *Error {
	status, ok := upstreamStatusCode(err)
	switch {
	case !ok:
		return newError(ErrorCarrier, "carrier_unreachable", err)
	case status == 404:
		return newError(ErrorCarrier, "carrier_not_found", err)
	case status == 429:
		return newError(ErrorCarrier, "carrier_throttled", err)
	case status >= 500:
		return newError(ErrorCarrier, "carrier_unavailable", err)
	default:
		return newError(ErrorCarrier, "carrier_rejected", err)
	}
}

// carrierAttrs wraps err as ErrorCarrier and adds its code, reason and the
// carrier status code, when known, to log attributes.
func carrierAttrs(err error, attrs ...any) []any {
	ce := carrierError(err)
	attrs = append(attrs, "code", ce.Code, "reason", ce.Reason, "err", ce)
	if status, ok := upstreamStatusCode(err); ok {
		attrs = append(attrs, "status", status)
	}
	return attrs
}
