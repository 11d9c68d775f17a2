package usecase

import (
	"errors"
	"fmt"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/dialogue"
)

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
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

// upstreamError maps a provider failure to a code. source prefixes the
// reason, e.g. "dialogue" yields "dialogue_rate_limited".
func upstreamError(source string, err error) *Error {
	switch kindOf(err) {
	case completion.KindRateLimited:
		return newError(ErrorRateLimited, source+"_rate_limited", err)
	case completion.KindUnauthorized:
		return newError(ErrorUnauthorized, source+"_unauthorized", err)
	default:
		return newError(ErrorUpstream, source+"_error", err)
	}
}

func kindOf(err error) completion.Kind {
	var de *dialogue.Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return completion.Classify(err)
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if !errors.As(err, &ue) {
		return nil, false
	}
	return ue, true
}
