package domain

import (
	"fmt"
	"strings"
)

// HelpLevel controls how concrete generated hints may be.
type HelpLevel string

const (
	HelpNormal    HelpLevel = "normal"
	HelpEscalated HelpLevel = "escalated"
)

// ValidationResult is the verdict on a student's submitted answer.
type ValidationResult string

const (
	ResultCorrect   ValidationResult = "correct"
	ResultIncorrect ValidationResult = "incorrect"
	ResultPartial   ValidationResult = "partial"
)

// ParseValidationResult accepts the canonical names case-insensitively.
func ParseValidationResult(s string) (ValidationResult, error) {
	switch v := ValidationResult(strings.ToLower(strings.TrimSpace(s))); v {
	case ResultCorrect, ResultIncorrect, ResultPartial:
		return v, nil
	default:
		return "", fmt.Errorf("domain: unknown validation result %q", s)
	}
}

// AnswerValidationContext carries the outcome of an answer check into the
// follow-up generator within one request.
type AnswerValidationContext struct {
	Result        ValidationResult
	StudentAnswer string
}

// FailurePolicy names the direction a component degrades in when a
// dependency fails or returns something it cannot interpret.
type FailurePolicy string

const (
	// FailClosed withholds: leak detection reports a leak, answer checking
	// reports "incorrect".
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen proceeds with the simplest safe default, e.g. normal help.
	FailOpen FailurePolicy = "fail_open"
)
