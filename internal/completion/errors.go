package completion

import (
	"errors"
	"net/http"
)

// Kind classifies upstream failures so callers can tell "try again shortly"
// apart from "configuration problem".
type Kind string

const (
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindGeneric      Kind = "generic"
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// StatusCode extracts the upstream HTTP status from err, if any error in the
// chain carries one.
func StatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// Classify maps err to a Kind. Errors without a status are generic.
func Classify(err error) Kind {
	status, ok := StatusCode(err)
	if !ok {
		return KindGeneric
	}
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	default:
		return KindGeneric
	}
}
