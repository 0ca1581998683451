package types

import (
	"errors"
	"fmt"
	"net/http"
)

// GenericMessage is the only failure text clients ever see. Which check failed
// is logged server-side and surfaced as errorKind only.
const GenericMessage = "Bot detection triggered. Please refresh the page and try again."

// ErrorKind identifies the validator step that rejected a request.
type ErrorKind string

const (
	KindMissingChallenge    ErrorKind = "MISSING_CHALLENGE"
	KindInvalidToken        ErrorKind = "INVALID_TOKEN"
	KindTokenExpired        ErrorKind = "TOKEN_EXPIRED"
	KindFingerprintMismatch ErrorKind = "FINGERPRINT_MISMATCH"
	KindInvalidPoW          ErrorKind = "INVALID_POW"
	KindPoWExpired          ErrorKind = "POW_EXPIRED"
	KindNonceReused         ErrorKind = "NONCE_REUSED"
	KindRequestHashMismatch ErrorKind = "REQUEST_HASH_MISMATCH"

	// KindRateLimited is reported by the rate limiter, not the validator.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindMalformedRequest is reported by the issue endpoint.
	KindMalformedRequest ErrorKind = "MALFORMED_REQUEST"
)

// Status maps a kind to its HTTP status code.
func (k ErrorKind) Status() int {
	switch k {
	case KindMissingChallenge, KindInvalidToken, KindTokenExpired:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindMalformedRequest:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// RequiresNewToken reports whether the client should discard its session
// before retrying.
func (k ErrorKind) RequiresNewToken() bool {
	return k == KindInvalidToken || k == KindTokenExpired
}

// ValidationError is a terminal validator failure. Detail is for logs only.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Status returns the HTTP status for the failure.
func (e *ValidationError) Status() int { return e.Kind.Status() }

// Reject builds a ValidationError.
func Reject(kind ErrorKind, detail string, err error) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err is not a ValidationError.
func KindOf(err error) ErrorKind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}
