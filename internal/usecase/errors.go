package usecase

import (
	"errors"
	"net/http"
)

// ErrorKind is the closed set of scan failure kinds.
type ErrorKind int

const (
	KindUpstreamFailure ErrorKind = iota
	KindUnauthenticated
	KindInvalidInput
	KindMisconfiguredService
	KindThrottled
	KindQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidInput:
		return "invalid_input"
	case KindMisconfiguredService:
		return "misconfigured_service"
	case KindThrottled:
		return "throttled"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "upstream_failure"
	}
}

// HTTPStatus is the status code a transport should answer with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Caller-visible messages. Upstream detail never goes into these.
const (
	msgUnauthorized  = "Unauthorized"
	msgMissingImage  = "Image is required"
	msgInvalidImage  = "Image could not be decoded"
	msgMisconfigured = "AI service is not configured"
	msgThrottled     = "Rate limit exceeded. Please try again later."
	msgQuota         = "AI service quota exceeded."
	msgUpstream      = "AI service error"
	msgNoResponse    = "No response from classification service"
)

// ScanError is the typed failure returned by ScanUseCase.
type ScanError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter string
	Err        error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// HTTPStatus is shorthand for e.Kind.HTTPStatus().
func (e *ScanError) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

func newScanError(kind ErrorKind, message string, err error) *ScanError {
	return &ScanError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind carried by err. Errors that are not a ScanError
// count as upstream failures.
func KindOf(err error) ErrorKind {
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Kind
	}
	return KindUpstreamFailure
}
