// Package completion defines the multimodal completion boundary used for
// image classification, and the errors its implementations report.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request is one instruction plus one image. Image is a data URL, a bare
// base64 payload or an http(s) URL.
type Request struct {
	SystemInstruction string
	UserText          string
	Image             string
}

// Response carries the free-form completion text.
type Response struct {
	Content string
	Model   string
}

// Client submits a single completion request. Implementations must not retry.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

var (
	// ErrNotConfigured is returned before any network call when the upstream
	// credential is missing.
	ErrNotConfigured = errors.New("completion service is not configured")
	// ErrInvalidImage is returned when the image payload cannot be decoded.
	ErrInvalidImage = errors.New("invalid image payload")
)

// StatusError reports a non-success answer from the upstream service.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("completion upstream returned %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports an upstream rate-limit signal.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// QuotaExhausted reports an upstream billing or quota signal.
func (e *StatusError) QuotaExhausted() bool {
	return e.StatusCode == http.StatusPaymentRequired
}
