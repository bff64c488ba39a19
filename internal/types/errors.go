package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Pipeline error taxonomy. ExtractionFailed and the fatal model errors stop
// a job without retry; transient model errors are retried with backoff.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrAnalysisFailed    = errors.New("analysis failed")
	ErrDocumentNotReady  = errors.New("document not ready")
	ErrJobNotFound       = errors.New("job not found")
	ErrSessionNotFound   = errors.New("chat session not found")
)

// ModelErrorKind classifies generative-model call failures.
type ModelErrorKind string

const (
	ModelErrTimeout     ModelErrorKind = "timeout"
	ModelErrRateLimited ModelErrorKind = "rate_limited"
	ModelErrAuth        ModelErrorKind = "auth_error"
	ModelErrMalformed   ModelErrorKind = "malformed_request"
	ModelErrUpstream    ModelErrorKind = "upstream_error"
)

// ModelCallError wraps a failed generative-model call with its class so the
// retry policy can distinguish transient from fatal failures.
type ModelCallError struct {
	Kind       ModelErrorKind
	StatusCode int
	Message    string
}

func (e *ModelCallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model call %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model call %s: %s", e.Kind, e.Message)
}

// IsTransient reports whether err should be retried with backoff. Timeouts,
// rate limits and upstream 5xx responses are transient; auth and malformed
// request errors are configuration bugs and fail immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var mcErr *ModelCallError
	if errors.As(err, &mcErr) {
		switch mcErr.Kind {
		case ModelErrTimeout, ModelErrRateLimited, ModelErrUpstream:
			return true
		}
		return false
	}
	return false
}
