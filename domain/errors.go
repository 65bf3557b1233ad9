package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Drop reasons from the ingestion pipeline. None of these may propagate into
// the host application's network path; they are logged and swallowed at the
// boundary.
var (
	ErrOwnEndpoint        = errors.New("request targets an sdk endpoint")
	ErrUnknownProvider    = errors.New("unknown destination domain")
	ErrNoSession          = errors.New("no active session")
	ErrTrackingDisabled   = errors.New("tracking disabled for session")
	ErrSamplingUnresolved = errors.New("sampling rate not resolved")
)

// DeliveryError wraps a non-2xx response from the collection endpoint.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery failed with status %d: %s", e.StatusCode, e.Body)
}
