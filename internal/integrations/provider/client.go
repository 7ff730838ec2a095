package provider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Client fetches the raw tracking document for one number. Errors the provider reports
// inside a readable body are not Go errors; the parser surfaces them.
type Client interface {
	FetchTracking(ctx context.Context, carrierCode, trackingNumber string) ([]byte, error)
}

// StatusError is a transport-level failure with the provider's HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracking provider http %d", e.StatusCode)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTemporary is true for StatusErrors worth retrying and for errors with no status
// (network failures).
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return err != nil
}
