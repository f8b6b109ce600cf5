package provider

import (
	"context"
	"errors"
	"fmt"
)

// UpstreamError is a non-2xx response from a provider backend. Retrying
// is the caller's decision; Retryable reports whether it is worthwhile.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status indicates a transient condition.
func (e *UpstreamError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// ErrCancelled is reported when the caller's signal fired mid-request.
var ErrCancelled = errors.New("provider: request cancelled")

// cancelErr normalizes context errors into ErrCancelled.
func cancelErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return err
}
