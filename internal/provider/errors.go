package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknownModel is returned when a (provider, model) pair does not
// resolve in the registry.
var ErrUnknownModel = errors.New("unknown model")

// APIError is a non-2xx response from a provider endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsTransient reports whether an error is worth retrying: network-level
// failures, rate limits, and provider 5xx. Auth and other 4xx failures
// are permanent, as is a cancelled context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	// Anything below the HTTP layer (DNS, connection reset, timeouts).
	return true
}
