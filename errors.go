package quotagate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrCapacityExhausted   = errors.New("quotagate: all providers are at capacity")
	ErrStoreUnavailable    = errors.New("quotagate: capacity store unavailable")
	ErrTimeout             = errors.New("quotagate: request timeout")
	ErrClientAbort         = errors.New("quotagate: request aborted by client")
	ErrProviderUnavailable = errors.New("quotagate: provider unavailable")
	ErrInvalidRequest      = errors.New("quotagate: invalid request")
	ErrUnauthorized        = errors.New("quotagate: unauthorized")
)

// UpstreamError is a non-2xx answer from a provider. The status code is
// preserved so the caller can pass it on.
type UpstreamError struct {
	Provider   string
	ProfileID  string
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("quotagate: provider %s returned status %d", e.Provider, e.StatusCode)
}

// RateLimited reports whether the provider answered 429.
func (e *UpstreamError) RateLimited() bool {
	return e.StatusCode == 429
}

// RouterError wraps an error with routing context.
type RouterError struct {
	Err       error
	Route     string
	Provider  string
	ProfileID string
	RequestID string
}

func (e *RouterError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("quotagate: route=%s request=%s: %v", e.Route, e.RequestID, e.Err)
	}
	return fmt.Sprintf("quotagate: route=%s provider=%s profile=%s request=%s: %v",
		e.Route, e.Provider, e.ProfileID, e.RequestID, e.Err)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// IsCancellation returns true if err is a timeout or a client abort.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrClientAbort)
}

// countsAsFailure reports whether err should degrade the profile's health.
// Rate limiting and cancellations say nothing about the profile itself.
func countsAsFailure(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500
	}
	return errors.Is(err, ErrProviderUnavailable)
}
