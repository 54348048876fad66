package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable marks transient failures: network errors,
	// timeouts, 5xx and throttling. Retrying may succeed.
	ErrProviderUnavailable = errors.New("mpesa provider unavailable")

	// ErrProviderRejected marks requests the provider refused, such as bad
	// credentials or an invalid destination. Retrying will not help.
	ErrProviderRejected = errors.New("mpesa provider rejected request")
)

// ProviderError carries the raw provider detail for operator-facing surfaces.
type ProviderError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Body       string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("mpesa %s", e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	sentinel := ErrProviderRejected
	if e.Retryable {
		sentinel = ErrProviderUnavailable
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
