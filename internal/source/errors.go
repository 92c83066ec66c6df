package source

import (
	"errors"
	"fmt"
)

// TransientError wraps network, timeout, 429 and 5xx failures. Callers may
// retry these with backoff.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a 4xx-class response. Retrying will not help.
type PermanentError struct {
	URL    string
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent fetch %s: status %d", e.URL, e.Status)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
