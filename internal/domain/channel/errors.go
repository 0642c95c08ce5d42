package channel

import (
	"errors"
	"fmt"
)

// TransportError carries a transport's own classification of a failed send.
type TransportError struct {
	Retryable bool
	Code      string
	Err       error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s transport error (%s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func Retryable(code string, err error) error {
	return &TransportError{Retryable: true, Code: code, Err: err}
}

func Permanent(code string, err error) error {
	return &TransportError{Retryable: false, Code: code, Err: err}
}

var ErrNoAddress = errors.New("recipient has no address for channel")

// IsRetryable reports whether a failed send may be attempted again.
// Errors a transport did not classify are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}
