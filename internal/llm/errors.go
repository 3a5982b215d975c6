package llm

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks a completion request the endpoint refuses to send.
var ErrInvalidRequest = errors.New("invalid completion request")

// TransportError is a failure to obtain a completion: the provider or the
// remote endpoint failed, or its reply could not be read.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
