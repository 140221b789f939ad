package registry

import (
	"fmt"
)

// RegistryError is a sentinel error returned for invalid or out-of-lifecycle operations
type RegistryError struct {
	Code    string
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// ErrInvalidIdentity is returned when the identity is empty
	ErrInvalidIdentity = &RegistryError{Code: "invalid_identity", Message: "identity must not be empty"}

	// ErrInvalidChannel is returned when the channel name is empty
	ErrInvalidChannel = &RegistryError{Code: "invalid_channel", Message: "channel must not be empty"}

	// ErrNotStarted is returned for operations issued before Init
	ErrNotStarted = &RegistryError{Code: "not_started", Message: "registry has not been initialized"}

	// ErrAlreadyStarted is returned by a second Init
	ErrAlreadyStarted = &RegistryError{Code: "already_started", Message: "registry is already initialized"}

	// ErrClosed is returned for operations issued after Teardown
	ErrClosed = &RegistryError{Code: "closed", Message: "registry has been torn down"}
)

// TransportError wraps a failed transport call. Local state is left as it was
// before the call.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q failed: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
