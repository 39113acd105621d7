package authclient

import (
	"errors"
	"fmt"

	"github.com/caw-chat/chatauth/internal/status"
)

var (
	// ErrTransport matches every failure to get a usable answer from the
	// identity service, as opposed to a domain status.
	ErrTransport = errors.New("identity service unavailable")

	// ErrMalformedResponse marks a 2xx answer the client cannot interpret.
	ErrMalformedResponse = errors.New("malformed identity response")

	// ErrUnauthorized is returned when the service rejects the stored token.
	ErrUnauthorized = errors.New("session rejected by identity service")

	// ErrRejected matches a well-formed answer whose status is not success.
	ErrRejected = errors.New("rejected by identity service")
)

// StatusError is a domain refusal: the service answered, with a status
// other than success. It is not a transport failure.
type StatusError struct {
	Op     string
	Status status.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: rejected with status %s", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool { return target == ErrRejected }

// TransportError wraps network, timeout, HTTP-level and decoding failures.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func malformed(op, detail string) error {
	return &TransportError{Op: op, Err: fmt.Errorf("%w: %s", ErrMalformedResponse, detail)}
}
