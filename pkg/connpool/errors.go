package connpool

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when the fd budget is used up and
	// every connection is busy. It is never retried internally.
	ErrResourceExhausted = errors.New("connection budget exhausted")

	ErrPoolClosed = errors.New("connection pool closed")
)

// ConnectError is a failure to establish a connection to an endpoint.
type ConnectError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
