package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no connected channel became available
	// within the publish timeout.
	ErrNotConnected = errors.New("broker not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker connection closed")
	// ErrPublishNacked is returned when the broker refused a publish.
	ErrPublishNacked = errors.New("publish not acknowledged by broker")
)

// ConnectionError reports that the broker stayed unreachable for the whole
// retry budget of Connect.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a message that was not accepted by the broker.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
