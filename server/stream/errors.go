package stream

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("stream client closed")

// ConnectionError is a transport failure: a dial that did not complete or a
// connection that dropped. It feeds the reconnection policy and is never
// surfaced to subscribers on its own.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means one inbound message could not be used. The message is
// dropped and the connection is left alone.
type ProtocolError struct {
	Reason string
	Size   int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s (%d bytes): %v", e.Reason, e.Size, e.Err)
	}
	return fmt.Sprintf("protocol error: %s (%d bytes)", e.Reason, e.Size)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is reported once when the reconnect budget runs out.
// The client stays FAILED until Connect is called again.
type ExhaustedRetriesError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("giving up on %s after %d reconnect attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }
