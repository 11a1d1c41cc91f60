// Package rcluster is the cloneable, cluster-aware Redis command router
// described by this repository: a Client Handle backed by a single
// owning Pipeline goroutine that tracks cluster topology, retries
// MOVED/ASK/TRYAGAIN/CLUSTERDOWN signals, and dispatches every command
// to the slot's current master.
package rcluster

import (
	"errors"
	"fmt"

	"rcluster/internal/proto"
)

// InvalidClientConfig reports a construction-time configuration
// problem: an empty endpoint list, an unparseable or unsupported
// (e.g. unix://) endpoint, or every seed endpoint being unreachable.
type InvalidClientConfig struct {
	cause error
}

func (e *InvalidClientConfig) Error() string { return "rcluster: invalid client config: " + e.cause.Error() }
func (e *InvalidClientConfig) Unwrap() error  { return e.cause }

func newInvalidClientConfig(format string, args ...interface{}) error {
	return &InvalidClientConfig{cause: fmt.Errorf(format, args...)}
}

// IoError wraps a transport-level failure (dial, write, read, TLS
// handshake) that isn't itself a server-sent error reply.
type IoError struct {
	cause error
}

func (e *IoError) Error() string { return "rcluster: io error: " + e.cause.Error() }
func (e *IoError) Unwrap() error { return e.cause }

// ResponseError reports a reply that doesn't match the shape a command
// expects (e.g. a bulk reply where an integer was required) — a
// protocol-level surprise, not a server error reply.
type ResponseError struct {
	cause error
}

func (e *ResponseError) Error() string { return "rcluster: malformed response: " + e.cause.Error() }
func (e *ResponseError) Unwrap() error { return e.cause }

// BrokenPipe reports that the Pipeline goroutine is gone — the Client
// Handle's send channel is closed, or the owning context was cancelled
// — so no further commands can be routed.
type BrokenPipe struct {
	cause error
}

func (e *BrokenPipe) Error() string {
	if e.cause == nil {
		return "rcluster: broken pipe: client is closed"
	}
	return "rcluster: broken pipe: " + e.cause.Error()
}
func (e *BrokenPipe) Unwrap() error { return e.cause }

// ExtensionError wraps a RESP error reply carrying a recognized
// extension code (MOVED, ASK, TRYAGAIN, CLUSTERDOWN, or any other
// uppercase-token error the server sent) that exhausted retries before
// resolving, so the caller sees exactly what the cluster said.
type ExtensionError struct {
	Code    string
	Message string
}

func (e *ExtensionError) Error() string {
	if e.Code == "" {
		return "rcluster: extension error: " + e.Message
	}
	return "rcluster: extension error " + e.Code + ": " + e.Message
}

func wrapReplyError(err error) error {
	var re *proto.ReplyError
	if errors.As(err, &re) {
		return &ExtensionError{Code: re.Code, Message: re.Message}
	}
	return &IoError{cause: err}
}
