package forward

import (
	"errors"
	"fmt"
)

// ErrCondition is a named AMQP error condition issued to an upstream
// receiver when its link is closed by the engine.
//
// See http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transport-v1.0-os.html#type-amqp-error
// for the shape these follow; ours are adapter-local rather than part of
// the core AMQP error-condition registry.
type ErrCondition string

// Error conditions issued upstream.
const (
	// ErrCondNoDownstreamConsumer is raised when the engine has no usable
	// sender for a receiver: no sender registered, the sender is not open,
	// or the downstream connection has just disconnected.
	ErrCondNoDownstreamConsumer ErrCondition = "forward:no-downstream-consumer"
)

func (c ErrCondition) String() string { return string(c) }

// Sentinel errors returned synchronously from engine operations.
var (
	// ErrNotStarted is returned by any public operation other than Start
	// when the engine is not Running.
	ErrNotStarted = errors.New("forward: engine not started")

	// ErrConnectionNotOpen is returned from sender creation when the
	// downstream connection is absent or disconnected.
	ErrConnectionNotOpen = errors.New("forward: downstream connection not open")

	// ErrAlreadyStarted is returned by Start when called more than once.
	ErrAlreadyStarted = errors.New("forward: engine already started")
)

// SenderCreationError wraps the cause returned by a SenderFactory failure.
// The engine never inspects the cause itself, only propagates it to the
// caller of OnClientAttach after discarding any partial registry state.
type SenderCreationError struct {
	Address string
	Cause   error
}

func (e *SenderCreationError) Error() string {
	return fmt.Sprintf("forward: failed to create downstream sender for %q: %v", e.Address, e.Cause)
}

func (e *SenderCreationError) Unwrap() error { return e.Cause }
