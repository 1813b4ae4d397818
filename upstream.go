package forward

import (
	"context"
	"time"

	"github.com/Azure/go-amqp"
)

// Message is the forwarded payload. The engine never inspects or
// transforms it (persistence and content inspection are explicit
// non-goals); it is handed to the downstream sender as-is.
type Message = amqp.Message

// Delivery is a per-message handle carrying remote-settlement status, used
// to issue a disposition upstream.
type Delivery interface {
	// RemotelySettled reports whether the producer sent this delivery
	// pre-settled.
	RemotelySettled() bool

	// Accept settles the delivery as accepted.
	Accept()

	// Release settles the delivery as released, asking the producer to
	// retry.
	Release()

	// Reject settles the delivery as rejected with the given cause.
	Reject(cause error)
}

// UpstreamReceiver is an opaque handle for an inbound link from a
// producer, owned by the upstream server layer. The engine holds only a
// non-owning reference to it, keyed into the LinkRegistry.
type UpstreamReceiver interface {
	// ConnectionID is stable per underlying upstream connection.
	ConnectionID() string

	// LinkID is unique per receiver within its connection.
	LinkID() string

	// TargetAddress is the AMQP target the producer attached to, in
	// "endpoint/tenant[/deviceId]" form.
	TargetAddress() string

	// Replenish grants n more credits upstream.
	Replenish(credits uint32)

	// Drain initiates a drain upstream; resultCb is invoked with the
	// outcome, or not at all if timeout elapses first.
	Drain(timeout time.Duration, resultCb func(error))

	// Close closes the upstream link with the given error condition.
	Close(cond ErrCondition)
}

// Connection is the downstream connection handle returned by
// ConnectionFactory.Connect. It is a thin seam so tests can substitute a
// fake; production code backs it with *amqp.Client and *amqp.Session.
type Connection interface {
	// NewSession opens a session on this connection, used by SenderFactory
	// to attach sender links.
	NewSession(ctx context.Context) (Session, error)

	// Close closes the connection.
	Close() error
}

// Session is the subset of *amqp.Session the adapter needs. NewSender
// returns the narrower senderTransport seam (not *amqp.Sender directly)
// so tests can substitute a fake without a live downstream connection.
type Session interface {
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (senderTransport, error)
}

// ConnectOptions mirrors the fixed defaults in §4.1, threaded through to
// the concrete ConnectionFactory.
type ConnectOptions struct {
	Timeout           time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	AAD               *AADCredential
}

// ConnectionFactory dials the downstream container. Name, Host, Port and
// PathSeparator report the factory's settings; the engine and
// SenderFactory do not read them (the address-rewrite separator comes from
// Config.PathSeparator).
type ConnectionFactory interface {
	Connect(opts ConnectOptions, onRemoteClose func(), onDisconnect func(), resultCb func(Connection, error))
	Name() string
	Host() string
	Port() int
	PathSeparator() string
}
