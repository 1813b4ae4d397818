package forward

import (
	"context"
	"sync/atomic"

	"github.com/Azure/go-amqp"
	"github.com/pkg/errors"
)

// outboxDepth bounds how many messages a Sender buffers locally while
// waiting for downstream credit; this is the "queued" figure from the
// data model (spec.md §3).
const outboxDepth = 256

// senderTransport is the subset of *amqp.Sender the adapter drives. Real
// senders are backed by go-amqp directly — its Send/Close/Address methods
// already match this shape with no adaptation needed; fakes back it in
// tests.
type senderTransport interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
	Address() string
}

type outboundMessage struct {
	msg  *Message
	done func(error)
}

// Sender is a downstream AMQP sender link: the DownstreamSender of
// spec.md §3. A sender is created with auto-drained semantics disabled —
// drain propagation is entirely the engine's responsibility (§4.1's
// SenderFactory contract).
type Sender struct {
	tx           senderTransport
	connectionID string

	credit uint32 // atomic; set by flowNotifier.applyFlow
	queued uint32 // atomic; incremented on enqueue, decremented on send completion
	drain  uint32 // atomic bool
	open   uint32 // atomic bool

	outbox   chan outboundMessage
	wake     chan struct{}
	notifier *flowNotifier
	submit   func(func()) // posts a closure back onto the engine's control loop

	sendLoopDone chan struct{}
}

// Address returns the rewritten downstream address this sender attached
// to.
func (s *Sender) Address() string { return s.tx.Address() }

// ConnectionID is the upstream connection-id this sender is attached to
// (the engine records this at creation time; it has no AMQP meaning by
// itself).
func (s *Sender) ConnectionID() string { return s.connectionID }

// Credit returns the current downstream link credit.
func (s *Sender) Credit() uint32 { return atomic.LoadUint32(&s.credit) }

// Queued returns the number of messages buffered locally awaiting
// transmission.
func (s *Sender) Queued() uint32 { return atomic.LoadUint32(&s.queued) }

// Draining reports whether the peer has requested a drain.
func (s *Sender) Draining() bool { return atomic.LoadUint32(&s.drain) != 0 }

func (s *Sender) setDrain(v bool) {
	if v {
		atomic.StoreUint32(&s.drain, 1)
	} else {
		atomic.StoreUint32(&s.drain, 0)
	}
}

// Drained clears the drain flag once the upstream drain has completed
// (§4.4 handleFlow).
func (s *Sender) Drained() { s.setDrain(false) }

// Open reports whether the sender link is still open.
func (s *Sender) Open() bool { return atomic.LoadUint32(&s.open) != 0 }

// availableDownstreamCredit is the only credit figure ever granted
// upstream: max(0, credit-queued). It prevents upstream from overshooting
// local buffering (§4.4).
func availableDownstreamCredit(s *Sender) uint32 {
	credit, queued := s.Credit(), s.Queued()
	if queued >= credit {
		return 0
	}
	return credit - queued
}

// enqueue buffers msg for transmission and arranges for done (if non-nil)
// to be invoked, via the engine's control loop, once the send completes.
// It never blocks the caller's control-loop goroutine for longer than it
// takes to push onto a buffered channel.
func (s *Sender) enqueue(msg *Message, done func(error)) {
	atomic.AddUint32(&s.queued, 1)
	select {
	case s.outbox <- outboundMessage{msg: msg, done: done}:
	default:
		// local buffer exhausted; treat like a transport failure for this
		// message rather than blocking the single-threaded engine.
		atomic.AddUint32(&s.queued, ^uint32(0))
		if done != nil {
			s.submit(func() { done(errors.New("forward: downstream sender outbox full")) })
		}
	}
}

// sendLoop drains the outbox and performs the actual network send,
// decrementing queued and credit as each transfer completes and waking
// the flow notifier so it can re-sync upstream credit. Modeled on the
// teacher's Sender.mux() transfer-dispatch loop (sender.go), minus the
// wire-level frame encoding go-amqp already owns.
func (s *Sender) sendLoop(ctx context.Context, wake chan<- struct{}) {
	defer close(s.sendLoopDone)
	for m := range s.outbox {
		err := s.tx.Send(ctx, m.msg, nil)
		atomic.AddUint32(&s.queued, ^uint32(0))
		if atomic.LoadUint32(&s.credit) > 0 {
			atomic.AddUint32(&s.credit, ^uint32(0))
		}
		if m.done != nil {
			done := m.done
			s.submit(func() { done(err) })
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// close marks the sender closed and stops its background goroutines. It
// does not itself remove the sender from the registry; callers do that
// (§4.3's remove/removeConnection return the prior sender precisely so
// the caller can close it).
func (s *Sender) close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.open, 1, 0) {
		return nil
	}
	s.notifier.stop()
	close(s.outbox)
	<-s.sendLoopDone
	return s.tx.Close(ctx)
}

// SenderFactory creates outbound sender links given an open downstream
// connection, a target address, and a desired QoS (§4.2).
type SenderFactory struct {
	pathSeparator string
}

func NewSenderFactory(pathSeparator string) *SenderFactory {
	return &SenderFactory{pathSeparator: pathSeparator}
}

// createSender attaches a sender for the rewritten downstream address and
// wires its credit-replenishment handler. onCreditReplenish is invoked
// (via submit, i.e. on the engine's control loop) whenever the sender's
// local view of downstream credit changes.
func (f *SenderFactory) createSender(
	conn Connection,
	upstreamAddress string,
	qos QoS,
	connectionID string,
	submit func(func()),
	onCreditReplenish func(*Sender),
	resultCb func(*Sender, error),
) {
	if conn == nil {
		resultCb(nil, ErrConnectionNotOpen)
		return
	}

	address, err := rewriteAddress(upstreamAddress, f.pathSeparator)
	if err != nil {
		resultCb(nil, err)
		return
	}

	// The actual attach is a network round-trip; run it off the caller's
	// goroutine and hand the result back through submit so the engine's
	// control loop is never blocked on AMQP I/O (§5 "suspension points").
	go func() {
		ctx := context.Background()
		session, err := conn.NewSession(ctx)
		if err != nil {
			submit(func() { resultCb(nil, errors.Wrap(err, "forward: opening downstream session")) })
			return
		}

		tx, err := session.NewSender(ctx, address, &amqp.SenderOptions{
			SettlementMode: settleMode(qos),
		})
		if err != nil {
			submit(func() { resultCb(nil, errors.Wrapf(err, "forward: attaching downstream sender to %q", address)) })
			return
		}

		sender := &Sender{
			tx:           tx,
			connectionID: connectionID,
			outbox:       make(chan outboundMessage, outboxDepth),
			submit:       submit,
			sendLoopDone: make(chan struct{}),
		}
		atomic.StoreUint32(&sender.open, 1)

		wake := make(chan struct{}, 1)
		sender.notifier = newFlowNotifier(onCreditReplenish)
		go sender.notifier.watch(wake, sender)
		go sender.sendLoop(context.Background(), wake)

		submit(func() { resultCb(sender, nil) })
	}()
}
