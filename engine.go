package forward

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/log"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
)

// lifecycle states, per §4.4: Created -> Starting -> Running -> Stopped.
const (
	stateCreated int32 = iota
	stateStarting
	stateRunning
	stateStopped
)

// ForwardingEngine is the central state machine (§4.4). All of its
// domain state (the current downstream connection, the link registry) is
// confined to a single control-loop goroutine, modeled on the teacher's
// per-link mux() select loop (sender.go, link.go) but retargeted from
// per-link I/O multiplexing to per-engine command multiplexing: every
// public operation submits a closure onto cmdCh and the loop drains them
// strictly in arrival order, so the engine's own fields need no locking.
//
// running is the one exception: it must be readable from arbitrary
// caller goroutines before a command is even submitted (§5: "In-flight
// callbacks ... must be ignored when running is false"), so it is an
// atomic flag rather than loop-confined state.
type ForwardingEngine struct {
	connector *DownstreamConnector
	factory   *SenderFactory
	qos       QoSPolicy
	cfg       Config

	registry *linkRegistry

	cmdCh  chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	running int32
	started int32

	conn                  Connection
	reconnectTimer        *time.Timer
	reconnectAttemptsLeft int
}

// NewForwardingEngine wires connector, factory and qos together. cfg
// supplies the options recognized in §6.4.
func NewForwardingEngine(connector *DownstreamConnector, factory *SenderFactory, qos QoSPolicy, cfg Config) *ForwardingEngine {
	return &ForwardingEngine{
		connector: connector,
		factory:   factory,
		qos:       qos,
		cfg:       cfg,
		registry:  newLinkRegistry(),
		cmdCh:     make(chan func()),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (e *ForwardingEngine) isRunning() bool { return atomic.LoadInt32(&e.running) == 1 }

// submit posts fn onto the control loop and blocks until it has been
// queued (not until it has run). Called from arbitrary goroutines:
// public API callers, the SenderFactory's attach goroutine, and each
// Sender's flowNotifier/sendLoop.
func (e *ForwardingEngine) submit(fn func()) {
	select {
	case e.cmdCh <- fn:
	case <-e.doneCh:
		// engine stopped; drop the command per §5's "ignored when running
		// is false".
	}
}

// closeSenderAsync closes sender off the control loop. sender.close blocks
// until its sendLoop has drained, and sendLoop's own done-callback
// invocations round-trip through submit — calling close synchronously from
// the control-loop goroutine that submit needs to service would deadlock,
// so every close triggered from within a control-loop closure is handed to
// its own goroutine instead.
func closeSenderAsync(sender *Sender) {
	go func() { _ = sender.close(context.Background()) }()
}

func (e *ForwardingEngine) loop() {
	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case <-e.stopCh:
			close(e.doneCh)
			return
		}
	}
}

// Start transitions Created -> Starting -> Running. If
// cfg.WaitForDownstreamConnectionEnabled is set, resultCb fires only
// after the first connect attempt resolves; otherwise it fires
// immediately and the connection proceeds in the background (§4.1).
// Calling Start a second time is rejected with ErrAlreadyStarted rather
// than launching a second control loop.
func (e *ForwardingEngine) Start(resultCb func(error)) {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		resultCb(ErrAlreadyStarted)
		return
	}
	go e.loop()

	connected := func(err error) {
		if err != nil {
			return
		}
		atomic.StoreInt32(&e.running, 1)
	}

	if e.cfg.WaitForDownstreamConnectionEnabled {
		e.connect(func(err error) {
			connected(err)
			resultCb(err)
		})
		return
	}

	atomic.StoreInt32(&e.running, 1)
	resultCb(nil)
	e.connect(func(err error) {
		if err != nil {
			log.For(context.Background()).Error(err)
		}
	})
}

// connect asks the connector for a downstream connection and installs the
// remote-close/disconnect callbacks that drive §4.4's disconnect
// recovery.
func (e *ForwardingEngine) connect(resultCb func(error)) {
	e.connector.Connect(
		func() {
			// Remote close: log, then initiate our own close, which
			// triggers the disconnect path below. Never arms a reconnect
			// timer directly — only onDisconnect does, so at most one
			// timer is ever outstanding (spec.md §9 open question).
			log.For(context.Background()).Debug("downstream container closed the connection")
			_ = e.connector.Close()
		},
		func() {
			e.submit(e.disconnectRecovery)
		},
		func(conn Connection, err error) {
			e.submit(func() {
				if err == nil {
					e.conn = conn
				}
				resultCb(err)
			})
		},
	)
}

// disconnectRecovery implements §4.4's "Disconnect recovery" procedure.
// Runs entirely on the control loop.
func (e *ForwardingEngine) disconnectRecovery() {
	span, _ := opentracing.StartSpanFromContext(context.Background(), "forward.disconnectRecovery")
	defer span.Finish()

	for receiver, sender := range e.registry.active {
		receiver.Close(ErrCondNoDownstreamConsumer)
		if sender.Open() {
			closeSenderAsync(sender)
		}
	}
	e.registry.clear()
	e.conn = nil

	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	if e.cfg.ReconnectAttempts != 0 {
		e.reconnectAttemptsLeft = e.cfg.ReconnectAttempts
		e.armReconnect(reconnectScheduleDelay)
	}
}

// armReconnect schedules attemptReconnect to run on the control loop
// after delay. Runs entirely on the control loop.
func (e *ForwardingEngine) armReconnect(delay time.Duration) {
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.submit(e.attemptReconnect)
	})
}

// attemptReconnect makes one reconnect attempt. On failure it reschedules
// itself after cfg.ReconnectInterval, honoring cfg.ReconnectAttempts
// (-1 unlimited, 0 already filtered out by disconnectRecovery, N a cap
// counted down in reconnectAttemptsLeft) — §4.4 "Disconnect recovery",
// §6.4. Runs on the control loop; the dial itself is started on its own
// goroutine, and its result comes back through submit.
func (e *ForwardingEngine) attemptReconnect() {
	e.reconnectTimer = nil
	if !e.isRunning() {
		return
	}
	// A ConnectionFactory may invoke its result callback synchronously, and
	// that callback submits back onto this loop; calling connect from here
	// directly would then block the loop on itself.
	go e.connect(func(err error) {
		if err == nil {
			return
		}
		log.For(context.Background()).Error(err)
		if !e.isRunning() {
			return
		}
		if e.cfg.ReconnectAttempts >= 0 {
			e.reconnectAttemptsLeft--
			if e.reconnectAttemptsLeft <= 0 {
				return
			}
		}
		e.armReconnect(e.cfg.ReconnectInterval)
	})
}

// Stop is synchronous-complete and idempotent: it best-effort closes the
// connection and transitions to Stopped. In-flight callbacks for the
// defunct connection are ignored via the running flag. Stop tears down
// the control loop whenever Start launched one, even if the initial
// downstream connect never succeeded and running was therefore never
// set.
func (e *ForwardingEngine) Stop(resultCb func(error)) {
	if !atomic.CompareAndSwapInt32(&e.started, 1, 0) {
		if resultCb != nil {
			resultCb(nil)
		}
		return
	}
	atomic.StoreInt32(&e.running, 0)

	e.submit(func() {
		if e.reconnectTimer != nil {
			e.reconnectTimer.Stop()
			e.reconnectTimer = nil
		}

		senders := make([]*Sender, 0, len(e.registry.active))
		for _, sender := range e.registry.active {
			if sender.Open() {
				senders = append(senders, sender)
			}
		}
		e.registry.clear()

		connErr := e.connector.Close()
		e.conn = nil

		// Unblock the control loop before waiting on the senders to drain:
		// each Sender.close round-trips through submit for its in-flight
		// done callbacks, which would deadlock against this very goroutine
		// if it were still the only reader of cmdCh.
		close(e.stopCh)

		go func() {
			var result *multierror.Error
			if connErr != nil {
				result = multierror.Append(result, connErr)
			}
			for _, sender := range senders {
				if err := sender.close(context.Background()); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if resultCb != nil {
				resultCb(result.ErrorOrNil())
			}
		}()
	})
}

// OnClientAttach ensures receiver has a live downstream sender (§4.4).
func (e *ForwardingEngine) OnClientAttach(receiver UpstreamReceiver, resultCb func(error)) {
	if !e.isRunning() {
		resultCb(ErrNotStarted)
		return
	}
	e.submit(func() { e.onClientAttach(receiver, resultCb) })
}

func (e *ForwardingEngine) onClientAttach(receiver UpstreamReceiver, resultCb func(error)) {
	span, _ := opentracing.StartSpanFromContext(context.Background(), "forward.onClientAttach")
	defer span.Finish()

	if sender, ok := e.registry.get(receiver); ok {
		if sender.Open() {
			resultCb(nil)
			return
		}
		// Stale entry for a sender that has since closed: remove it before
		// attaching a replacement so add below doesn't append receiver to
		// byConnection[cid] a second time.
		e.registry.remove(receiver)
	}

	if e.conn == nil {
		resultCb(ErrConnectionNotOpen)
		return
	}

	connectionID := receiver.ConnectionID()
	e.factory.createSender(
		e.conn,
		receiver.TargetAddress(),
		e.qos.DownstreamQoS(),
		connectionID,
		e.submit,
		func(sender *Sender) { e.handleFlow(sender, receiver) },
		func(sender *Sender, err error) {
			if err != nil {
				e.registry.remove(receiver) // defensive: discard any partial state
				resultCb(&SenderCreationError{Address: receiver.TargetAddress(), Cause: err})
				return
			}
			e.registry.add(receiver, sender)
			resultCb(nil)
		},
	)
}

// OnClientDetach removes receiver's registration and closes its sender
// if still open. Idempotent.
func (e *ForwardingEngine) OnClientDetach(receiver UpstreamReceiver) {
	if !e.isRunning() {
		return
	}
	e.submit(func() { e.onClientDetach(receiver) })
}

func (e *ForwardingEngine) onClientDetach(receiver UpstreamReceiver) {
	sender, ok := e.registry.remove(receiver)
	if !ok {
		return
	}
	if sender.Open() {
		closeSenderAsync(sender)
	}
}

// OnClientDisconnect detaches every receiver registered under
// connectionID, closing their senders. Idempotent (§4.4).
func (e *ForwardingEngine) OnClientDisconnect(connectionID string) {
	if !e.isRunning() {
		return
	}
	e.submit(func() { e.onClientDisconnect(connectionID) })
}

func (e *ForwardingEngine) onClientDisconnect(connectionID string) {
	senders := make([]*Sender, 0, len(e.registry.byConnection[connectionID]))
	for _, receiver := range e.registry.byConnection[connectionID] {
		if sender, ok := e.registry.get(receiver); ok {
			senders = append(senders, sender)
		}
	}
	e.registry.removeConnection(connectionID)
	for _, sender := range senders {
		if sender.Open() {
			closeSenderAsync(sender)
		}
	}
}

// ProcessMessage applies the §4.4 decision table: it either forwards
// message through the subclass QoS policy, settles delivery locally
// under backpressure, or closes receiver for lack of a downstream
// consumer.
func (e *ForwardingEngine) ProcessMessage(receiver UpstreamReceiver, delivery Delivery, message *Message) {
	if !e.isRunning() {
		return
	}
	e.submit(func() { e.processMessage(receiver, delivery, message) })
}

func (e *ForwardingEngine) processMessage(receiver UpstreamReceiver, delivery Delivery, message *Message) {
	sender, ok := e.registry.get(receiver)
	if !ok {
		receiver.Close(ErrCondNoDownstreamConsumer)
		return
	}

	if !sender.Open() {
		receiver.Close(ErrCondNoDownstreamConsumer)
		e.onClientDetach(receiver)
		return
	}

	if sender.Credit() == 0 {
		if delivery.RemotelySettled() {
			delivery.Accept()
		} else {
			delivery.Release()
		}
		return
	}

	receiver.Replenish(availableDownstreamCredit(sender))
	e.qos.ForwardMessage(sender, message, delivery)
}

// handleFlow reacts to a change in sender's downstream credit/drain
// state (§4.4). Registered as the sender's onCreditReplenish handler at
// attach time, always invoked on the control loop.
func (e *ForwardingEngine) handleFlow(sender *Sender, receiver UpstreamReceiver) {
	if sender.Draining() {
		receiver.Drain(drainTimeout, func(err error) {
			if err != nil {
				// absorbed silently (DrainTimeout / failure): the next
				// FLOW reconciles credit.
				return
			}
			e.submit(sender.Drained)
		})
		return
	}
	receiver.Replenish(availableDownstreamCredit(sender))
}
