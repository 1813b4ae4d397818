package forward

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
)

// fakeReceiver is a test double for UpstreamReceiver, grounded in the
// spec.md §8 scenarios (S1-S6): it records every replenish/drain/close
// call so tests can assert on exactly what the engine asked of it.
type fakeReceiver struct {
	mu sync.Mutex

	connID string
	linkID string
	target string

	replenished []uint32
	drainCalls  []time.Duration
	drainCb     func(error)
	closedWith  *ErrCondition
}

func newFakeReceiver(connID, linkID, target string) *fakeReceiver {
	return &fakeReceiver{connID: connID, linkID: linkID, target: target}
}

func (r *fakeReceiver) ConnectionID() string   { return r.connID }
func (r *fakeReceiver) LinkID() string         { return r.linkID }
func (r *fakeReceiver) TargetAddress() string  { return r.target }

func (r *fakeReceiver) Replenish(credits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replenished = append(r.replenished, credits)
}

func (r *fakeReceiver) Drain(timeout time.Duration, resultCb func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainCalls = append(r.drainCalls, timeout)
	r.drainCb = resultCb
}

func (r *fakeReceiver) Close(cond ErrCondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := cond
	r.closedWith = &c
}

func (r *fakeReceiver) lastReplenish() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replenished) == 0 {
		return 0, false
	}
	return r.replenished[len(r.replenished)-1], true
}

func (r *fakeReceiver) wasClosedWith(cond ErrCondition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closedWith != nil && *r.closedWith == cond
}

func (r *fakeReceiver) drainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drainCalls)
}

func (r *fakeReceiver) triggerDrainComplete(err error) {
	r.mu.Lock()
	cb := r.drainCb
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// fakeDelivery is a test double for Delivery.
type fakeDelivery struct {
	mu        sync.Mutex
	settled   bool
	outcome   string // "accepted", "released", "rejected"
	rejectErr error
}

func newFakeDelivery(remotelySettled bool) *fakeDelivery {
	return &fakeDelivery{settled: remotelySettled}
}

func (d *fakeDelivery) RemotelySettled() bool { return d.settled }

func (d *fakeDelivery) Accept() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcome = "accepted"
}

func (d *fakeDelivery) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcome = "released"
}

func (d *fakeDelivery) Reject(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcome = "rejected"
	d.rejectErr = cause
}

func (d *fakeDelivery) result() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// fakeTransport is a test double for senderTransport, avoiding any real
// downstream network connection.
type fakeTransport struct {
	mu      sync.Mutex
	address string
	sent    []*amqp.Message
	sendErr error
	closed  bool
}

func (t *fakeTransport) Send(_ context.Context, msg *amqp.Message, _ *amqp.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return t.sendErr
}

func (t *fakeTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Address() string { return t.address }

// fakeSession hands back a fakeTransport for every NewSender call, and
// records each attached transport on its parent fakeConnection so tests
// can assert on exactly how many sender links were attached.
type fakeSession struct {
	conn      *fakeConnection
	senderErr error
}

func (s *fakeSession) NewSender(_ context.Context, target string, opts *amqp.SenderOptions) (senderTransport, error) {
	if s.senderErr != nil {
		return nil, s.senderErr
	}
	atomic.AddInt32(&s.conn.newSenderCount, 1)
	tx := &fakeTransport{address: target}
	s.conn.mu.Lock()
	s.conn.transports = append(s.conn.transports, tx)
	s.conn.mu.Unlock()
	return tx, nil
}

// fakeConnection hands back a fakeSession.
type fakeConnection struct {
	mu             sync.Mutex
	sessionErr     error
	senderErr      error
	closed         bool
	newSenderCount int32
	transports     []*fakeTransport
}

func (c *fakeConnection) NewSession(context.Context) (Session, error) {
	if c.sessionErr != nil {
		return nil, c.sessionErr
	}
	return &fakeSession{conn: c, senderErr: c.senderErr}, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) senderCount() int32 {
	return atomic.LoadInt32(&c.newSenderCount)
}

// fakeConnectionFactory answers Connect immediately and synchronously
// from whichever goroutine calls it.
type fakeConnectionFactory struct {
	mu            sync.Mutex
	conn          *fakeConnection
	err           error
	connectErrs   []error // consumed front-to-back by successive Connect calls; falls back to err once drained
	connectCalls  int32
	onRemoteClose func()
	onDisconnect  func()
}

func newFakeConnectionFactory() *fakeConnectionFactory {
	return &fakeConnectionFactory{conn: &fakeConnection{}}
}

func (f *fakeConnectionFactory) Connect(opts ConnectOptions, onRemoteClose func(), onDisconnect func(), resultCb func(Connection, error)) {
	f.mu.Lock()
	f.onRemoteClose = onRemoteClose
	f.onDisconnect = onDisconnect
	atomic.AddInt32(&f.connectCalls, 1)

	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	} else {
		err = f.err
	}
	conn := f.conn
	f.mu.Unlock()

	if err != nil {
		resultCb(nil, err)
		return
	}
	resultCb(conn, nil)
}

func (f *fakeConnectionFactory) calls() int32 { return atomic.LoadInt32(&f.connectCalls) }

func (f *fakeConnectionFactory) Name() string          { return "test" }
func (f *fakeConnectionFactory) Host() string          { return "localhost" }
func (f *fakeConnectionFactory) Port() int             { return 5671 }
func (f *fakeConnectionFactory) PathSeparator() string { return "/" }

func (f *fakeConnectionFactory) fireDisconnect() {
	f.mu.Lock()
	cb := f.onDisconnect
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}
