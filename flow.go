package forward

import (
	"sync/atomic"
)

// flowNotifier owns the locally-tracked credit/drain state of a Sender and
// delivers updates to whichever callback was registered at sender-creation
// time (§4.2's "onCreditReplenish"). It is modeled on the teacher's
// Sender.mux() frame-dispatch loop (see DESIGN.md "Open Question: flow
// visibility"): go-amqp's public Sender hides raw FLOW frames, so rather
// than decoding them ourselves we run a small best-effort watcher that
// treats "a send completed" as the only observable proxy for "the peer
// replenished credit" and folds it into the same notification path a real
// FLOW handler would use.
//
// Production code gets its credit/drain signal from this watcher; tests
// call applyFlow directly to drive the documented scenarios
// deterministically, independent of whatever transport sits underneath.
type flowNotifier struct {
	onReplenish func(*Sender)

	stopCh chan struct{}
	doneCh chan struct{}
}

func newFlowNotifier(onReplenish func(*Sender)) *flowNotifier {
	return &flowNotifier{
		onReplenish: onReplenish,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// watch runs on its own goroutine for the lifetime of the sender, waking
// up whenever sendLoop reports that a transfer finished, and re-invoking
// onReplenish on the engine's control loop (via sender.submit) so the
// engine re-syncs upstream credit against the sender's current
// credit/queued snapshot.
func (n *flowNotifier) watch(wake <-chan struct{}, sender *Sender) {
	defer close(n.doneCh)
	for {
		select {
		case <-wake:
			sender.submit(func() { n.onReplenish(sender) })
		case <-n.stopCh:
			return
		}
	}
}

func (n *flowNotifier) stop() {
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
	<-n.doneCh
}

// applyFlow updates sender's credit and drain flag as if a downstream
// FLOW frame had just been processed, then invokes the registered
// onCreditReplenish handler directly on the calling goroutine. Tests call
// it to drive handleFlow deterministically.
func (n *flowNotifier) applyFlow(sender *Sender, credit uint32, drainFlag bool) {
	atomic.StoreUint32(&sender.credit, credit)
	sender.setDrain(drainFlag)
	n.onReplenish(sender)
}
