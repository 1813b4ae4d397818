package forward

import "github.com/Azure/go-amqp"

// QoS is the quality of service a ForwardingEngine requests from the
// downstream container (§4.5).
type QoS int

const (
	// AtMostOnce sends pre-settled downstream; nothing is retransmitted.
	AtMostOnce QoS = iota
	// AtLeastOnce sends unsettled downstream and mirrors the resulting
	// disposition upstream.
	AtLeastOnce
)

// QoSPolicy is the abstract extension point the engine delegates to for
// both sender creation and per-message forwarding. Two concrete variants
// are provided: TelemetryPolicy and EventPolicy.
type QoSPolicy interface {
	// DownstreamQoS is applied at sender-creation time.
	DownstreamQoS() QoS

	// ForwardMessage performs the actual send and is responsible for
	// upstream disposition/settlement. Invoked only when sender.Credit()
	// > 0, from the engine's control-loop goroutine; it must not block.
	ForwardMessage(sender *Sender, message *Message, delivery Delivery)
}

// settleMode translates a QoS into the SenderSettleMode requested at
// attach time, mirroring the teacher's own SenderOptions.SettlementMode
// field in sender.go.
func settleMode(qos QoS) *amqp.SenderSettleMode {
	var mode amqp.SenderSettleMode
	if qos == AtMostOnce {
		mode = amqp.SenderSettleModeSettled
	} else {
		mode = amqp.SenderSettleModeUnsettled
	}
	return &mode
}

// TelemetryPolicy implements AT_MOST_ONCE: messages are sent pre-settled
// downstream and accepted upstream immediately, independent of whether
// the downstream send ever completes. No message is retried; a message
// lost this way matches AT_MOST_ONCE semantics exactly (spec.md §7).
type TelemetryPolicy struct{}

func (TelemetryPolicy) DownstreamQoS() QoS { return AtMostOnce }

func (TelemetryPolicy) ForwardMessage(sender *Sender, message *Message, delivery Delivery) {
	message.SendSettled = true
	sender.enqueue(message, nil)
	delivery.Accept()
}

// EventPolicy implements AT_LEAST_ONCE: messages are sent unsettled
// downstream and the upstream disposition mirrors the downstream one once
// it is observed.
//
// go-amqp's public Sender.Send only ever reports success or failure, not
// the specific outcome (accepted/released/rejected) the peer chose — see
// DESIGN.md "Open Question: flow visibility". A nil error is mirrored as
// accepted; any error is mirrored as released, asking the producer to
// retry, which is the safe default when the specific outcome can't be
// observed.
type EventPolicy struct{}

func (EventPolicy) DownstreamQoS() QoS { return AtLeastOnce }

func (EventPolicy) ForwardMessage(sender *Sender, message *Message, delivery Delivery) {
	message.SendSettled = false
	sender.enqueue(message, func(err error) {
		if err == nil {
			delivery.Accept()
			return
		}
		delivery.Release()
	})
}
