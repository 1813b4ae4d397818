// Package forward implements a protocol-level forwarding adapter between
// many upstream AMQP 1.0 producer links and a single downstream AMQP 1.0
// container.
//
// For each upstream producer link the engine multiplexes messages onto a
// corresponding downstream sender link, propagates credit and drain
// end-to-end, and maintains correct message disposition under backpressure
// and failure. The upstream side (listener, authentication, address-based
// endpoint routing) is an external collaborator; this package only covers
// the forwarding engine itself: connection lifecycle, the sender registry,
// credit/drain propagation, and failure recovery.
package forward
