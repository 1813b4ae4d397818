package forward

// linkRegistry is the authoritative mapping from upstream-receiver
// identity to its downstream sender, plus a secondary index from
// upstream connection-id to the ordered set of its upstream receivers
// (§4.3). It is only ever touched from the engine's single control-loop
// goroutine, so it carries no locking of its own — see engine.go.
type linkRegistry struct {
	active       map[UpstreamReceiver]*Sender
	byConnection map[string][]UpstreamReceiver
}

func newLinkRegistry() *linkRegistry {
	return &linkRegistry{
		active:       make(map[UpstreamReceiver]*Sender),
		byConnection: make(map[string][]UpstreamReceiver),
	}
}

// add inserts receiver->sender into active and appends receiver to its
// connection's list.
func (r *linkRegistry) add(receiver UpstreamReceiver, sender *Sender) {
	r.active[receiver] = sender
	cid := receiver.ConnectionID()
	r.byConnection[cid] = append(r.byConnection[cid], receiver)
}

// get looks up the sender for receiver, if any.
func (r *linkRegistry) get(receiver UpstreamReceiver) (*Sender, bool) {
	s, ok := r.active[receiver]
	return s, ok
}

// remove deletes receiver from both maps and returns its prior sender, if
// any, so the caller can close it.
func (r *linkRegistry) remove(receiver UpstreamReceiver) (*Sender, bool) {
	sender, ok := r.active[receiver]
	if !ok {
		return nil, false
	}
	delete(r.active, receiver)

	cid := receiver.ConnectionID()
	list := r.byConnection[cid]
	for i, candidate := range list {
		if candidate == receiver {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byConnection, cid)
	} else {
		r.byConnection[cid] = list
	}
	return sender, true
}

// removeConnection detaches every receiver registered under connectionID
// in one step, returning them in insertion order so bulk-closure
// notifications are reproducible.
func (r *linkRegistry) removeConnection(connectionID string) []UpstreamReceiver {
	list := r.byConnection[connectionID]
	delete(r.byConnection, connectionID)
	for _, receiver := range list {
		delete(r.active, receiver)
	}
	return list
}

// clear removes all entries, used on downstream disconnect.
func (r *linkRegistry) clear() {
	r.active = make(map[UpstreamReceiver]*Sender)
	r.byConnection = make(map[string][]UpstreamReceiver)
}

// size reports the number of active receivers, for tests and diagnostics.
func (r *linkRegistry) size() int {
	return len(r.active)
}
