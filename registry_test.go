package forward

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLinkRegistryAddGetRemove(t *testing.T) {
	r := newLinkRegistry()
	receiver := newFakeReceiver("conn-1", "link-1", "telemetry/acme")
	sender := &Sender{connectionID: "conn-1"}

	_, ok := r.get(receiver)
	require.False(t, ok, "fresh registry must not know about any receiver")

	r.add(receiver, sender)
	require.Equal(t, 1, r.size())

	got, ok := r.get(receiver)
	require.True(t, ok)
	require.Same(t, sender, got)

	removed, ok := r.remove(receiver)
	require.True(t, ok)
	require.Same(t, sender, removed)
	require.Equal(t, 0, r.size())

	_, ok = r.remove(receiver)
	require.False(t, ok, "removing twice must report false the second time")
}

func TestLinkRegistryByConnectionOrdering(t *testing.T) {
	r := newLinkRegistry()
	a := newFakeReceiver("conn-1", "link-a", "telemetry/acme")
	b := newFakeReceiver("conn-1", "link-b", "telemetry/acme")
	c := newFakeReceiver("conn-1", "link-c", "telemetry/acme")

	r.add(a, &Sender{})
	r.add(b, &Sender{})
	r.add(c, &Sender{})

	if diff := cmp.Diff([]UpstreamReceiver{a, b, c}, r.byConnection["conn-1"]); diff != "" {
		t.Errorf("byConnection ordering mismatch (-want +got):\n%s", diff)
	}

	// Removing the middle entry must not disturb the relative order of
	// the survivors.
	r.remove(b)
	if diff := cmp.Diff([]UpstreamReceiver{a, c}, r.byConnection["conn-1"]); diff != "" {
		t.Errorf("byConnection ordering mismatch after remove (-want +got):\n%s", diff)
	}
}

func TestLinkRegistryRemoveConnection(t *testing.T) {
	r := newLinkRegistry()
	a := newFakeReceiver("conn-1", "link-a", "telemetry/acme")
	b := newFakeReceiver("conn-1", "link-b", "telemetry/acme")
	other := newFakeReceiver("conn-2", "link-x", "telemetry/acme")

	r.add(a, &Sender{})
	r.add(b, &Sender{})
	r.add(other, &Sender{})

	removed := r.removeConnection("conn-1")
	require.Equal(t, []UpstreamReceiver{a, b}, removed)
	require.Equal(t, 1, r.size(), "conn-2's receiver must survive")

	_, ok := r.get(a)
	require.False(t, ok)
	_, ok = r.get(other)
	require.True(t, ok)

	require.Empty(t, r.removeConnection("conn-1"), "removing an already-empty connection is a no-op")
}

func TestLinkRegistryClear(t *testing.T) {
	r := newLinkRegistry()
	r.add(newFakeReceiver("conn-1", "link-a", "telemetry/acme"), &Sender{})
	r.add(newFakeReceiver("conn-2", "link-b", "telemetry/acme"), &Sender{})
	require.Equal(t, 2, r.size())

	r.clear()
	require.Equal(t, 0, r.size())
	require.Empty(t, r.byConnection)
}
