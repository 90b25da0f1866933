package presence

import (
	"sync"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/storage"
)

type fakeSource struct {
	mu   sync.Mutex
	subs map[string]func(bus.Presence)
	ends map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: map[string]func(bus.Presence){}, ends: map[string]int{}}
}

func (s *fakeSource) SubscribePresence(peerID string, fn func(bus.Presence)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[peerID] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, peerID)
		s.ends[peerID]++
	}
}

func (s *fakeSource) push(peerID string, p bus.Presence) {
	s.mu.Lock()
	fn := s.subs[peerID]
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

type memStore struct {
	mu sync.Mutex
	m  map[string]storage.PeerStatus
}

func (s *memStore) GetPeerStatus(id string) (storage.PeerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	return p, ok
}

func (s *memStore) UpsertPeerStatus(p storage.PeerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[p.PeerID] = p
	return nil
}

func TestWatchSeedsFromStoreAndUpdates(t *testing.T) {
	src := newFakeSource()
	seen := time.UnixMilli(1_700_000_000_000)
	store := &memStore{m: map[string]storage.PeerStatus{
		"bob": {PeerID: "bob", Status: bus.StatusInCall, LastSeen: seen},
	}}
	tr := New(src, store)
	defer tr.Close()

	p := tr.Watch("bob")
	test.That(t, p.Status, test.ShouldEqual, bus.StatusInCall)
	test.That(t, p.Live, test.ShouldBeFalse)

	events := tr.Subscribe()
	src.push("bob", bus.Presence{PeerID: "bob", Status: bus.StatusOnline, LastSeen: seen.Add(time.Minute).UnixMilli()})

	ev := <-events
	test.That(t, ev.Type, test.ShouldEqual, "update")
	test.That(t, ev.Peer.Status, test.ShouldEqual, bus.StatusOnline)
	test.That(t, ev.Peer.Live, test.ShouldBeTrue)

	got, ok := tr.Get("bob")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.LastSeen.Equal(seen.Add(time.Minute)), test.ShouldBeTrue)
	stored, _ := store.GetPeerStatus("bob")
	test.That(t, stored.Status, test.ShouldEqual, bus.StatusOnline)

	// Same status again: no event.
	src.push("bob", bus.Presence{PeerID: "bob", Status: bus.StatusOnline})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestWatchIsIdempotentAndUnwatch(t *testing.T) {
	src := newFakeSource()
	tr := New(src, nil)

	tr.Watch("bob")
	tr.Watch("bob")
	tr.Watch("carol")
	test.That(t, tr.Snapshot(), test.ShouldHaveLength, 2)

	tr.Unwatch("bob")
	tr.Unwatch("bob")
	_, ok := tr.Get("bob")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, src.ends["bob"], test.ShouldEqual, 1)

	// Updates for an unwatched peer are dropped.
	src.push("bob", bus.Presence{Status: bus.StatusOnline})
	_, ok = tr.Get("bob")
	test.That(t, ok, test.ShouldBeFalse)

	ch := tr.Subscribe()
	tr.Close()
	_, open := <-ch
	test.That(t, open, test.ShouldBeFalse)
	test.That(t, src.ends["carol"], test.ShouldEqual, 1)
}
