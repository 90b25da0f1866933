// Package presence keeps the last known status of the peers the user is
// looking at.
package presence

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/storage"
)

var log = logging.Logger("presence")

// Peer is the tracked state of one peer.
type Peer struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	// Live is false until the first update arrives over the bus; before that
	// the status comes from the local cache.
	Live bool `json:"live"`
}

type Event struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Peer   *Peer  `json:"peer,omitempty"`
}

// Source delivers presence updates per peer.
type Source interface {
	SubscribePresence(peerID string, fn func(bus.Presence)) func()
}

// Store persists the last status across restarts.
type Store interface {
	GetPeerStatus(peerID string) (storage.PeerStatus, bool)
	UpsertPeerStatus(storage.PeerStatus) error
}

type Tracker struct {
	src   Source
	store Store

	mu        sync.Mutex
	peers     map[string]Peer
	unsubs    map[string]func()
	listeners []chan Event
}

// New creates a tracker. store may be nil.
func New(src Source, store Store) *Tracker {
	return &Tracker{
		src:    src,
		store:  store,
		peers:  map[string]Peer{},
		unsubs: map[string]func(){},
	}
}

// Watch starts tracking peerID. Watching a peer twice is a no-op.
func (t *Tracker) Watch(peerID string) Peer {
	t.mu.Lock()
	if _, ok := t.unsubs[peerID]; ok {
		p := t.peers[peerID]
		t.mu.Unlock()
		return p
	}
	p := Peer{Status: bus.StatusOffline}
	if t.store != nil {
		if ps, ok := t.store.GetPeerStatus(peerID); ok {
			p.Status = ps.Status
			p.LastSeen = ps.LastSeen
		}
	}
	t.peers[peerID] = p
	t.unsubs[peerID] = func() {}
	t.notifyListeners(Event{Type: "update", PeerID: peerID, Peer: &p})
	t.mu.Unlock()

	// Subscribing outside the lock: the bus may deliver synchronously.
	unsub := t.src.SubscribePresence(peerID, func(u bus.Presence) { t.update(peerID, u) })

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.unsubs[peerID]; !ok {
		// Unwatched while subscribing.
		unsub()
		return p
	}
	t.unsubs[peerID] = unsub
	return t.peers[peerID]
}

// Unwatch stops tracking peerID.
func (t *Tracker) Unwatch(peerID string) {
	t.mu.Lock()
	unsub, ok := t.unsubs[peerID]
	if ok {
		delete(t.unsubs, peerID)
		delete(t.peers, peerID)
		t.notifyListeners(Event{Type: "remove", PeerID: peerID})
	}
	t.mu.Unlock()
	if ok {
		unsub()
	}
}

func (t *Tracker) update(peerID string, u bus.Presence) {
	seen := time.Now()
	if u.LastSeen > 0 {
		seen = time.UnixMilli(u.LastSeen)
	}

	t.mu.Lock()
	cur, ok := t.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p := Peer{Status: u.Status, LastSeen: seen, Live: true}
	t.peers[peerID] = p
	if cur.Status != p.Status || !cur.Live {
		t.notifyListeners(Event{Type: "update", PeerID: peerID, Peer: &p})
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertPeerStatus(storage.PeerStatus{PeerID: peerID, Status: p.Status, LastSeen: seen}); err != nil {
			log.Warnf("store status of %s: %v", peerID, err)
		}
	}
}

func (t *Tracker) Get(peerID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	return p, ok
}

func (t *Tracker) Snapshot() map[string]Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Peer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close unwatches every peer and closes all listener channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = map[string]func(){}
	t.peers = map[string]Peer{}
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (t *Tracker) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
