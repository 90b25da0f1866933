// Package bus owns the single multiplexed event connection to the server:
// typed event streams, reference-counted presence subscriptions, and the
// reconnect loop that keeps both alive.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bus")

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrShutdown     = errors.New("bus: shut down")
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Options tunes the reconnect policy.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type listener struct {
	id uint64
	fn func(Event)
}

type presenceListener struct {
	id uint64
	fn func(Presence)
}

type watcher struct {
	id uint64
	fn func(bool)
}

// peerSub is the listener set for one peer plus the id of the transport
// subscription backing it.
type peerSub struct {
	subID     string
	listeners []presenceListener
}

// route maps a transport subscription id back to what it feeds.
type route struct {
	typ  EventType
	peer string
}

// Bus is the event bus service object. Create one per signed-in user.
type Bus struct {
	dialer Dialer
	opts   Options

	mu        sync.Mutex
	creds     *Credentials
	conn      Conn
	gen       uint64 // bumped per dial attempt; stale deliveries are dropped
	connected bool
	shutdown  bool
	cancel    context.CancelFunc
	loopDone  chan struct{}

	nextID    uint64
	listeners map[EventType][]listener
	presence  map[string]*peerSub
	routes    map[string]route
	watchers  []watcher
}

// New creates a disconnected bus.
func New(dialer Dialer, opts Options) *Bus {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Bus{
		dialer:    dialer,
		opts:      opts,
		listeners: make(map[EventType][]listener),
		presence:  make(map[string]*peerSub),
		routes:    queueRoutes(),
	}
}

func queueSubID(t EventType) string { return "sub-" + string(t) }

func queueRoutes() map[string]route {
	r := make(map[string]route, len(queues))
	for _, q := range queues {
		r[queueSubID(q.typ)] = route{typ: q.typ}
	}
	return r
}

// Connect establishes the transport and starts the reconnect loop. It is a
// no-op while a connection or reconnect loop already exists. If the first
// attempt fails the error is returned and the loop keeps retrying in the
// background until Disconnect.
func (b *Bus) Connect(ctx context.Context, creds Credentials) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return ErrShutdown
	}
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	b.creds = &creds
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel, b.loopDone = cancel, done
	b.mu.Unlock()

	conn, err := b.establish(ctx, loopCtx)
	go b.run(loopCtx, conn, done)
	if err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}
	return nil
}

// establish dials a new connection and restores every subscription before
// making it current. ctx bounds the dial; loopCtx is the reconnect loop's
// lifetime.
func (b *Bus) establish(ctx, loopCtx context.Context) (Conn, error) {
	b.mu.Lock()
	if loopCtx.Err() != nil || b.creds == nil {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	creds := *b.creds
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	conn, err := b.dialer.Dial(dctx, creds, func(m Message) { b.deliver(gen, m) })
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if loopCtx.Err() != nil || b.gen != gen {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	// Holding the lock here keeps deliveries from the new connection waiting
	// until presence is fully restored.
	if err := b.subscribeAllLocked(conn); err != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	b.connected = true
	watchers := append([]watcher(nil), b.watchers...)
	peers := len(b.presence)
	b.mu.Unlock()

	log.Infof("connected as %s (generation %d, %d presence subscriptions)", creds.UserID, gen, peers)
	b.notifyConnection(true, watchers)
	return conn, nil
}

func (b *Bus) subscribeAllLocked(conn Conn) error {
	for _, q := range queues {
		if err := conn.Subscribe(queueSubID(q.typ), q.dest); err != nil {
			return fmt.Errorf("subscribe %s: %w", q.dest, err)
		}
	}
	for peerID, ps := range b.presence {
		if err := conn.Subscribe(ps.subID, PresenceDestination(peerID)); err != nil {
			return fmt.Errorf("subscribe presence %s: %w", peerID, err)
		}
	}
	return nil
}

// run waits for the current connection to drop and redials with exponential
// backoff until ctx is cancelled.
func (b *Bus) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	bo := b.newBackOff()
	for {
		if conn != nil {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
			}
			b.lost(conn)
			bo.Reset()
		}

		wait := bo.NextBackOff()
		log.Debugf("reconnecting in %s", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		var err error
		conn, err = b.establish(ctx, ctx)
		if err != nil && ctx.Err() == nil {
			log.Warnf("reconnect failed: %v", err)
		}
	}
}

func (b *Bus) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.InitialBackoff
	eb.MaxInterval = b.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (b *Bus) lost(conn Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.connected = false
	watchers := append([]watcher(nil), b.watchers...)
	b.mu.Unlock()

	log.Warnf("connection lost: %v", conn.Err())
	_ = conn.Close()
	b.notifyConnection(false, watchers)
}

func (b *Bus) notifyConnection(up bool, watchers []watcher) {
	for _, w := range watchers {
		w.fn(up)
	}
	b.mu.Lock()
	fns := append([]listener(nil), b.listeners[EventConnection]...)
	b.mu.Unlock()
	ev := Event{Type: EventConnection, Connected: up}
	for _, l := range fns {
		l.fn(ev)
	}
}

// deliver routes one transport message to its listeners. Messages from a
// superseded connection are dropped.
func (b *Bus) deliver(gen uint64, m Message) {
	b.mu.Lock()
	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()
		log.Debugf("dropping stale message for %s", m.Destination)
		return
	}
	r, ok := b.routes[m.Subscription]
	if !ok {
		b.mu.Unlock()
		log.Debugf("no route for subscription %q", m.Subscription)
		return
	}

	if r.peer != "" {
		ps := b.presence[r.peer]
		if ps == nil || ps.subID != m.Subscription {
			b.mu.Unlock()
			return
		}
		fns := append([]presenceListener(nil), ps.listeners...)
		b.mu.Unlock()

		var p Presence
		if err := json.Unmarshal(m.Body, &p); err != nil {
			log.Warnf("bad presence payload for %s: %v", r.peer, err)
			return
		}
		if p.PeerID == "" {
			p.PeerID = r.peer
		}
		p.Status = normalizeStatus(p.Status)
		for _, l := range fns {
			l.fn(p)
		}
		return
	}

	fns := append([]listener(nil), b.listeners[r.typ]...)
	b.mu.Unlock()

	ev := Event{Type: r.typ, Destination: m.Destination, Body: json.RawMessage(m.Body)}
	for _, l := range fns {
		l.fn(ev)
	}
}

// Subscribe registers fn for every event of type t. The returned function
// removes it and may be called more than once.
func (b *Bus) Subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[t] = append(b.listeners[t], listener{id: id, fn: fn})
	b.mu.Unlock()

	return sync.OnceFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[t]
		for i, l := range ls {
			if l.id == id {
				b.listeners[t] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	})
}

// SubscribePresence registers fn for presence updates of peerID. The first
// listener for a peer creates the transport subscription; removing the last
// one tears it down.
func (b *Bus) SubscribePresence(peerID string, fn func(Presence)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ps := b.presence[peerID]
	if ps == nil {
		ps = &peerSub{subID: "presence-" + uuid.NewString()}
		b.presence[peerID] = ps
		b.routes[ps.subID] = route{peer: peerID}
		if b.conn != nil {
			if err := b.conn.Subscribe(ps.subID, PresenceDestination(peerID)); err != nil {
				log.Warnf("subscribe presence %s: %v", peerID, err)
			}
		}
	}
	ps.listeners = append(ps.listeners, presenceListener{id: id, fn: fn})
	b.mu.Unlock()

	return sync.OnceFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur := b.presence[peerID]
		if cur != ps {
			return
		}
		for i, l := range ps.listeners {
			if l.id == id {
				ps.listeners = append(ps.listeners[:i:i], ps.listeners[i+1:]...)
				break
			}
		}
		if len(ps.listeners) > 0 {
			return
		}
		delete(b.presence, peerID)
		delete(b.routes, ps.subID)
		if b.conn != nil {
			if err := b.conn.Unsubscribe(ps.subID); err != nil {
				log.Warnf("unsubscribe presence %s: %v", peerID, err)
			}
		}
	})
}

// Publish sends payload as JSON to destination. Nothing is queued while
// offline.
func (b *Bus) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", destination, err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		log.Warnf("publish to %s dropped: not connected", destination)
		return ErrNotConnected
	}
	if err := conn.Send(destination, body); err != nil {
		return fmt.Errorf("bus: publish %s: %w", destination, err)
	}
	return nil
}

// OnConnectionChange calls fn with the current state right away and again on
// every transition. Watchers survive Disconnect.
func (b *Bus) OnConnectionChange(fn func(bool)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.watchers = append(b.watchers, watcher{id: id, fn: fn})
	up := b.connected
	b.mu.Unlock()

	fn(up)

	return sync.OnceFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, w := range b.watchers {
			if w.id == id {
				b.watchers = append(b.watchers[:i:i], b.watchers[i+1:]...)
				return
			}
		}
	})
}

// Connected reports whether a live transport connection exists.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Disconnect tears down presence subscriptions, clears every event listener,
// releases the transport and stops reconnecting. Safe to call repeatedly.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	cancel, done := b.cancel, b.loopDone
	b.cancel, b.loopDone, b.creds = nil, nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	b.mu.Lock()
	conn := b.conn
	wasConnected := b.connected
	b.conn, b.connected = nil, false
	b.gen++
	if conn != nil {
		for peerID, ps := range b.presence {
			if err := conn.Unsubscribe(ps.subID); err != nil {
				log.Debugf("unsubscribe presence %s: %v", peerID, err)
			}
		}
	}
	b.listeners = make(map[EventType][]listener)
	b.presence = make(map[string]*peerSub)
	b.routes = queueRoutes()
	watchers := append([]watcher(nil), b.watchers...)
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debugf("close transport: %v", err)
		}
		log.Infof("disconnected")
	}
	if wasConnected {
		for _, w := range watchers {
			w.fn(false)
		}
	}
}

// Shutdown disconnects and refuses any later Connect.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()
	b.Disconnect()
}
