// Package call drives the lifecycle of one-to-one calls: ringing, accepting,
// ending, and resynchronizing with the server after the event bus reconnects.
// The media side of an active call is a Session created on entry to the
// active phase and closed before the call record is dropped.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/callapi"
	"github.com/petervdpas/rtlink/internal/storage"
)

var log = logging.Logger("call")

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultReconcileAttempts = 5

	controlTimeout = 10 * time.Second
)

type Options struct {
	SelfID     string
	Bus        Bus
	Service    Service
	NewSession SessionFactory
	Recorder   Recorder // optional

	// ConnectTimeout bounds both the wait for CALL_RINGING after placing a
	// call and the wait for the peer connection once the call is active.
	ConnectTimeout    time.Duration
	ReconcileAttempts int
	ReconcileBackoff  func() backoff.BackOff
}

// dialing is a call placed locally that the server has not confirmed as
// ringing yet.
type dialing struct {
	peerID    string
	sessionID string
	callID    string // set once Initiate returns
}

// Controller owns the single live call of this user.
type Controller struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rec      *Record
	sess     Session
	dial     *dialing
	timer    *time.Timer
	last     *End
	lostCall string // call that was live when the bus dropped
	watchers map[int]chan State
	nextID   int

	goMu    sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	unsubs    []func()
	closeOnce sync.Once
}

// New creates a controller and starts listening for call events.
func New(opts Options) (*Controller, error) {
	if opts.SelfID == "" || opts.Bus == nil || opts.Service == nil || opts.NewSession == nil {
		return nil, errors.New("call: self id, bus, service and session factory are required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconcileAttempts <= 0 {
		opts.ReconcileAttempts = DefaultReconcileAttempts
	}
	if opts.ReconcileBackoff == nil {
		opts.ReconcileBackoff = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 500 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			eb.MaxElapsedTime = 0
			eb.Reset()
			return eb
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]chan State),
	}
	c.unsubs = append(c.unsubs,
		opts.Bus.Subscribe(bus.EventCall, c.onEvent),
		opts.Bus.OnConnectionChange(c.onConnection),
	)
	return c, nil
}

// async runs fn on a tracked goroutine unless the controller is closed.
func (c *Controller) async(fn func()) {
	c.goMu.Lock()
	defer c.goMu.Unlock()
	if c.stopped {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) matchLocked(callID string) bool {
	return c.rec != nil && c.rec.CallID == callID
}

func (c *Controller) onEvent(ev bus.Event) {
	var e Event
	if err := ev.Decode(&e); err != nil {
		log.Warnf("bad call event: %v", err)
		return
	}
	if e.CallID == "" {
		log.Debugf("call event %s without call id", e.Type)
		return
	}
	c.handle(e)
}

func (c *Controller) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case EventInitiate:
		c.incomingLocked(e)
	case EventRinging:
		c.ringingLocked(e)
	case EventAccept:
		c.acceptedLocked(e)
	case EventReject:
		c.remoteEndLocked(e, ReasonRejected)
	case EventEnd:
		c.remoteEndLocked(e, ReasonNormal)
	default:
		log.Debugf("ignoring call event %q", e.Type)
	}
}

func (c *Controller) incomingLocked(e Event) {
	if e.CallerID == c.opts.SelfID {
		return
	}
	if c.rec != nil || c.dial != nil {
		if !c.matchLocked(e.CallID) {
			log.Infof("call %s from %s ignored: busy", e.CallID, e.CallerID)
		}
		return
	}
	c.rec = &Record{
		CallID:       e.CallID,
		Role:         RoleReceiver,
		RemotePeerID: e.CallerID,
		RemoteName:   e.CallerName,
		Phase:        PhaseIncoming,
		SessionID:    e.SessionID,
		StartedAt:    time.Now(),
	}
	log.Infof("incoming call %s from %s", e.CallID, e.CallerID)
	c.broadcastLocked()
}

// ownsDialLocked reports whether e belongs to the call being placed.
func (c *Controller) ownsDialLocked(e Event) bool {
	d := c.dial
	if d == nil {
		return false
	}
	if d.callID != "" {
		return d.callID == e.CallID
	}
	return e.ReceiverID == "" || e.ReceiverID == d.peerID
}

func (c *Controller) ringingLocked(e Event) {
	if c.rec != nil || !c.ownsDialLocked(e) {
		log.Debugf("stale ringing for call %s", e.CallID)
		return
	}
	c.outgoingLocked(e.CallID)
	c.broadcastLocked()
}

func (c *Controller) outgoingLocked(callID string) {
	d := c.dial
	c.stopTimerLocked()
	c.dial = nil
	d.callID = callID
	c.rec = &Record{
		CallID:       callID,
		Role:         RoleCaller,
		RemotePeerID: d.peerID,
		Phase:        PhaseOutgoing,
		SessionID:    d.sessionID,
		StartedAt:    time.Now(),
	}
	log.Infof("call %s ringing at %s", callID, d.peerID)
}

func (c *Controller) acceptedLocked(e Event) {
	if c.rec == nil && c.ownsDialLocked(e) {
		c.outgoingLocked(e.CallID)
	}
	if !c.matchLocked(e.CallID) {
		log.Debugf("stale accept for call %s", e.CallID)
		return
	}
	if c.rec.Phase == PhaseActive {
		return
	}
	c.activateLocked()
}

func (c *Controller) remoteEndLocked(e Event, def Reason) {
	reason := normalizeReason(e.Reason, def)
	switch {
	case c.matchLocked(e.CallID):
		c.finishLocked(reason)
	case c.rec == nil && c.ownsDialLocked(e):
		// May arrive before Initiate has returned the id.
		c.dial.callID = e.CallID
		c.endDialLocked(reason)
	default:
		log.Debugf("stale %s for call %s", e.Type, e.CallID)
	}
}

func normalizeReason(r, def Reason) Reason {
	switch Reason(strings.ToUpper(strings.TrimSpace(string(r)))) {
	case ReasonNormal:
		return ReasonNormal
	case ReasonBusy:
		return ReasonBusy
	case ReasonDisconnected:
		return ReasonDisconnected
	case ReasonFailed:
		return ReasonFailed
	case ReasonRejected:
		return ReasonRejected
	}
	return def
}

// sessionLocked returns the record's session, creating it on first use.
// A receiver's session is created before the accept reaches the server so
// the caller's first offer finds a listener.
func (c *Controller) sessionLocked() (Session, error) {
	if c.sess != nil {
		return c.sess, nil
	}
	rec := c.rec
	callID := rec.CallID
	hooks := SessionHooks{
		OnConnected: func() { c.async(func() { c.connected(callID) }) },
		OnFailed:    func(err error) { c.async(func() { c.failed(callID, err) }) },
		OnRemoteScreenShare: func(sharing bool) {
			c.async(func() { c.remoteShare(callID, sharing) })
		},
	}
	sess, err := c.opts.NewSession(SessionConfig{
		CallID:       callID,
		RemotePeerID: rec.RemotePeerID,
		Caller:       rec.Role == RoleCaller,
	}, hooks)
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return sess, nil
}

// activateLocked moves the record into the active phase and makes sure it
// has a session. The caller's session sends the first offer.
func (c *Controller) activateLocked() {
	rec := c.rec
	rec.Phase = PhaseActive
	callID := rec.CallID

	sess, err := c.sessionLocked()
	if err != nil {
		log.Errorf("call %s: create session: %v", callID, err)
		c.finishLocked(ReasonFailed)
		c.async(func() { c.endOnServer(callID) })
		return
	}
	c.armTimerLocked(func() { c.connectTimeout(callID) })
	log.Infof("call %s active with %s", callID, rec.RemotePeerID)

	if rec.Role == RoleCaller {
		c.async(func() {
			if err := sess.Start(c.ctx); err != nil {
				c.failed(callID, err)
			}
		})
	}
	c.broadcastLocked()
}

// finishLocked closes the session, drops the record and tells watchers.
func (c *Controller) finishLocked(reason Reason) {
	rec := c.rec
	if rec == nil {
		return
	}
	c.stopTimerLocked()
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			log.Warnf("call %s: close session: %v", rec.CallID, err)
		}
		c.sess = nil
	}
	c.rec = nil
	if c.lostCall == rec.CallID {
		c.lostCall = ""
	}
	now := time.Now()
	c.last = &End{CallID: rec.CallID, RemotePeerID: rec.RemotePeerID, Reason: reason, At: now}
	log.Infof("call %s with %s ended: %s", rec.CallID, rec.RemotePeerID, reason)

	if r := c.opts.Recorder; r != nil {
		entry := storage.CallEntry{
			CallID:    rec.CallID,
			PeerID:    rec.RemotePeerID,
			Role:      string(rec.Role),
			SessionID: rec.SessionID,
			Reason:    string(reason),
			Connected: rec.Connected,
			StartedAt: rec.StartedAt,
			EndedAt:   now,
		}
		c.async(func() {
			if err := r.RecordCall(entry); err != nil {
				log.Warnf("call %s: record history: %v", entry.CallID, err)
			}
		})
	}
	c.broadcastLocked()
}

// endDialLocked abandons a call that never rang.
func (c *Controller) endDialLocked(reason Reason) {
	d := c.dial
	c.stopTimerLocked()
	c.dial = nil
	c.last = &End{CallID: d.callID, RemotePeerID: d.peerID, Reason: reason, At: time.Now()}
	log.Infof("call to %s ended before ringing: %s", d.peerID, reason)
	c.broadcastLocked()
}

func (c *Controller) armTimerLocked(fn func()) {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.opts.ConnectTimeout, fn)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) connected(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.matchLocked(callID) || c.rec.Connected {
		return
	}
	c.rec.Connected = true
	c.stopTimerLocked()
	c.broadcastLocked()
}

func (c *Controller) failed(callID string, err error) {
	c.mu.Lock()
	if !c.matchLocked(callID) {
		c.mu.Unlock()
		return
	}
	log.Errorf("call %s failed: %v", callID, err)
	c.finishLocked(ReasonFailed)
	c.mu.Unlock()
	c.endOnServer(callID)
}

func (c *Controller) connectTimeout(callID string) {
	c.mu.Lock()
	if !c.matchLocked(callID) || c.rec.Connected {
		c.mu.Unlock()
		return
	}
	log.Warnf("call %s: no connection after %s", callID, c.opts.ConnectTimeout)
	c.finishLocked(ReasonFailed)
	c.mu.Unlock()
	c.endOnServer(callID)
}

func (c *Controller) dialTimeout(d *dialing) {
	c.mu.Lock()
	if c.dial != d {
		c.mu.Unlock()
		return
	}
	log.Warnf("call to %s never rang", d.peerID)
	callID := d.callID
	c.endDialLocked(ReasonFailed)
	c.mu.Unlock()
	if callID != "" {
		c.endOnServer(callID)
	}
}

func (c *Controller) remoteShare(callID string, sharing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.matchLocked(callID) || c.rec.RemoteSharing == sharing {
		return
	}
	c.rec.RemoteSharing = sharing
	c.broadcastLocked()
}

// endOnServer tells the server a call ended locally without a user action.
func (c *Controller) endOnServer(callID string) {
	ctx, cancel := context.WithTimeout(c.ctx, controlTimeout)
	defer cancel()
	if err := c.opts.Service.End(ctx, callID); err != nil {
		log.Warnf("call %s: end on server: %v", callID, err)
	}
}

// rejectOnServer declines a call this side could not take.
func (c *Controller) rejectOnServer(callID string) {
	ctx, cancel := context.WithTimeout(c.ctx, controlTimeout)
	defer cancel()
	if err := c.opts.Service.Reject(ctx, callID); err != nil {
		log.Warnf("call %s: reject on server: %v", callID, err)
	}
}

func (c *Controller) onConnection(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !up {
		if c.rec != nil && c.lostCall == "" {
			c.lostCall = c.rec.CallID
			log.Infof("call %s: event bus lost, will reconcile", c.lostCall)
		}
		return
	}
	callID := c.lostCall
	c.lostCall = ""
	if callID == "" || !c.matchLocked(callID) {
		return
	}
	c.async(func() { c.reconcile(callID) })
}

// reconcile asks the server whether callID survived the outage and ends it
// locally with DISCONNECTED when it did not, or when the server cannot be
// reached.
func (c *Controller) reconcile(callID string) {
	op := func() (*callapi.ActiveCall, error) {
		ctx, cancel := context.WithTimeout(c.ctx, controlTimeout)
		defer cancel()
		ac, err := c.opts.Service.Active(ctx)
		if errors.Is(err, callapi.ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return ac, err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(c.opts.ReconcileBackoff(), uint64(c.opts.ReconcileAttempts-1)),
		c.ctx,
	)
	ac, err := backoff.RetryNotifyWithData(op, b, func(err error, next time.Duration) {
		log.Debugf("call %s: active call query failed, retry in %s: %v", callID, next, err)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.matchLocked(callID) {
		return
	}
	switch {
	case err != nil:
		log.Warnf("call %s: could not reconcile: %v", callID, err)
	case ac != nil && ac.CallID == callID && liveStatus(ac.Status):
		log.Infof("call %s survived the reconnect", callID)
		return
	default:
		log.Infof("call %s no longer active on server", callID)
	}
	c.finishLocked(ReasonDisconnected)
}

func liveStatus(s string) bool {
	switch strings.ToUpper(s) {
	case "ENDED", "REJECTED", "MISSED", "FAILED", "CANCELLED":
		return false
	}
	return true
}

// Call places a call to peerID. The call shows as outgoing once the server
// reports it ringing.
func (c *Controller) Call(ctx context.Context, peerID, sessionID string) (string, error) {
	if peerID == "" || peerID == c.opts.SelfID {
		return "", fmt.Errorf("call: invalid peer %q", peerID)
	}
	c.mu.Lock()
	if c.rec != nil || c.dial != nil {
		c.mu.Unlock()
		return "", ErrBusy
	}
	d := &dialing{peerID: peerID, sessionID: sessionID}
	c.dial = d
	c.armTimerLocked(func() { c.dialTimeout(d) })
	c.mu.Unlock()

	id, err := c.opts.Service.Initiate(ctx, peerID, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.dial == d {
			c.stopTimerLocked()
			c.dial = nil
		}
		return "", fmt.Errorf("call: initiate: %w", err)
	}
	switch {
	case c.dial == d:
		d.callID = id
	case c.matchLocked(id):
	case c.dial == nil && c.last != nil && c.last.CallID == id:
		// Rejected or ended by the server before its reply reached us.
		return id, nil
	default:
		// Hung up or timed out while the request was in flight.
		c.async(func() { c.endOnServer(id) })
		return "", ErrNoCall
	}
	log.Infof("calling %s (call %s)", peerID, id)
	return id, nil
}

// Accept answers the incoming call. If the server refuses, the call ends
// locally with FAILED.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.rec == nil || c.rec.Phase != PhaseIncoming {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.rec.CallID
	if _, err := c.sessionLocked(); err != nil {
		log.Errorf("call %s: create session: %v", callID, err)
		c.finishLocked(ReasonFailed)
		c.mu.Unlock()
		c.rejectOnServer(callID)
		return fmt.Errorf("call: accept: %w", err)
	}
	c.mu.Unlock()

	err := c.opts.Service.Accept(ctx, callID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.matchLocked(callID) {
		return ErrNoCall
	}
	if err != nil {
		log.Warnf("call %s: accept: %v", callID, err)
		c.finishLocked(ReasonFailed)
		c.async(func() { c.rejectOnServer(callID) })
		return fmt.Errorf("call: accept: %w", err)
	}
	if c.rec.Phase == PhaseIncoming {
		c.activateLocked()
	}
	return nil
}

// Reject declines the incoming call. Local state is cleared before the
// server is told.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.rec == nil || c.rec.Phase != PhaseIncoming {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.rec.CallID
	c.finishLocked(ReasonRejected)
	c.mu.Unlock()

	if err := c.opts.Service.Reject(ctx, callID); err != nil {
		log.Warnf("call %s: reject: %v", callID, err)
		return fmt.Errorf("call: reject: %w", err)
	}
	return nil
}

// End hangs up the current call in any phase, including one still being
// placed. Local state is cleared before the server is told.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	var callID string
	switch {
	case c.rec != nil:
		callID = c.rec.CallID
		c.finishLocked(ReasonNormal)
	case c.dial != nil:
		callID = c.dial.callID
		c.endDialLocked(ReasonNormal)
	default:
		c.mu.Unlock()
		return ErrNoCall
	}
	c.mu.Unlock()

	if callID == "" {
		// Call sees the dial is gone and ends it once Initiate returns.
		return nil
	}
	if err := c.opts.Service.End(ctx, callID); err != nil {
		log.Warnf("call %s: end: %v", callID, err)
		return fmt.Errorf("call: end: %w", err)
	}
	return nil
}

func (c *Controller) activeSession() (Session, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil || c.rec.Phase != PhaseActive || c.sess == nil {
		return nil, "", ErrNoCall
	}
	return c.sess, c.rec.CallID, nil
}

func (c *Controller) syncSharing(callID string, sess Session) {
	sharing := sess.ScreenSharing()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.matchLocked(callID) || c.rec.LocalSharing == sharing {
		return
	}
	c.rec.LocalSharing = sharing
	c.broadcastLocked()
}

// StartScreenShare shares the screen on the active call.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	sess, callID, err := c.activeSession()
	if err != nil {
		return err
	}
	err = sess.StartScreenShare(ctx)
	c.syncSharing(callID, sess)
	return err
}

func (c *Controller) StopScreenShare(ctx context.Context) error {
	sess, callID, err := c.activeSession()
	if err != nil {
		return err
	}
	err = sess.StopScreenShare(ctx)
	c.syncSharing(callID, sess)
	return err
}

func (c *Controller) stateLocked() State {
	s := State{Phase: PhaseIdle}
	if c.rec != nil {
		r := *c.rec
		s.Phase = r.Phase
		s.Call = &r
	}
	if c.last != nil {
		l := *c.last
		s.Last = &l
	}
	return s
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Watch returns a channel that receives the current state and every change
// after it. A slow reader only misses intermediate states, never the latest.
func (c *Controller) Watch() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 8)
	ch <- c.stateLocked()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	return ch, sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	})
}

func (c *Controller) broadcastLocked() {
	s := c.stateLocked()
	for _, ch := range c.watchers {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Close ends any live call, stops listening and waits for background work.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		for _, u := range c.unsubs {
			u()
		}

		c.mu.Lock()
		var callID string
		switch {
		case c.rec != nil:
			callID = c.rec.CallID
			c.finishLocked(ReasonNormal)
		case c.dial != nil:
			callID = c.dial.callID
			c.endDialLocked(ReasonNormal)
		}
		c.mu.Unlock()
		if callID != "" {
			c.endOnServer(callID)
		}

		c.goMu.Lock()
		c.stopped = true
		c.goMu.Unlock()
		c.cancel()
		c.wg.Wait()

		c.mu.Lock()
		for id, ch := range c.watchers {
			delete(c.watchers, id)
			close(ch)
		}
		c.mu.Unlock()
	})
	return nil
}
