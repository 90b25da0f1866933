// Package negotiate runs the WebRTC offer/answer exchange for one call:
// glare rollback, ICE candidate buffering, and renegotiation when screen
// sharing starts or stops.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/rtlink/internal/media"
	"github.com/petervdpas/rtlink/internal/signal"
)

var log = logging.Logger("negotiate")

var (
	ErrClosed   = errors.New("negotiate: engine closed")
	ErrSetup    = errors.New("negotiate: call setup failed")
	ErrNotReady = errors.New("negotiate: media not negotiated yet")
	ErrSlotBusy = errors.New("negotiate: remote peer is sharing its screen")
)

// DefaultStableWait bounds how long a renegotiation waits for the previous
// exchange to finish.
const DefaultStableWait = 5 * time.Second

// Signaler sends and receives envelopes for one call.
type Signaler interface {
	Send(callID, recipientID string, t signal.Type, payload any) error
	Listen(callID string, fn func(signal.Envelope)) func()
}

type Options struct {
	CallID       string
	RemotePeerID string
	Signaler     Signaler
	Media        media.Source
	NewPeer      PeerFactory
	StableWait   time.Duration

	OnConnectionState   func(webrtc.PeerConnectionState)
	OnRemoteScreenShare func(sharing bool)
	// OnError reports failures that end the call, such as the receiver not
	// getting a microphone for the first offer.
	OnError func(error)
}

// Engine holds the negotiation state of one call. Inbound envelopes are
// handled one at a time in arrival order; user actions interleave with them
// under the same lock.
type Engine struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	peer       Peer
	audio      media.Track
	slot       *ScreenSlot
	pending    []webrtc.ICECandidateInit
	mediaReady bool
	stable     chan struct{} // closed on each transition into stable
	closed     atomic.Bool

	inboxMu sync.Mutex
	inbox   []signal.Envelope
	wake    chan struct{}

	stopListen func()
	closeOnce  sync.Once
	closeErr   error
}

// New creates the peer connection and starts listening for envelopes.
func New(opts Options) (*Engine, error) {
	if opts.CallID == "" || opts.Signaler == nil || opts.Media == nil || opts.NewPeer == nil {
		return nil, errors.New("negotiate: call id, signaler, media and peer factory are required")
	}
	if opts.StableWait <= 0 {
		opts.StableWait = DefaultStableWait
	}

	peer, err := opts.NewPeer()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		peer:   peer,
		stable: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	peer.OnICECandidate(e.trickle)
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if e.closed.Load() {
			return
		}
		log.Infof("call %s: peer connection %s", opts.CallID, s)
		if opts.OnConnectionState != nil {
			opts.OnConnectionState(s)
		}
	})
	e.stopListen = opts.Signaler.Listen(opts.CallID, e.enqueue)
	go e.run()
	return e, nil
}

func (e *Engine) CallID() string { return e.opts.CallID }

func (e *Engine) enqueue(env signal.Envelope) {
	if e.closed.Load() {
		return
	}
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, env)
	e.inboxMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}
		for {
			e.inboxMu.Lock()
			if len(e.inbox) == 0 {
				e.inboxMu.Unlock()
				break
			}
			env := e.inbox[0]
			e.inbox = e.inbox[1:]
			e.inboxMu.Unlock()

			if e.ctx.Err() != nil {
				return
			}
			e.dispatch(env)
		}
	}
}

func (e *Engine) dispatch(env signal.Envelope) {
	var err error
	switch env.Type {
	case signal.Offer:
		err = e.handleOffer(env)
	case signal.Answer:
		err = e.handleAnswer(env)
	case signal.ICECandidate:
		err = e.handleCandidate(env)
	case signal.ScreenShareStart:
		e.handleRemoteShare(true)
	case signal.ScreenShareStop:
		e.handleRemoteShare(false)
	default:
		log.Debugf("call %s: ignoring %q envelope", e.opts.CallID, env.Type)
	}

	switch {
	case err == nil, errors.Is(err, ErrClosed):
	case errors.Is(err, ErrSetup):
		log.Errorf("call %s: %v", e.opts.CallID, err)
		if e.opts.OnError != nil {
			e.opts.OnError(err)
		}
	default:
		log.Warnf("call %s: %s: %v", e.opts.CallID, env.Type, err)
	}
}

func (e *Engine) send(t signal.Type, payload any) error {
	return e.opts.Signaler.Send(e.opts.CallID, e.opts.RemotePeerID, t, payload)
}

func (e *Engine) trickle(c webrtc.ICECandidateInit) {
	if e.closed.Load() {
		return
	}
	if err := e.send(signal.ICECandidate, c); err != nil {
		log.Debugf("call %s: trickle candidate: %v", e.opts.CallID, err)
	}
}

// Start opens the microphone, reserves the screen slot and sends the first
// offer. Only the caller starts; the receiver waits for that offer.
func (e *Engine) Start(ctx context.Context) error {
	track, err := e.opts.Media.Microphone(ctx)
	if err != nil {
		if e.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("%w: microphone: %w", ErrSetup, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		_ = track.Stop()
		return ErrClosed
	}
	if err := e.attachLocked(track); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return e.offerLocked()
}

func (e *Engine) attachLocked(track media.Track) error {
	if e.mediaReady {
		return track.Stop()
	}
	e.audio = track
	if err := e.peer.AddTrack(track); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	tr, err := e.peer.ReserveScreenSlot()
	if err != nil {
		return err
	}
	e.slot = &ScreenSlot{tr: tr}
	e.mediaReady = true
	return nil
}

func (e *Engine) offerLocked() error {
	offer, err := e.peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	return e.send(signal.Offer, offer)
}

func (e *Engine) answerLocked() error {
	answer, err := e.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	e.noteStateLocked()
	return e.send(signal.Answer, answer)
}

func (e *Engine) noteStateLocked() {
	if e.peer.SignalingState() == webrtc.SignalingStateStable {
		close(e.stable)
		e.stable = make(chan struct{})
	}
}

func (e *Engine) flushLocked() {
	for _, c := range e.pending {
		if err := e.peer.AddICECandidate(c); err != nil {
			log.Warnf("call %s: queued candidate: %v", e.opts.CallID, err)
		}
	}
	e.pending = nil
}

func (e *Engine) handleOffer(env signal.Envelope) error {
	sd, err := env.SessionDescription()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.peer.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		log.Infof("call %s: offer glare, rolling back local offer", e.opts.CallID)
		if err := e.peer.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("rollback: %w", err)
		}
	}
	if st := e.peer.SignalingState(); st != webrtc.SignalingStateStable && st != webrtc.SignalingStateHaveRemoteOffer {
		e.mu.Unlock()
		log.Warnf("call %s: dropping offer in state %s", e.opts.CallID, st)
		return nil
	}
	if err := e.peer.SetRemoteDescription(sd); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("apply offer: %w", err)
	}
	e.flushLocked()
	first := !e.mediaReady
	e.mu.Unlock()

	var track media.Track
	if first {
		if track, err = e.opts.Media.Microphone(e.ctx); err != nil {
			if e.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("%w: microphone: %w", ErrSetup, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		if track != nil {
			_ = track.Stop()
		}
		return ErrClosed
	}
	if track != nil {
		if err := e.attachLocked(track); err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}
	}
	return e.answerLocked()
}

func (e *Engine) handleAnswer(env signal.Envelope) error {
	sd, err := env.SessionDescription()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if st := e.peer.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Debugf("call %s: ignoring answer in state %s", e.opts.CallID, st)
		return nil
	}
	if err := e.peer.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	e.flushLocked()
	e.noteStateLocked()
	return nil
}

func (e *Engine) handleCandidate(env signal.Envelope) error {
	c, err := env.Candidate()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if e.peer.RemoteDescription() == nil {
		e.pending = append(e.pending, c)
		return nil
	}
	if err := e.peer.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *Engine) handleRemoteShare(sharing bool) {
	e.mu.Lock()
	changed := false
	if e.slot != nil {
		switch {
		case sharing && e.slot.state == SlotIdle:
			e.slot.state = SlotReceiving
			changed = true
		case !sharing && e.slot.state == SlotReceiving:
			e.slot.state = SlotIdle
			changed = true
		}
	}
	e.mu.Unlock()

	if !changed {
		log.Debugf("call %s: remote screen share %v ignored", e.opts.CallID, sharing)
		return
	}
	if e.opts.OnRemoteScreenShare != nil {
		e.opts.OnRemoteScreenShare(sharing)
	}
}

// StartScreenShare captures the screen onto the reserved slot and
// renegotiates. A denied capture permission is not an error.
func (e *Engine) StartScreenShare(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed.Load():
		e.mu.Unlock()
		return ErrClosed
	case e.slot == nil:
		e.mu.Unlock()
		return ErrNotReady
	case e.slot.state == SlotSending:
		e.mu.Unlock()
		return nil
	case e.slot.state == SlotReceiving:
		e.mu.Unlock()
		return ErrSlotBusy
	}
	e.mu.Unlock()

	track, err := e.opts.Media.Screen(ctx)
	if errors.Is(err, media.ErrPermissionDenied) {
		log.Infof("call %s: screen capture declined", e.opts.CallID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("negotiate: screen capture: %w", err)
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		_ = track.Stop()
		return ErrClosed
	}
	if e.slot.state != SlotIdle {
		e.mu.Unlock()
		_ = track.Stop()
		return nil
	}
	if err := e.slot.tr.SetTrack(track); err != nil {
		e.mu.Unlock()
		_ = track.Stop()
		return fmt.Errorf("negotiate: attach screen track: %w", err)
	}
	e.slot.track = track
	e.slot.state = SlotSending
	if err := e.send(signal.ScreenShareStart, nil); err != nil {
		log.Warnf("call %s: announce screen share: %v", e.opts.CallID, err)
	}
	e.mu.Unlock()

	return e.renegotiate(ctx)
}

// StopScreenShare releases the capture, clears the slot's sender and
// renegotiates.
func (e *Engine) StopScreenShare(ctx context.Context) error {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.slot == nil || e.slot.state != SlotSending {
		e.mu.Unlock()
		return nil
	}
	err := e.slot.track.Stop()
	e.slot.track = nil
	err = multierr.Append(err, e.slot.tr.SetTrack(nil))
	e.slot.state = SlotIdle
	if serr := e.send(signal.ScreenShareStop, nil); serr != nil {
		log.Warnf("call %s: announce screen share stop: %v", e.opts.CallID, serr)
	}
	e.mu.Unlock()
	if err != nil {
		log.Warnf("call %s: release screen track: %v", e.opts.CallID, err)
	}

	return e.renegotiate(ctx)
}

func (e *Engine) renegotiate(ctx context.Context) error {
	if err := e.lockStable(ctx); err != nil {
		return err
	}
	defer e.mu.Unlock()
	return e.offerLocked()
}

// lockStable returns holding e.mu once the connection is stable or the
// stable wait expired.
func (e *Engine) lockStable(ctx context.Context) error {
	timer := time.NewTimer(e.opts.StableWait)
	defer timer.Stop()
	for {
		e.mu.Lock()
		if e.closed.Load() {
			e.mu.Unlock()
			return ErrClosed
		}
		if e.peer.SignalingState() == webrtc.SignalingStateStable {
			return nil
		}
		ch := e.stable
		e.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			e.mu.Lock()
			if e.closed.Load() {
				e.mu.Unlock()
				return ErrClosed
			}
			log.Warnf("call %s: still %s after %s, renegotiating anyway", e.opts.CallID, e.peer.SignalingState(), e.opts.StableWait)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrClosed
		}
	}
}

// SignalingState is the peer connection's current signaling state.
func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer.SignalingState()
}

// ScreenSlotState reports who is using the screen-share line.
func (e *Engine) ScreenSlotState() SlotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == nil {
		return SlotIdle
	}
	return e.slot.state
}

// PendingCandidates is the number of remote candidates waiting for a remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops local tracks, closes the peer connection and stops listening.
// Operations still in flight become no-ops. Safe to call repeatedly.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.stopListen()

		e.mu.Lock()
		defer e.mu.Unlock()

		var err error
		if e.audio != nil {
			err = multierr.Append(err, e.audio.Stop())
			e.audio = nil
		}
		if e.slot != nil && e.slot.track != nil {
			err = multierr.Append(err, e.slot.track.Stop())
			e.slot.track = nil
			e.slot.state = SlotIdle
		}
		err = multierr.Append(err, e.peer.Close())
		e.pending = nil

		e.inboxMu.Lock()
		e.inbox = nil
		e.inboxMu.Unlock()

		e.closeErr = err
		log.Infof("call %s: negotiation closed", e.opts.CallID)
	})
	return e.closeErr
}
