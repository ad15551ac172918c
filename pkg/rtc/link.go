package rtc

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/deque"
	log "github.com/pion/ion-log"
	"github.com/pion/webrtc/v3"

	"github.com/orbita-chat/calling/pkg/signal"
)

const renegotiateDebounce = 100 * time.Millisecond

// LinkState is the lifecycle of one link.
type LinkState int

const (
	LinkStateNew LinkState = iota
	LinkStateConnecting
	LinkStateConnected
	LinkStateDisconnected
	LinkStateFailed
	LinkStateClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkStateNew:
		return "new"
	case LinkStateConnecting:
		return "connecting"
	case LinkStateConnected:
		return "connected"
	case LinkStateDisconnected:
		return "disconnected"
	case LinkStateFailed:
		return "failed"
	case LinkStateClosed:
		return "closed"
	}
	return "unknown"
}

// LinkParams identifies the peer pairing a link negotiates for.
type LinkParams struct {
	RoomID   string
	LocalID  string
	RemoteID string
	// Send carries signaling envelopes to the remote peer.
	Send func(signal.Message) error
	// Tracks are the local capture tracks, attached read-only. The link
	// never stops them; that is the media layer's job.
	Tracks []webrtc.TrackLocal
}

// Link wraps one peer connection to exactly one remote participant.
type Link struct {
	mu       sync.Mutex
	roomID   string
	localID  string
	remoteID string
	pc       *webrtc.PeerConnection
	send     func(signal.Message) error

	pending      deque.Deque[webrtc.ICECandidateInit]
	remoteSet    bool
	offerPending bool
	restartUsed  bool
	closed       bool
	state        LinkState

	onState func(LinkState, string)

	// seam for tests; defaults to pc.AddICECandidate
	applyCandidate func(webrtc.ICECandidateInit) error

	debounced func(func())
}

// NewLink creates a link to remoteID and attaches the local tracks.
func (e *Engine) NewLink(p LinkParams) (*Link, error) {
	pc, err := e.api.NewPeerConnection(e.configuration)
	if err != nil {
		log.Errorf("NewLink %s->%s: %v", p.LocalID, p.RemoteID, err)
		return nil, errPeerConnectionInit
	}

	l := &Link{
		roomID:    p.RoomID,
		localID:   p.LocalID,
		remoteID:  p.RemoteID,
		pc:        pc,
		send:      p.Send,
		state:     LinkStateNew,
		debounced: debounce.New(renegotiateDebounce),
	}
	l.applyCandidate = pc.AddICECandidate

	for _, track := range p.Tracks {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg := signal.NewCandidate(l.roomID, l.localID, l.remoteID, signal.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err := l.send(msg); err != nil {
			log.Warnf("link %s->%s: trickle send: %v", l.localID, l.remoteID, err)
		}
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		l.handleConnectionState(cs)
	})

	return l, nil
}

// RemoteID returns the remote participant this link negotiates with.
func (l *Link) RemoteID() string { return l.remoteID }

// State returns the current link state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnStateChange registers the state observer. Must be set before signaling
// starts.
func (l *Link) OnStateChange(f func(LinkState, string)) {
	l.mu.Lock()
	l.onState = f
	l.mu.Unlock()
}

// Offer generates a local offer, installs it and sends it to the remote peer.
func (l *Link) Offer() error { return l.offer(false) }

func (l *Link) offer(iceRestart bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}
	l.offerPending = true

	log.Debugf("link %s->%s: sending offer (restart=%v)", l.localID, l.remoteID, iceRestart)
	return l.send(signal.NewSDP(signal.TypeOffer, l.roomID, l.localID, l.remoteID, offer.SDP))
}

// HandleOffer applies a remote offer and replies with an answer. Safe when a
// local offer is mid-flight: on glare the lexicographically greater id's offer
// wins and the other side rolls its own offer back.
func (l *Link) HandleOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	if l.offerPending {
		if l.localID > l.remoteID {
			log.Debugf("link %s->%s: glare, local offer wins, ignoring remote offer", l.localID, l.remoteID)
			return nil
		}
		log.Debugf("link %s->%s: glare, rolling back local offer", l.localID, l.remoteID)
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := l.pc.SetLocalDescription(rollback); err != nil {
			return &NegotiationError{Reason: ReasonGlareUnresolved, Err: err}
		}
		l.offerPending = false
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}
	l.remoteSet = true
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}

	log.Debugf("link %s->%s: sending answer", l.localID, l.remoteID)
	return l.send(signal.NewSDP(signal.TypeAnswer, l.roomID, l.localID, l.remoteID, answer.SDP))
}

// HandleAnswer applies a remote answer to the pending local offer. A duplicate
// or stale answer is a logged anomaly, not an error.
func (l *Link) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if !l.offerPending {
		log.Warnf("link %s->%s: answer with no pending offer, dropping", l.localID, l.remoteID)
		return nil
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return &NegotiationError{Reason: ReasonInvalidSDP, Err: err}
	}
	l.offerPending = false
	l.remoteSet = true
	l.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies a candidate, or queues it until a remote
// description exists. Queued candidates flush in arrival order.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if !l.remoteSet {
		l.pending.PushBack(c)
		return
	}
	if err := l.applyCandidate(c); err != nil {
		log.Warnf("link %s->%s: add candidate: %v", l.localID, l.remoteID, err)
	}
}

func (l *Link) flushPendingLocked() {
	for l.pending.Len() > 0 {
		c := l.pending.PopFront()
		if err := l.applyCandidate(c); err != nil {
			log.Warnf("link %s->%s: flush candidate: %v", l.localID, l.remoteID, err)
		}
	}
}

// Renegotiate starts a debounced offer cycle, used after local track changes.
func (l *Link) Renegotiate() {
	l.debounced(func() {
		if err := l.offer(false); err != nil && err != ErrLinkClosed {
			log.Errorf("link %s->%s: renegotiate: %v", l.localID, l.remoteID, err)
		}
	})
}

func (l *Link) handleConnectionState(cs webrtc.PeerConnectionState) {
	log.Debugf("link %s->%s: connection state %s", l.localID, l.remoteID, cs)
	switch cs {
	case webrtc.PeerConnectionStateConnecting:
		l.setState(LinkStateConnecting, "")
	case webrtc.PeerConnectionStateConnected:
		// recovery earns a fresh restart budget for the next failure
		l.mu.Lock()
		l.restartUsed = false
		l.mu.Unlock()
		l.setState(LinkStateConnected, "")
	case webrtc.PeerConnectionStateDisconnected:
		l.setState(LinkStateDisconnected, "")
	case webrtc.PeerConnectionStateFailed:
		l.mu.Lock()
		restart := !l.restartUsed && !l.closed
		l.restartUsed = true
		l.mu.Unlock()

		if restart {
			log.Infof("link %s->%s: connection failed, attempting ice restart", l.localID, l.remoteID)
			l.setState(LinkStateFailed, "")
			if err := l.offer(true); err != nil {
				log.Errorf("link %s->%s: ice restart offer: %v", l.localID, l.remoteID, err)
				l.CloseWithReason("connection-failed")
			}
			return
		}
		log.Infof("link %s->%s: connection failed after ice restart", l.localID, l.remoteID)
		l.CloseWithReason("connection-failed")
	}
}

func (l *Link) setState(s LinkState, reason string) {
	l.mu.Lock()
	if l.closed && s != LinkStateClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	handler := l.onState
	l.mu.Unlock()

	if handler != nil {
		handler(s, reason)
	}
}

// Close tears the link down: transceivers stopped, connection released.
// Idempotent; later signaling for the link is dropped.
func (l *Link) Close() error { return l.close("") }

// CloseWithReason closes and reports reason to the state observer.
func (l *Link) CloseWithReason(reason string) { _ = l.close(reason) }

func (l *Link) close(reason string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	for _, t := range l.pc.GetTransceivers() {
		if err := t.Stop(); err != nil {
			log.Debugf("link %s->%s: stop transceiver: %v", l.localID, l.remoteID, err)
		}
	}
	err := l.pc.Close()
	l.setState(LinkStateClosed, reason)
	return err
}
