// Package room coordinates one call session: the join/leave lifecycle,
// host and viewer roles, per-participant negotiation links and termination.
// All session state is owned by a single event loop; signaling messages,
// link state changes and local commands arrive as events on channels, so no
// state is ever mutated from two goroutines at once.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/pion/ion-log"
	"github.com/pion/webrtc/v3"

	"github.com/orbita-chat/calling/pkg/rtc"
	"github.com/orbita-chat/calling/pkg/signal"
)

// LocalParticipant identifies the local user inside the room.
type LocalParticipant struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Session is one room session. Create with NewSession, drive with Start and
// Leave; observe with OnStateChange/OnParticipant and the snapshot getters.
type Session struct {
	id       string
	local    LocalParticipant
	callType CallType
	role     Role
	cfg      Config
	deps     Deps

	events chan event
	done   chan struct{}

	// guarded by the event loop; mu only protects snapshot reads
	mu           sync.RWMutex
	state        State
	participants map[string]*participant
	endReason    EndReason

	channel    signal.Channel
	localMedia LocalMedia
	startedAt  time.Time

	onState       func(State)
	onParticipant func(Participant)
}

type participant struct {
	Participant
	link Link
}

type eventKind int

const (
	evLinkState eventKind = iota
	evLeave
	evRenegotiate
)

type event struct {
	kind       eventKind
	remoteID   string
	linkState  rtc.LinkState
	linkReason string
}

// NewSession builds a session; nothing happens until Start.
func NewSession(roomID string, local LocalParticipant, callType CallType, role Role, cfg Config, deps Deps) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Session{
		id:           roomID,
		local:        local,
		callType:     callType,
		role:         role,
		cfg:          cfg,
		deps:         deps,
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		state:        StateIdle,
		participants: make(map[string]*participant),
	}
}

// ID returns the room id.
func (s *Session) ID() string { return s.id }

// Role returns the local participant's role.
func (s *Session) Role() Role { return s.role }

// Type returns the call type.
func (s *Session) Type() CallType { return s.callType }

// OnStateChange registers the state observer. Must be called before Start.
func (s *Session) OnStateChange(f func(State)) { s.onState = f }

// OnParticipant registers the participant observer. Must be called before
// Start.
func (s *Session) OnParticipant(f func(Participant)) { s.onParticipant = f }

// State returns a snapshot of the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// EndReason reports why the session ended; empty until terminal.
func (s *Session) EndReason() EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// Degraded reports whether the call runs audio-only after a partial media
// denial.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localMedia != nil && s.localMedia.Degraded()
}

// Participants returns a snapshot of every known remote participant.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.Participant)
	}
	return out
}

// Start acquires media, joins the signaling channel and runs the session
// event loop. It returns once the session reaches joining (host: connecting);
// negotiation continues on the loop.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrBadTransition, st)
	}
	s.startedAt = time.Now()
	s.setState(StateRequestingMedia)

	lm, err := s.deps.Media.Acquire(s.cfg.Constraints)
	if err != nil {
		s.fail(EndMediaFailed)
		return err
	}
	s.mu.Lock()
	s.localMedia = lm
	s.mu.Unlock()
	if lm.Degraded() {
		log.Infof("session %s: proceeding audio-only", s.id)
	}

	s.setState(StateJoining)
	ch, err := s.deps.Transport.Join(ctx, s.id, s.local.ID)
	if err != nil {
		lm.Stop()
		s.fail(EndSignalingFailed)
		return err
	}
	s.channel = ch

	join := signal.NewJoin(s.id, s.local.ID, "", signal.JoinPayload{
		DisplayName: s.local.DisplayName,
		AvatarURL:   s.local.AvatarURL,
		Host:        s.role == RoleHost,
	})
	if err := ch.Send(join); err != nil {
		_ = ch.Leave()
		lm.Stop()
		s.fail(EndSignalingFailed)
		return err
	}

	// A host with no viewers yet is already "connecting", waiting. A viewer
	// stays joining until the first presence echo arrives.
	if s.role == RoleHost {
		s.setState(StateConnecting)
	}

	go s.loop()
	return nil
}

// Leave requests a graceful local leave. Safe from any goroutine, any time.
func (s *Session) Leave() {
	select {
	case s.events <- event{kind: evLeave}:
	case <-s.done:
	}
}

// Renegotiate starts an offer cycle on every link, used after local track
// changes.
func (s *Session) Renegotiate() {
	select {
	case s.events <- event{kind: evRenegotiate}:
	case <-s.done:
	}
}

func (s *Session) loop() {
	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-s.channel.Messages():
			if !ok {
				// transport dropped underneath us
				s.fail(EndSignalingFailed)
				return
			}
			s.handleMessage(msg)
		case ev := <-s.events:
			switch ev.kind {
			case evLinkState:
				s.handleLinkState(ev.remoteID, ev.linkState, ev.linkReason)
			case evLeave:
				s.finish(EndLocalLeave)
			case evRenegotiate:
				for _, p := range s.participants {
					if p.link != nil {
						p.link.Renegotiate()
					}
				}
			}
		case <-timer.C:
			if st := s.State(); st == StateJoining || st == StateConnecting {
				log.Warnf("session %s: no connection within %s", s.id, s.cfg.ConnectTimeout)
				s.fail(EndConnectTimeout)
			}
		}
		if s.State().Terminal() {
			return
		}
	}
}

// handleMessage routes one validated signaling envelope. Messages for a
// session that already terminated are dropped, not processed.
func (s *Session) handleMessage(msg signal.Message) {
	if s.State().Terminal() || msg.RoomID != s.id {
		return
	}

	switch msg.Type {
	case signal.TypeJoin:
		s.handleJoin(msg)
	case signal.TypeLeave:
		s.handleLeave(msg.From)
	case signal.TypeRoomClosed:
		s.finish(EndHostLeft)
	case signal.TypeOffer:
		sdp, err := msg.SDP()
		if err != nil {
			log.Warnf("session %s: offer from %s: %v", s.id, msg.From, err)
			return
		}
		p := s.ensureParticipant(msg.From, signal.JoinPayload{})
		if p == nil || p.link == nil {
			return
		}
		if err := p.link.HandleOffer(sdp); err != nil {
			s.linkError(msg.From, err)
		}
	case signal.TypeAnswer:
		sdp, err := msg.SDP()
		if err != nil {
			log.Warnf("session %s: answer from %s: %v", s.id, msg.From, err)
			return
		}
		if p := s.participants[msg.From]; p != nil && p.link != nil {
			if err := p.link.HandleAnswer(sdp); err != nil {
				s.linkError(msg.From, err)
			}
		}
	case signal.TypeICECandidate:
		c, err := msg.Candidate()
		if err != nil {
			log.Warnf("session %s: candidate from %s: %v", s.id, msg.From, err)
			return
		}
		if p := s.participants[msg.From]; p != nil && p.link != nil {
			p.link.AddRemoteCandidate(webrtc.ICECandidateInit{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			})
		}
	case signal.TypeRenegotiate:
		if p := s.participants[msg.From]; p != nil && p.link != nil {
			p.link.Renegotiate()
		}
	}
}

// handleJoin adds the sender as a participant. A broadcast join means a
// newcomer: existing members echo their own presence back unicast and wait
// for the newcomer's offer. An echo means we are the newcomer learning the
// membership: we initiate the offer for the pairing.
func (s *Session) handleJoin(msg signal.Message) {
	payload := msg.Join()
	p := s.ensureParticipant(msg.From, payload)
	if p == nil {
		return
	}

	if s.State() == StateJoining {
		s.setState(StateConnecting)
	}

	if !payload.Echo {
		echo := signal.NewJoin(s.id, s.local.ID, msg.From, signal.JoinPayload{
			DisplayName: s.local.DisplayName,
			AvatarURL:   s.local.AvatarURL,
			Host:        s.role == RoleHost,
			Echo:        true,
		})
		if err := s.channel.Send(echo); err != nil {
			log.Warnf("session %s: presence echo to %s: %v", s.id, msg.From, err)
		}
		return
	}

	if err := p.link.Offer(); err != nil {
		s.linkError(msg.From, err)
	}
}

func (s *Session) handleLeave(remoteID string) {
	p := s.participants[remoteID]
	if p == nil || p.Status == ParticipantLeft {
		return
	}
	wasHost := p.Host
	s.dropParticipant(remoteID, "left")

	if wasHost && s.role == RoleViewer {
		s.finish(EndHostLeft)
		return
	}
	if s.remaining() == 0 && s.State() == StateActive {
		s.finish(EndPeersLeft)
	}
}

// ensureParticipant returns the participant for remoteID, creating it and its
// link on first sight. Wire duplicates are tolerated.
func (s *Session) ensureParticipant(remoteID string, payload signal.JoinPayload) *participant {
	if p, ok := s.participants[remoteID]; ok {
		if payload.DisplayName != "" {
			p.DisplayName = payload.DisplayName
			p.AvatarURL = payload.AvatarURL
			p.Host = p.Host || payload.Host
		}
		return p
	}

	link, err := s.deps.Links.NewLink(s.id, s.local.ID, remoteID, s.channel.Send, s.localMedia.Tracks())
	if err != nil {
		log.Errorf("session %s: link to %s: %v", s.id, remoteID, err)
		return nil
	}
	link.OnStateChange(func(state rtc.LinkState, reason string) {
		select {
		case s.events <- event{kind: evLinkState, remoteID: remoteID, linkState: state, linkReason: reason}:
		case <-s.done:
		}
	})

	p := &participant{
		Participant: Participant{
			ID:          remoteID,
			DisplayName: payload.DisplayName,
			AvatarURL:   payload.AvatarURL,
			Host:        payload.Host,
			Status:      ParticipantJoining,
		},
		link: link,
	}
	s.mu.Lock()
	s.participants[remoteID] = p
	s.mu.Unlock()
	s.notifyParticipant(p)
	log.Infof("session %s: participant %s joined", s.id, remoteID)
	return p
}

func (s *Session) handleLinkState(remoteID string, state rtc.LinkState, reason string) {
	p := s.participants[remoteID]
	if p == nil || p.Status == ParticipantLeft {
		return
	}

	switch state {
	case rtc.LinkStateConnected:
		s.updateParticipant(p, ParticipantConnected, "")
		if s.State() == StateConnecting {
			s.setState(StateActive)
		}
	case rtc.LinkStateDisconnected, rtc.LinkStateFailed:
		s.updateParticipant(p, ParticipantReconnecting, "")
	case rtc.LinkStateClosed:
		if reason == "" {
			return
		}
		// the link gave up (ice restart exhausted)
		s.dropParticipant(remoteID, reason)
		if s.callType == CallIndividual {
			s.fail(EndConnectionFailed)
		} else if s.remaining() == 0 && s.State() == StateActive {
			s.finish(EndPeersLeft)
		}
	}
}

// linkError reports a negotiation failure scoped to one participant. Only a
// 1:1 call escalates it to session failure.
func (s *Session) linkError(remoteID string, err error) {
	log.Errorf("session %s: negotiation with %s: %v", s.id, remoteID, err)
	s.dropParticipant(remoteID, "negotiation-failed")
	if s.callType == CallIndividual {
		s.fail(EndConnectionFailed)
	}
}

func (s *Session) dropParticipant(remoteID, reason string) {
	p := s.participants[remoteID]
	if p == nil {
		return
	}
	if p.link != nil {
		_ = p.link.Close()
	}
	s.updateParticipant(p, ParticipantLeft, reason)
	log.Infof("session %s: participant %s left (%s)", s.id, remoteID, reason)
}

func (s *Session) remaining() int {
	n := 0
	for _, p := range s.participants {
		if p.Status != ParticipantLeft {
			n++
		}
	}
	return n
}

// finish runs the graceful teardown path: ending, then ended.
func (s *Session) finish(reason EndReason) {
	if s.State().Terminal() {
		return
	}
	s.setState(StateEnding)

	if s.role == RoleHost && reason == EndLocalLeave {
		closed := signal.Message{Type: signal.TypeRoomClosed, RoomID: s.id, From: s.local.ID}
		if err := s.channel.Send(closed); err != nil {
			log.Warnf("session %s: room-closed broadcast: %v", s.id, err)
		}
	}

	s.teardown()
	s.terminate(StateEnded, reason)
}

// fail unwinds to the terminal failed state. Retry policy belongs to the
// caller.
func (s *Session) fail(reason EndReason) {
	if s.State().Terminal() {
		return
	}
	s.teardown()
	s.terminate(StateFailed, reason)
}

// teardown closes every link before stopping local media, so no transceiver
// still references a track when it stops.
func (s *Session) teardown() {
	for _, p := range s.participants {
		if p.link != nil {
			_ = p.link.Close()
		}
	}
	if s.channel != nil {
		_ = s.channel.Leave()
	}
	s.mu.RLock()
	lm := s.localMedia
	s.mu.RUnlock()
	if lm != nil {
		lm.Stop()
	}
}

func (s *Session) terminate(state State, reason EndReason) {
	s.mu.Lock()
	s.endReason = reason
	s.mu.Unlock()
	s.setState(state)
	close(s.done)
	s.emitRecord(reason)
	log.Infof("session %s: %s (%s)", s.id, state, reason)
}

// emitRecord hands the call record off to storage. Fire-and-forget: it runs
// off the loop and never blocks teardown.
func (s *Session) emitRecord(reason EndReason) {
	if s.deps.Recorder == nil {
		return
	}
	rec := Record{
		RoomID:    s.id,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		EndReason: reason,
	}
	rec.Participants = append(rec.Participants, s.local.ID)
	for id := range s.participants {
		rec.Participants = append(rec.Participants, id)
	}

	save := func() { s.deps.Recorder.Save(rec) }
	if s.deps.Pool != nil {
		s.deps.Pool.Submit(save)
		return
	}
	go save()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	log.Debugf("session %s: %s -> %s", s.id, s.state, state)
	s.state = state
	handler := s.onState
	s.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

func (s *Session) updateParticipant(p *participant, status ParticipantStatus, reason string) {
	s.mu.Lock()
	p.Status = status
	p.Reason = reason
	s.mu.Unlock()
	s.notifyParticipant(p)
}

func (s *Session) notifyParticipant(p *participant) {
	if s.onParticipant != nil {
		s.onParticipant(p.Participant)
	}
}
