package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbita-chat/calling/pkg/media"
	"github.com/orbita-chat/calling/pkg/rtc"
	"github.com/orbita-chat/calling/pkg/signal"
)

const fakeSDP = "v=0 test"

type fakeLink struct {
	mu       sync.Mutex
	roomID   string
	localID  string
	remoteID string
	send     func(signal.Message) error
	onState  func(rtc.LinkState, string)

	offersSent     int
	offersHandled  int
	answersHandled int
	candidates     []webrtc.ICECandidateInit
	renegotiations int
	closed         bool
}

func (l *fakeLink) Offer() error {
	l.mu.Lock()
	l.offersSent++
	l.mu.Unlock()
	return l.send(signal.NewSDP(signal.TypeOffer, l.roomID, l.localID, l.remoteID, fakeSDP))
}

func (l *fakeLink) HandleOffer(string) error {
	l.mu.Lock()
	l.offersHandled++
	l.mu.Unlock()
	return l.send(signal.NewSDP(signal.TypeAnswer, l.roomID, l.localID, l.remoteID, fakeSDP))
}

func (l *fakeLink) HandleAnswer(string) error {
	l.mu.Lock()
	l.answersHandled++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	l.candidates = append(l.candidates, c)
	l.mu.Unlock()
}

func (l *fakeLink) Renegotiate() {
	l.mu.Lock()
	l.renegotiations++
	l.mu.Unlock()
}

func (l *fakeLink) OnStateChange(f func(rtc.LinkState, string)) {
	l.mu.Lock()
	l.onState = f
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// fire simulates a connection state change from the transport.
func (l *fakeLink) fire(state rtc.LinkState, reason string) {
	l.mu.Lock()
	h := l.onState
	l.mu.Unlock()
	if h != nil {
		h(state, reason)
	}
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) counts() (offers, handled, answered int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offersSent, l.offersHandled, l.answersHandled
}

type fakeLinkFactory struct {
	mu    sync.Mutex
	links map[string]*fakeLink
}

func newFakeLinkFactory() *fakeLinkFactory {
	return &fakeLinkFactory{links: make(map[string]*fakeLink)}
}

func (f *fakeLinkFactory) NewLink(roomID, localID, remoteID string, send func(signal.Message) error, _ []webrtc.TrackLocal) (Link, error) {
	l := &fakeLink{roomID: roomID, localID: localID, remoteID: remoteID, send: send}
	f.mu.Lock()
	f.links[remoteID] = l
	f.mu.Unlock()
	return l, nil
}

func (f *fakeLinkFactory) link(remoteID string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[remoteID]
}

type fakeLocalMedia struct {
	mu       sync.Mutex
	degraded bool
	stops    int
}

func (m *fakeLocalMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeLocalMedia) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *fakeLocalMedia) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
}

func (m *fakeLocalMedia) stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops > 0
}

type fakeMediaSource struct {
	lm  *fakeLocalMedia
	err error
}

func (s *fakeMediaSource) Acquire(media.Constraints) (LocalMedia, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.lm, nil
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *memRecorder) Save(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *memRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

type harness struct {
	sess    *Session
	factory *fakeLinkFactory
	lm      *fakeLocalMedia
	rec     *memRecorder
}

func startSession(t *testing.T, bus *signal.Bus, roomID, id string, ct CallType, role Role) *harness {
	t.Helper()
	h := &harness{
		factory: newFakeLinkFactory(),
		lm:      &fakeLocalMedia{},
		rec:     &memRecorder{},
	}
	h.sess = NewSession(roomID, LocalParticipant{ID: id, DisplayName: id}, ct, role, Config{
		ConnectTimeout: 10 * time.Second,
		Constraints:    media.Constraints{Audio: true, Video: true},
	}, Deps{
		Transport: bus,
		Media:     &fakeMediaSource{lm: h.lm},
		Links:     h.factory,
		Recorder:  h.rec,
	})
	require.NoError(t, h.sess.Start(context.Background()))
	return h
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	assert.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 10*time.Millisecond, "want state %s, have %s", want, s.State())
}

// connectPair brings a host and a viewer into one active 1:1 call.
func connectPair(t *testing.T, bus *signal.Bus) (host, viewer *harness) {
	t.Helper()
	host = startSession(t, bus, "r1", "alice", CallIndividual, RoleHost)
	assert.Equal(t, StateConnecting, host.sess.State())

	viewer = startSession(t, bus, "r1", "bob", CallIndividual, RoleViewer)

	// join/echo handshake: viewer broadcasts, host echoes, viewer offers
	require.Eventually(t, func() bool {
		return host.factory.link("bob") != nil && viewer.factory.link("alice") != nil
	}, 2*time.Second, 10*time.Millisecond, "links never created")

	hostLink := host.factory.link("bob")
	viewerLink := viewer.factory.link("alice")
	require.Eventually(t, func() bool {
		_, _, answered := viewerLink.counts()
		return answered == 1
	}, 2*time.Second, 10*time.Millisecond, "offer/answer never completed")

	hostLink.fire(rtc.LinkStateConnected, "")
	viewerLink.fire(rtc.LinkStateConnected, "")
	waitState(t, host.sess, StateActive)
	waitState(t, viewer.sess, StateActive)
	return host, viewer
}

func TestIndividualCallReachesActive(t *testing.T) {
	bus := signal.NewBus()
	host, viewer := connectPair(t, bus)

	offers, _, _ := viewer.factory.link("alice").counts()
	assert.Equal(t, 1, offers, "newcomer initiates the offer")
	_, handled, _ := host.factory.link("bob").counts()
	assert.Equal(t, 1, handled)

	parts := host.sess.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "bob", parts[0].ID)
	assert.Equal(t, ParticipantConnected, parts[0].Status)
}

func TestHostLeaveClosesRoom(t *testing.T) {
	bus := signal.NewBus()
	host, viewer := connectPair(t, bus)

	host.sess.Leave()

	waitState(t, host.sess, StateEnded)
	assert.Equal(t, EndLocalLeave, host.sess.EndReason())

	waitState(t, viewer.sess, StateEnded)
	assert.Equal(t, EndHostLeft, viewer.sess.EndReason())

	// links closed before media stops, everywhere
	assert.True(t, host.factory.link("bob").isClosed())
	assert.True(t, host.lm.stopped())
	assert.True(t, viewer.factory.link("alice").isClosed())
	assert.True(t, viewer.lm.stopped())
}

func TestViewerLeaveKeepsRoomOpen(t *testing.T) {
	bus := signal.NewBus()
	host, viewer := connectPair(t, bus)

	viewer.sess.Leave()
	waitState(t, viewer.sess, StateEnded)
	assert.Equal(t, EndLocalLeave, viewer.sess.EndReason())

	// the 1:1 host ends too, but because its last peer left, not the host
	waitState(t, host.sess, StateEnded)
	assert.Equal(t, EndPeersLeft, host.sess.EndReason())
}

func TestIndividualLinkFailureEndsCall(t *testing.T) {
	bus := signal.NewBus()
	host, _ := connectPair(t, bus)

	// ice restart already exhausted inside the link
	host.factory.link("bob").fire(rtc.LinkStateClosed, "connection-failed")

	waitState(t, host.sess, StateFailed)
	assert.Equal(t, EndConnectionFailed, host.sess.EndReason())

	parts := host.sess.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, ParticipantLeft, parts[0].Status)
	assert.Equal(t, "connection-failed", parts[0].Reason)
	assert.True(t, host.lm.stopped())
}

func TestGroupCallSurvivesParticipantFailure(t *testing.T) {
	bus := signal.NewBus()
	ctx := context.Background()

	bobCh, err := bus.Join(ctx, "g1", "bob")
	require.NoError(t, err)
	carolCh, err := bus.Join(ctx, "g1", "carol")
	require.NoError(t, err)

	host := startSession(t, bus, "g1", "alice", CallGroup, RoleHost)

	require.NoError(t, bobCh.Send(signal.NewJoin("g1", "bob", "", signal.JoinPayload{DisplayName: "Bob"})))
	require.NoError(t, carolCh.Send(signal.NewJoin("g1", "carol", "", signal.JoinPayload{DisplayName: "Carol"})))

	require.Eventually(t, func() bool {
		return host.factory.link("bob") != nil && host.factory.link("carol") != nil
	}, 2*time.Second, 10*time.Millisecond)

	host.factory.link("bob").fire(rtc.LinkStateConnected, "")
	host.factory.link("carol").fire(rtc.LinkStateConnected, "")
	waitState(t, host.sess, StateActive)

	// one dead link removes one participant, not the room
	host.factory.link("bob").fire(rtc.LinkStateClosed, "connection-failed")
	assert.Eventually(t, func() bool {
		for _, p := range host.sess.Participants() {
			if p.ID == "bob" && p.Status == ParticipantLeft {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateActive, host.sess.State())

	// last peer leaving ends the group
	require.NoError(t, carolCh.Leave())
	waitState(t, host.sess, StateEnded)
	assert.Equal(t, EndPeersLeft, host.sess.EndReason())
}

func TestDegradedMediaProceeds(t *testing.T) {
	bus := signal.NewBus()
	h := &harness{factory: newFakeLinkFactory(), lm: &fakeLocalMedia{degraded: true}, rec: &memRecorder{}}
	h.sess = NewSession("r1", LocalParticipant{ID: "alice"}, CallIndividual, RoleHost, Config{}, Deps{
		Transport: bus,
		Media:     &fakeMediaSource{lm: h.lm},
		Links:     h.factory,
	})

	require.NoError(t, h.sess.Start(context.Background()))
	assert.True(t, h.sess.Degraded())
	assert.Equal(t, StateConnecting, h.sess.State())
	h.sess.Leave()
	waitState(t, h.sess, StateEnded)
}

func TestMediaFailureFailsSession(t *testing.T) {
	bus := signal.NewBus()
	sess := NewSession("r1", LocalParticipant{ID: "alice"}, CallIndividual, RoleHost, Config{}, Deps{
		Transport: bus,
		Media:     &fakeMediaSource{err: &media.Error{Reason: media.ReasonPermissionDenied}},
		Links:     newFakeLinkFactory(),
	})

	err := sess.Start(context.Background())
	require.Error(t, err)
	var mediaErr *media.Error
	assert.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, EndMediaFailed, sess.EndReason())
}

func TestConnectTimeout(t *testing.T) {
	bus := signal.NewBus()
	h := &harness{factory: newFakeLinkFactory(), lm: &fakeLocalMedia{}}
	h.sess = NewSession("r1", LocalParticipant{ID: "bob"}, CallIndividual, RoleViewer, Config{
		ConnectTimeout: 50 * time.Millisecond,
	}, Deps{
		Transport: bus,
		Media:     &fakeMediaSource{lm: h.lm},
		Links:     h.factory,
	})

	require.NoError(t, h.sess.Start(context.Background()))
	assert.Equal(t, StateJoining, h.sess.State())

	waitState(t, h.sess, StateFailed)
	assert.Equal(t, EndConnectTimeout, h.sess.EndReason())
	assert.True(t, h.lm.stopped())
}

func TestStartRejectedAfterFirst(t *testing.T) {
	bus := signal.NewBus()
	h := startSession(t, bus, "r1", "alice", CallIndividual, RoleHost)
	assert.ErrorIs(t, h.sess.Start(context.Background()), ErrBadTransition)
	h.sess.Leave()
	waitState(t, h.sess, StateEnded)
}

func TestStaleMessagesAfterEndIgnored(t *testing.T) {
	bus := signal.NewBus()
	ctx := context.Background()

	peerCh, err := bus.Join(ctx, "r1", "bob")
	require.NoError(t, err)

	h := startSession(t, bus, "r1", "alice", CallIndividual, RoleHost)
	h.sess.Leave()
	waitState(t, h.sess, StateEnded)

	// late signaling for an ended session must not resurrect it
	_ = peerCh.Send(signal.NewSDP(signal.TypeOffer, "r1", "bob", "alice", fakeSDP))
	_ = peerCh.Send(signal.NewJoin("r1", "bob", "", signal.JoinPayload{}))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateEnded, h.sess.State())
	assert.Nil(t, h.factory.link("bob"))

	// commands on an ended session are no-ops, not deadlocks
	h.sess.Leave()
	h.sess.Renegotiate()
}

func TestRenegotiateFansOut(t *testing.T) {
	bus := signal.NewBus()
	host, _ := connectPair(t, bus)

	host.sess.Renegotiate()
	assert.Eventually(t, func() bool {
		link := host.factory.link("bob")
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.renegotiations == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecordEmittedOnEnd(t *testing.T) {
	bus := signal.NewBus()
	host, _ := connectPair(t, bus)

	host.sess.Leave()
	waitState(t, host.sess, StateEnded)

	require.Eventually(t, func() bool { return len(host.rec.all()) == 1 },
		2*time.Second, 10*time.Millisecond)

	rec := host.rec.all()[0]
	assert.Equal(t, "r1", rec.RoomID)
	assert.Equal(t, EndLocalLeave, rec.EndReason)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rec.Participants)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))
}

func TestSignalingJoinFailureFails(t *testing.T) {
	lm := &fakeLocalMedia{}
	sess := NewSession("r1", LocalParticipant{ID: "alice"}, CallIndividual, RoleHost, Config{}, Deps{
		Transport: failingTransport{},
		Media:     &fakeMediaSource{lm: lm},
		Links:     newFakeLinkFactory(),
	})

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, EndSignalingFailed, sess.EndReason())
	assert.True(t, lm.stopped(), "media released on the failure path")
}

type failingTransport struct{}

func (failingTransport) Join(context.Context, string, string) (signal.Channel, error) {
	return nil, &signal.Error{Kind: signal.KindChannelUnreachable, Err: errors.New("dial refused")}
}
