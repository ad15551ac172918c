package rtc

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbita-chat/calling/pkg/signal"
)

// sendRecorder captures outbound signaling. Candidate trickle fires from pion
// goroutines, so access is locked.
type sendRecorder struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (r *sendRecorder) send(msg signal.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *sendRecorder) byType(t signal.MessageType) []signal.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signal.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestLink(t *testing.T, localID, remoteID string, send func(signal.Message) error) *Link {
	t.Helper()
	e, err := NewEngine(Config{})
	require.NoError(t, err)

	l, err := e.NewLink(LinkParams{
		RoomID:   "r1",
		LocalID:  localID,
		RemoteID: remoteID,
		Send:     send,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	// a media-less link still needs one section to negotiate
	_, err = l.pc.CreateDataChannel("probe", nil)
	require.NoError(t, err)
	return l
}

func TestLinkOfferAnswer(t *testing.T) {
	var aSent, bSent sendRecorder
	a := newTestLink(t, "alice", "bob", aSent.send)
	b := newTestLink(t, "bob", "alice", bSent.send)

	require.NoError(t, a.Offer())
	offers := aSent.byType(signal.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].To)

	sdp, err := offers[0].SDP()
	require.NoError(t, err)
	require.NoError(t, b.HandleOffer(sdp))

	answers := bSent.byType(signal.TypeAnswer)
	require.Len(t, answers, 1)
	sdp, err = answers[0].SDP()
	require.NoError(t, err)
	require.NoError(t, a.HandleAnswer(sdp))

	assert.Equal(t, webrtc.SignalingStateStable, a.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.pc.SignalingState())

	a.mu.Lock()
	assert.False(t, a.offerPending)
	a.mu.Unlock()

	// a duplicate answer is a no-op, not a state corruption
	require.NoError(t, a.HandleAnswer(sdp))
	assert.Equal(t, webrtc.SignalingStateStable, a.pc.SignalingState())
}

func TestLinkGlareGreaterIDWins(t *testing.T) {
	var aSent, bSent sendRecorder
	a := newTestLink(t, "alice", "bob", aSent.send)
	b := newTestLink(t, "bob", "alice", bSent.send)

	// both sides offer at once
	require.NoError(t, a.Offer())
	require.NoError(t, b.Offer())

	offerA, err := aSent.byType(signal.TypeOffer)[0].SDP()
	require.NoError(t, err)
	offerB, err := bSent.byType(signal.TypeOffer)[0].SDP()
	require.NoError(t, err)

	// bob > alice: bob ignores the colliding offer and keeps his own pending
	require.NoError(t, b.HandleOffer(offerA))
	assert.Empty(t, bSent.byType(signal.TypeAnswer))
	b.mu.Lock()
	assert.True(t, b.offerPending)
	b.mu.Unlock()

	// alice rolls her offer back and answers bob's
	require.NoError(t, a.HandleOffer(offerB))
	answers := aSent.byType(signal.TypeAnswer)
	require.Len(t, answers, 1)
	a.mu.Lock()
	assert.False(t, a.offerPending)
	a.mu.Unlock()

	answer, err := answers[0].SDP()
	require.NoError(t, err)
	require.NoError(t, b.HandleAnswer(answer))

	assert.Equal(t, webrtc.SignalingStateStable, a.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.pc.SignalingState())
}

func TestLinkCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	var aSent, bSent sendRecorder
	a := newTestLink(t, "alice", "bob", aSent.send)
	b := newTestLink(t, "bob", "alice", bSent.send)

	var applied []string
	a.applyCandidate = func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}

	// early trickle, no remote description yet
	a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c1"})
	a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c2"})
	a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c3"})
	assert.Empty(t, applied)

	require.NoError(t, b.Offer())
	sdp, err := bSent.byType(signal.TypeOffer)[0].SDP()
	require.NoError(t, err)
	require.NoError(t, a.HandleOffer(sdp))

	assert.Equal(t, []string{"c1", "c2", "c3"}, applied, "queued candidates flush in arrival order")

	// with a remote description in place candidates apply immediately
	a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c4"})
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, applied)
}

func TestLinkFailureTriggersSingleICERestart(t *testing.T) {
	var sent sendRecorder
	a := newTestLink(t, "alice", "bob", sent.send)

	var states []LinkState
	var closedReason string
	a.OnStateChange(func(s LinkState, reason string) {
		states = append(states, s)
		if s == LinkStateClosed {
			closedReason = reason
		}
	})

	a.handleConnectionState(webrtc.PeerConnectionStateFailed)
	require.Len(t, sent.byType(signal.TypeOffer), 1, "first failure sends one restart offer")
	assert.Contains(t, states, LinkStateFailed)
	assert.NotEqual(t, LinkStateClosed, a.State())

	// the restart also failed: no second offer, the link gives up
	a.handleConnectionState(webrtc.PeerConnectionStateFailed)
	assert.Len(t, sent.byType(signal.TypeOffer), 1, "restart budget is one offer")
	assert.Equal(t, LinkStateClosed, a.State())
	assert.Equal(t, "connection-failed", closedReason)
}

func TestLinkRestartBudgetResetsOnRecovery(t *testing.T) {
	var sent sendRecorder
	a := newTestLink(t, "alice", "bob", sent.send)

	a.handleConnectionState(webrtc.PeerConnectionStateFailed)
	require.Len(t, sent.byType(signal.TypeOffer), 1)

	// the restart worked; a much later failure gets its own restart attempt
	a.handleConnectionState(webrtc.PeerConnectionStateConnected)
	a.handleConnectionState(webrtc.PeerConnectionStateFailed)

	assert.Len(t, sent.byType(signal.TypeOffer), 2)
	assert.NotEqual(t, LinkStateClosed, a.State())
}

func TestLinkAnswerWithoutPendingOffer(t *testing.T) {
	var sent sendRecorder
	a := newTestLink(t, "alice", "bob", sent.send)

	// stale or duplicate answer is dropped, not an error
	assert.NoError(t, a.HandleAnswer("v=0"))
}

func TestLinkCloseIdempotent(t *testing.T) {
	var sent sendRecorder
	a := newTestLink(t, "alice", "bob", sent.send)

	var states []LinkState
	a.OnStateChange(func(s LinkState, reason string) { states = append(states, s) })

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.Contains(t, states, LinkStateClosed)

	assert.ErrorIs(t, a.Offer(), ErrLinkClosed)
	assert.NoError(t, a.HandleOffer("v=0"), "signaling after close is dropped")
	assert.NoError(t, a.HandleAnswer("v=0"))
	a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "late"})
}

func TestLinkStateString(t *testing.T) {
	assert.Equal(t, "connected", LinkStateConnected.String())
	assert.Equal(t, "closed", LinkStateClosed.String())
	assert.Equal(t, "unknown", LinkState(42).String())
}
