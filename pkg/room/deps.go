package room

import (
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v3"

	"github.com/orbita-chat/calling/pkg/media"
	"github.com/orbita-chat/calling/pkg/rtc"
	"github.com/orbita-chat/calling/pkg/signal"
)

// Link is the negotiation handle for one remote participant. *rtc.Link
// satisfies it; tests substitute fakes.
type Link interface {
	Offer() error
	HandleOffer(sdp string) error
	HandleAnswer(sdp string) error
	AddRemoteCandidate(webrtc.ICECandidateInit)
	Renegotiate()
	OnStateChange(func(rtc.LinkState, string))
	Close() error
}

// LinkFactory creates one Link per remote participant pairing.
type LinkFactory interface {
	NewLink(roomID, localID, remoteID string, send func(signal.Message) error, tracks []webrtc.TrackLocal) (Link, error)
}

// LocalMedia is live local capture shared read-only across all links.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Degraded() bool
	Stop()
}

// MediaSource opens local capture for a call attempt.
type MediaSource interface {
	Acquire(media.Constraints) (LocalMedia, error)
}

// Record is the end-of-call handoff to storage.
type Record struct {
	RoomID       string
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    EndReason
}

// Recorder stores call records. Emission is fire-and-forget; a Recorder must
// never be able to block session teardown.
type Recorder interface {
	Save(Record)
}

// Deps are the session's collaborators.
type Deps struct {
	Transport signal.Transport
	Media     MediaSource
	Links     LinkFactory
	// Recorder is optional.
	Recorder Recorder
	// Pool runs record emission. Optional; a plain goroutine is used when nil.
	Pool *workerpool.WorkerPool
}

// Config tunes session behavior.
type Config struct {
	// ConnectTimeout bounds the time from start to active. Zero means 30s.
	ConnectTimeout time.Duration
	// Constraints select the capture kinds for this call.
	Constraints media.Constraints
}

const defaultConnectTimeout = 30 * time.Second
