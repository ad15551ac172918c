// Package media acquires local camera and microphone capture for a call
// attempt and owns track lifetime: only this package stops tracks, and only
// after the links using them have been torn down.
package media

import (
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"

	log "github.com/pion/ion-log"

	// Register the native capture drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// Constraints selects which kinds of capture a call attempt wants.
type Constraints struct {
	Audio bool
	Video bool
}

// Status is the permission state of one device kind.
type Status string

const (
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusPrompt  Status = "prompt"
	StatusUnknown Status = "unknown"
)

// Permissions reports the per-kind permission state.
type Permissions struct {
	Camera     Status
	Microphone Status
}

// Acquirer opens local capture. One Acquirer is shared for the process; it
// caches observed permission state between call attempts.
type Acquirer struct {
	selector *mediadevices.CodecSelector

	// seams for tests; default to the mediadevices package functions
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	enumerate    func() []mediadevices.MediaDeviceInfo

	mu  sync.Mutex
	cam Status
	mic Status
}

// NewAcquirer builds the codec pipeline (VP8 video, Opus audio) and the
// acquirer around it.
func NewAcquirer() (*Acquirer, error) {
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8Params),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Acquirer{
		selector:     selector,
		getUserMedia: mediadevices.GetUserMedia,
		enumerate:    mediadevices.EnumerateDevices,
		cam:          StatusUnknown,
		mic:          StatusUnknown,
	}, nil
}

// PopulateEngine registers the acquirer's codecs on a webrtc media engine so
// links negotiate what the capture pipeline actually encodes.
func (a *Acquirer) PopulateEngine(me *webrtc.MediaEngine) error {
	a.selector.Populate(me)
	return nil
}

// Acquire opens capture per c. When both kinds are requested and video fails,
// it retries audio-only once and returns a degraded handle instead of failing
// outright. Exactly one prompt cycle per call attempt.
func (a *Acquirer) Acquire(c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("media: nothing requested")
	}

	stream, err := a.getUserMedia(a.constraints(c))
	if err == nil {
		a.record(c, StatusGranted, StatusGranted)
		return &LocalMedia{stream: stream}, nil
	}

	if c.Audio && c.Video {
		log.Warnf("media: full capture failed (%v), retrying audio-only", err)
		stream, audioErr := a.getUserMedia(a.constraints(Constraints{Audio: true}))
		if audioErr == nil {
			a.record(c, StatusDenied, StatusGranted)
			return &LocalMedia{stream: stream, degraded: true}, nil
		}
		err = audioErr
	}

	mediaErr := classify(err)
	if mediaErr.Reason == ReasonPermissionDenied {
		a.record(c, StatusDenied, StatusDenied)
	}
	return nil, mediaErr
}

// CheckPermissions reports permission state without prompting. It never
// fails; platforms with no usable drivers report unknown.
func (a *Acquirer) CheckPermissions() Permissions {
	a.mu.Lock()
	p := Permissions{Camera: a.cam, Microphone: a.mic}
	a.mu.Unlock()

	devices := a.enumerate()
	var haveCam, haveMic bool
	for _, d := range devices {
		switch d.Kind {
		case mediadevices.VideoInput:
			haveCam = true
		case mediadevices.AudioInput:
			haveMic = true
		}
	}
	if p.Camera == StatusUnknown && haveCam {
		p.Camera = StatusPrompt
	}
	if p.Microphone == StatusUnknown && haveMic {
		p.Microphone = StatusPrompt
	}
	return p
}

func (a *Acquirer) record(c Constraints, cam, mic Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Video {
		a.cam = cam
	}
	if c.Audio {
		a.mic = mic
	}
}

func (a *Acquirer) constraints(c Constraints) mediadevices.MediaStreamConstraints {
	msc := mediadevices.MediaStreamConstraints{Codec: a.selector}
	if c.Video {
		msc.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.Width = prop.Int(640)
			mtc.Height = prop.Int(480)
		}
	}
	if c.Audio {
		msc.Audio = func(mtc *mediadevices.MediaTrackConstraints) {}
	}
	return msc
}

// LocalMedia is live local capture. Discarding it without Stop leaks device
// handles, so every exit path must call Stop.
type LocalMedia struct {
	stream   mediadevices.MediaStream
	degraded bool
	once     sync.Once
}

// Tracks returns the capture tracks for attachment to links.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range m.stream.GetTracks() {
		out = append(out, t)
	}
	return out
}

// Degraded reports that video was requested but only audio was granted.
func (m *LocalMedia) Degraded() bool { return m.degraded }

// Stop releases every track. Idempotent.
func (m *LocalMedia) Stop() {
	m.once.Do(func() {
		for _, t := range m.stream.GetTracks() {
			if err := t.Close(); err != nil {
				log.Debugf("media: closing track %s: %v", t.ID(), err)
			}
		}
	})
}
