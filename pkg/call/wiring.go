package call

import (
	"github.com/pion/webrtc/v3"

	"github.com/orbita-chat/calling/pkg/media"
	"github.com/orbita-chat/calling/pkg/room"
	"github.com/orbita-chat/calling/pkg/rtc"
	"github.com/orbita-chat/calling/pkg/signal"
)

// NewEngineFactory adapts an rtc.Engine to the room.LinkFactory contract.
func NewEngineFactory(e *rtc.Engine) room.LinkFactory {
	return engineFactory{e}
}

type engineFactory struct {
	engine *rtc.Engine
}

func (f engineFactory) NewLink(roomID, localID, remoteID string, send func(signal.Message) error, tracks []webrtc.TrackLocal) (room.Link, error) {
	link, err := f.engine.NewLink(rtc.LinkParams{
		RoomID:   roomID,
		LocalID:  localID,
		RemoteID: remoteID,
		Send:     send,
		Tracks:   tracks,
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// NewMediaSource adapts a media.Acquirer to the room.MediaSource contract.
func NewMediaSource(a *media.Acquirer) room.MediaSource {
	return mediaSource{a}
}

type mediaSource struct {
	acquirer *media.Acquirer
}

func (m mediaSource) Acquire(c media.Constraints) (room.LocalMedia, error) {
	lm, err := m.acquirer.Acquire(c)
	if err != nil {
		return nil, err
	}
	return lm, nil
}
