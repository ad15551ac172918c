// Package rtc owns one negotiation link per remote participant: SDP
// offer/answer sequencing, ICE candidate buffering, glare resolution and
// connection-failure recovery.
package rtc

import (
	"github.com/pion/webrtc/v3"
)

// ICEServerConfig defines parameters for one STUN/TURN server.
type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Config defines transport parameters for every link an Engine creates.
type Config struct {
	ICEServers   []ICEServerConfig `mapstructure:"iceserver"`
	ICEPortRange []uint16          `mapstructure:"portrange"`
	SDPSemantics string            `mapstructure:"sdpsemantics"`
}

// EngineOption customizes Engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	populateMedia func(*webrtc.MediaEngine) error
}

// WithMediaEngine installs a hook that registers codecs on the media engine,
// replacing the default codec set. Used to align the engine with the codecs
// the local capture pipeline encodes.
func WithMediaEngine(populate func(*webrtc.MediaEngine) error) EngineOption {
	return func(o *engineOptions) { o.populateMedia = populate }
}

// Engine builds peer connections from a parsed Config.
type Engine struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

// NewEngine parses cfg into a usable factory for links.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if len(cfg.ICEPortRange) == 2 {
		if err := se.SetEphemeralUDPPortRange(cfg.ICEPortRange[0], cfg.ICEPortRange[1]); err != nil {
			return nil, err
		}
	}

	me := &webrtc.MediaEngine{}
	if o.populateMedia != nil {
		if err := o.populateMedia(me); err != nil {
			return nil, err
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	sdpSemantics := webrtc.SDPSemanticsUnifiedPlan
	switch cfg.SDPSemantics {
	case "unified-plan-with-fallback":
		sdpSemantics = webrtc.SDPSemanticsUnifiedPlanWithFallback
	case "plan-b":
		sdpSemantics = webrtc.SDPSemanticsPlanB
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		configuration: webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: sdpSemantics,
		},
	}, nil
}
