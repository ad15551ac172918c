package room

// State is the lifecycle of one call session.
type State int

const (
	StateIdle State = iota
	StateRequestingMedia
	StateJoining
	StateConnecting
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingMedia:
		return "requesting-media"
	case StateJoining:
		return "joining"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// CallType distinguishes 1:1 calls from group rooms. In a 1:1 call a dead
// link means a dead session; in a group it only removes one participant.
type CallType string

const (
	CallIndividual CallType = "individual"
	CallGroup      CallType = "group"
)

// Role is the local participant's relationship to the room's lifetime. The
// host owns it: the room closes for everyone when the host leaves.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// ParticipantStatus is one remote participant's connection status.
type ParticipantStatus string

const (
	ParticipantJoining      ParticipantStatus = "joining"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantReconnecting ParticipantStatus = "reconnecting"
	ParticipantLeft         ParticipantStatus = "left"
)

// EndReason reports why a session reached a terminal state.
type EndReason string

const (
	EndLocalLeave       EndReason = "local-leave"
	EndHostLeft         EndReason = "host-left"
	EndPeersLeft        EndReason = "peers-left"
	EndConnectionFailed EndReason = "connection-failed"
	EndSignalingFailed  EndReason = "signaling-failed"
	EndMediaFailed      EndReason = "media-failed"
	EndConnectTimeout   EndReason = "connect-timeout"
)

// Participant is the observable state of one remote participant.
type Participant struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Host        bool
	Status      ParticipantStatus
	// Reason is set when Status is left.
	Reason string
}
