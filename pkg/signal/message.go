package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/sdp/v3"
)

// MessageType discriminates the signaling message union.
type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeRenegotiate  MessageType = "renegotiate"
	TypeRoomClosed   MessageType = "room-closed"
)

// Message is one signaling envelope exchanged between peers sharing a room.
// To is empty for broadcast, set for unicast.
type Message struct {
	Type    MessageType     `json:"type"`
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload carries the presence info a peer announces on join. Echo is set
// when an existing member answers a newcomer's broadcast join with its own
// presence, so the newcomer learns the current membership.
type JoinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Host        bool   `json:"host,omitempty"`
	Echo        bool   `json:"echo,omitempty"`
}

// CandidatePayload is the ice-candidate payload on the wire.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Validate checks a message at the transport boundary before it is handed to
// the session state machine. Offer and answer payloads must parse as SDP.
func (m *Message) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("%w: missing roomId", ErrInvalidMessage)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeJoin, TypeLeave, TypeRenegotiate, TypeRoomClosed:
		return nil
	case TypeOffer, TypeAnswer:
		s, err := m.SDP()
		if err != nil {
			return err
		}
		parsed := sdp.SessionDescription{}
		if err := parsed.Unmarshal([]byte(s)); err != nil {
			return fmt.Errorf("%w: bad sdp: %v", ErrInvalidMessage, err)
		}
		return nil
	case TypeICECandidate:
		_, err := m.Candidate()
		return err
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
}

// SDP returns the offer/answer payload.
func (m *Message) SDP() (string, error) {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return "", fmt.Errorf("%w: sdp payload: %v", ErrInvalidMessage, err)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty sdp payload", ErrInvalidMessage)
	}
	return s, nil
}

// Candidate returns the ice-candidate payload.
func (m *Message) Candidate() (CandidatePayload, error) {
	var c CandidatePayload
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("%w: candidate payload: %v", ErrInvalidMessage, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrInvalidMessage)
	}
	return c, nil
}

// Join returns the join payload. A join with no payload is valid and yields
// the zero value.
func (m *Message) Join() JoinPayload {
	var j JoinPayload
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &j)
	}
	return j
}

// NewSDP builds an offer or answer envelope addressed to one peer.
func NewSDP(t MessageType, roomID, from, to, sdp string) Message {
	payload, _ := json.Marshal(sdp)
	return Message{Type: t, RoomID: roomID, From: from, To: to, Payload: payload}
}

// NewCandidate builds an ice-candidate envelope addressed to one peer.
func NewCandidate(roomID, from, to string, c CandidatePayload) Message {
	payload, _ := json.Marshal(c)
	return Message{Type: TypeICECandidate, RoomID: roomID, From: from, To: to, Payload: payload}
}

// NewJoin builds a join envelope. to is empty for the initial broadcast.
func NewJoin(roomID, from, to string, j JoinPayload) Message {
	payload, _ := json.Marshal(j)
	return Message{Type: TypeJoin, RoomID: roomID, From: from, To: to, Payload: payload}
}
