package core

import (
	"github.com/bytedance/sonic"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MessageType of a signaling envelope.
type MessageType string

const (
	MsgOpen      MessageType = "OPEN"
	MsgIDTaken   MessageType = "ID-TAKEN"
	MsgOffer     MessageType = "OFFER"
	MsgAnswer    MessageType = "ANSWER"
	MsgCandidate MessageType = "CANDIDATE"
	MsgLeave     MessageType = "LEAVE"
	// MsgExpire: the destination of a relayed message is not connected.
	MsgExpire    MessageType = "EXPIRE"
	MsgError     MessageType = "ERROR"
	MsgHeartbeat MessageType = "HEARTBEAT"
)

// Envelope is one signaling message between a participant and the
// rendezvous server. Src is stamped by the server.
type Envelope struct {
	Type    MessageType         `json:"type"`
	Src     domain.RendezvousID `json:"src,omitempty"`
	Dst     domain.RendezvousID `json:"dst,omitempty"`
	Payload *Payload            `json:"payload,omitempty"`
}

type Payload struct {
	ConnectionID string                     `json:"connection_id,omitempty"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Message      string                     `json:"message,omitempty"`
}

// ConnectionID returns the payload's connection id, or "".
func (e *Envelope) ConnectionID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.ConnectionID
}

func (e Envelope) Encode() ([]byte, error) { return sonic.Marshal(e) }

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := sonic.Unmarshal(data, &env)
	return env, err
}
