package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Sender is one outbound media slot of a call.
type Sender interface {
	Kind() webrtc.RTPCodecType
	Track() LocalTrack
	ReplaceTrack(LocalTrack) error
}

// Call is one negotiated (or negotiating) link to a remote participant.
// Handlers may be set after the call was created; events that fired earlier
// are replayed on registration.
type Call interface {
	Peer() domain.RendezvousID
	ConnectionID() string
	Outbound() bool
	// Answer accepts an incoming call with the current outbound stream.
	Answer(Stream) error
	Senders() []Sender
	OnTrack(func(RemoteTrack))
	OnClose(func())
	OnError(func(error))
	OnConnectionState(func(webrtc.PeerConnectionState))
	Close()
}

// Channel is the signaling/identity service as seen by one participant.
type Channel interface {
	// Open claims the rendezvous id. Fails with domain.ErrIdentityConflict
	// when another live session holds it.
	Open(ctx context.Context, id domain.RendezvousID) error
	Dial(ctx context.Context, remote domain.RendezvousID, stream Stream) (Call, error)
	OnIncomingCall(func(Call))
	Close() error
}

// SignalConnection is the server side of one participant's signaling
// socket.
type SignalConnection interface {
	TrySend(data []byte) error
	Close()
}
