package voice

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/playback"
	"github.com/dkeye/voicemesh/internal/speaking"
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// State is the read-only aggregate shown to the user. Maps are snapshots
// owned by their producers; never modify them.
type State struct {
	Status Status
	// Error is the dismissible message of the last user-visible failure.
	Error string

	Muted         bool
	VideoEnabled  bool
	MicGranted    bool
	CameraGranted bool

	Roster      []domain.Participant
	Speaking    speaking.Set
	RemoteVideo playback.VideoTracks
	// LocalVideo is the self-preview track, nil without a camera.
	LocalVideo  core.LocalTrack
	Connections mesh.ConnectionStateMap
}

// IsSpeaking reports whether id is in the speaking set.
func (s State) IsSpeaking(id domain.PlayerID) bool { return s.Speaking.Has(id) }
