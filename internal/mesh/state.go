package mesh

import (
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// State of the link to one remote participant.
//
//	Idle -> Dialing -> Connected <-> Degraded
//	Dialing|Connected|Degraded -> Closed -> (retry delay) -> Idle
type State int

const (
	Idle State = iota
	Dialing
	Connected
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether the state counts against the one-session-per-peer rule.
func (s State) Live() bool { return s == Dialing || s == Connected || s == Degraded }

type Config struct {
	// SweepInterval is how often the roster is cross-checked for peers to dial
	// and sessions that never received media.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// RetryDelay is the Closed -> Idle cooldown.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// GracePeriod bounds how long a Degraded link may take to recover.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// MaxRetries consecutive transport failures are tolerated before warning.
	MaxRetries int `mapstructure:"max_retries"`
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 3 * time.Second,
		RetryDelay:    2 * time.Second,
		GracePeriod:   4 * time.Second,
		MaxRetries:    5,
	}
}

// ConnectionInfo is the diagnostic view of one peer link.
type ConnectionInfo struct {
	State     State
	Transport webrtc.PeerConnectionState
	Outbound  bool
	Attempts  int
	Failures  int
	HasAudio  bool
	HasVideo  bool
}

// ConnectionStateMap is replaced wholesale on every change; never mutate it.
type ConnectionStateMap map[domain.PlayerID]ConnectionInfo

// Transition is reported to the observer on every state change.
type Transition struct {
	Peer domain.PlayerID
	From State
	To   State
}
