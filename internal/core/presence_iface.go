package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

//go:generate go run go.uber.org/mock/mockgen -source=presence_iface.go -destination=mocks/presence_mock.go -package=mocks

// Directory is the room directory / presence endpoint. Failures are
// transient and wrap domain.ErrSignalRelay.
type Directory interface {
	Participants(ctx context.Context, room domain.RoomCode) ([]domain.Participant, error)
	SetMuted(ctx context.Context, room domain.RoomCode, player domain.PlayerID, muted bool) error
	SetVideoEnabled(ctx context.Context, room domain.RoomCode, player domain.PlayerID, enabled bool) error
}
