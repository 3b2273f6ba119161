package app

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomEntry struct {
	players map[domain.PlayerID]*domain.Participant
	order   []domain.PlayerID
}

type RoomInfo struct {
	Code        domain.RoomCode `json:"code"`
	PlayerCount int             `json:"playerCount"`
}

// Directory is the in-memory room roster behind the presence endpoints.
type Directory struct {
	mu    sync.RWMutex
	rooms map[domain.RoomCode]*roomEntry
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[domain.RoomCode]*roomEntry)}
}

func roomKey(code domain.RoomCode) (domain.RoomCode, error) {
	key := code.Normalize()
	if key == "" {
		return "", domain.ErrInvalidRoom
	}
	return key, nil
}

// Join adds the player to the room, creating the room on first use. A player
// joining again keeps its flags and gets the new name and color.
func (d *Directory) Join(code domain.RoomCode, p domain.Participant) (domain.Participant, error) {
	key, err := roomKey(code)
	if err != nil {
		return domain.Participant{}, err
	}
	np, err := domain.NewParticipant(p.ID, p.Name, p.Color)
	if err != nil {
		return domain.Participant{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[key]
	if !ok {
		room = &roomEntry{players: make(map[domain.PlayerID]*domain.Participant)}
		d.rooms[key] = room
		log.Info().Str("module", "app.directory").Str("room", string(key)).Msg("room created")
	}
	if cur, ok := room.players[np.ID]; ok {
		cur.Name, cur.Color = np.Name, np.Color
		return *cur, nil
	}
	room.players[np.ID] = np
	room.order = append(room.order, np.ID)
	log.Info().Str("module", "app.directory").Str("room", string(key)).Stringer("player", np.ID).Msg("player joined")
	return *np, nil
}

// Leave removes the player; the room goes away with its last player.
func (d *Directory) Leave(code domain.RoomCode, id domain.PlayerID) error {
	key, err := roomKey(code)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[key]
	if !ok {
		return domain.ErrInvalidRoom
	}
	if _, ok := room.players[id]; !ok {
		return domain.ErrInvalidPlayer
	}
	delete(room.players, id)
	for i, pid := range room.order {
		if pid == id {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	if len(room.players) == 0 {
		delete(d.rooms, key)
		log.Info().Str("module", "app.directory").Str("room", string(key)).Msg("room removed")
	}
	return nil
}

// Participants returns the room's players in join order.
func (d *Directory) Participants(code domain.RoomCode) ([]domain.Participant, error) {
	key, err := roomKey(code)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[key]
	if !ok {
		return nil, domain.ErrInvalidRoom
	}
	out := make([]domain.Participant, 0, len(room.order))
	for _, id := range room.order {
		out = append(out, *room.players[id])
	}
	return out, nil
}

func (d *Directory) SetMuted(code domain.RoomCode, id domain.PlayerID, muted bool) error {
	return d.update(code, id, func(p *domain.Participant) { p.Muted = muted })
}

func (d *Directory) SetVideoEnabled(code domain.RoomCode, id domain.PlayerID, enabled bool) error {
	return d.update(code, id, func(p *domain.Participant) { p.VideoEnabled = enabled })
}

func (d *Directory) update(code domain.RoomCode, id domain.PlayerID, fn func(*domain.Participant)) error {
	key, err := roomKey(code)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[key]
	if !ok {
		return domain.ErrInvalidRoom
	}
	p, ok := room.players[id]
	if !ok {
		return domain.ErrInvalidPlayer
	}
	fn(p)
	return nil
}

func (d *Directory) List() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for code, r := range d.rooms {
		out = append(out, RoomInfo{Code: code, PlayerCount: len(r.players)})
	}
	return out
}
