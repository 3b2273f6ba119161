package domain

import "strings"

type (
	RoomCode     string
	RendezvousID string
)

// Normalize lower-cases the code and keeps only [a-z0-9].
func (c RoomCode) Normalize() RoomCode {
	var b strings.Builder
	for _, r := range strings.ToLower(string(c)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return RoomCode(b.String())
}

// RendezvousFor derives the signaling identity of a player in a room, so any
// participant can be dialed without a lookup.
func RendezvousFor(room RoomCode, player PlayerID) RendezvousID {
	return RendezvousID(string(room.Normalize()) + "-" + player.String())
}

// ParseRendezvous is the inverse of RendezvousFor.
func ParseRendezvous(id RendezvousID) (RoomCode, PlayerID, error) {
	s := string(id)
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return "", 0, ErrInvalidRendezvous
	}
	p, err := ParsePlayerID(s[i+1:])
	if err != nil {
		return "", 0, ErrInvalidRendezvous
	}
	return RoomCode(s[:i]), p, nil
}
