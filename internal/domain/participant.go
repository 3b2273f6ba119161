// Package domain contains entity without logic, just meta-data
package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLen  = 36
	MaxColorLen = 16
)

// PlayerID is the stable numeric identity of a room member.
type PlayerID int64

func (id PlayerID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParsePlayerID parses a decimal player id.
func ParsePlayerID(s string) (PlayerID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidPlayer
	}
	return PlayerID(n), nil
}

// Participant is a room member as known to voice chat.
// Muted and VideoEnabled are what the presence endpoint last reported,
// not the state of the media layer.
type Participant struct {
	ID           PlayerID `json:"id"`
	Name         string   `json:"displayName"`
	Color        string   `json:"color"`
	Muted        bool     `json:"isMuted"`
	VideoEnabled bool     `json:"isVideoEnabled"`
}

// NewParticipant avoids ad-hoc struct literals in adapters.
func NewParticipant(id PlayerID, name, color string) (*Participant, error) {
	if id <= 0 {
		return nil, ErrInvalidPlayer
	}
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	if len(color) > MaxColorLen {
		cut := MaxColorLen
		for cut > 0 && !utf8.RuneStart(color[cut]) {
			cut--
		}
		color = color[:cut]
	}
	// New members are muted until they grant a microphone.
	return &Participant{ID: id, Name: name, Color: color, Muted: true}, nil
}
