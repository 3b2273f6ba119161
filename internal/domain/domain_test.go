package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvousRoundTrip(t *testing.T) {
	id := RendezvousFor("AB-12 x", 42)
	assert.Equal(t, RendezvousID("ab12x-42"), id)

	room, player, err := ParseRendezvous(id)
	require.NoError(t, err)
	assert.Equal(t, RoomCode("ab12x"), room)
	assert.Equal(t, PlayerID(42), player)

	_, _, err = ParseRendezvous("nodash")
	assert.ErrorIs(t, err, ErrInvalidRendezvous)
	_, _, err = ParseRendezvous("room-")
	assert.ErrorIs(t, err, ErrInvalidRendezvous)
}

func TestNewParticipant(t *testing.T) {
	p, err := NewParticipant(7, "ana", "#ff0000")
	require.NoError(t, err)
	assert.True(t, p.Muted)
	assert.False(t, p.VideoEnabled)

	_, err = NewParticipant(0, "ana", "")
	assert.ErrorIs(t, err, ErrInvalidPlayer)
	_, err = NewParticipant(1, "", "")
	assert.ErrorIs(t, err, ErrNameEmpty)
}

func TestNewParticipantTruncatesColorOnRuneBoundary(t *testing.T) {
	p, err := NewParticipant(7, "ana", "#ff00"+strings.Repeat("é", 6))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(p.Color))
	assert.Equal(t, "#ff00"+strings.Repeat("é", 5), p.Color)

	p, err = NewParticipant(7, "ana", strings.Repeat("c", MaxColorLen+4))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("c", MaxColorLen), p.Color)
}

func TestUserMessage(t *testing.T) {
	mic := fmt.Errorf("toggle mute: %w", &PermissionError{Device: Microphone, Err: errors.New("no device")})
	cam := &PermissionError{Device: Camera}

	assert.ErrorIs(t, mic, ErrPermissionDenied)
	assert.Equal(t, "Couldn't access your microphone", UserMessage(mic))
	assert.Equal(t, "Couldn't access your camera", UserMessage(cam))
	assert.Equal(t, "Another session is already connected", UserMessage(fmt.Errorf("open: %w", ErrIdentityConflict)))
	assert.Empty(t, UserMessage(ErrDialFailure))
	assert.Empty(t, UserMessage(nil))
}
