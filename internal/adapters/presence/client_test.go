package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/rooms/table7/players", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":2,"displayName":"Bob","color":"#f00","isMuted":true,"isVideoEnabled":false}]`))
	}))
	defer srv.Close()

	got, err := New(srv.URL).Participants(context.Background(), "table7")
	require.NoError(t, err)
	assert.Equal(t, []domain.Participant{{ID: 2, Name: "Bob", Color: "#f00", Muted: true}}, got)
}

func TestJoinKeepsSessionCookie(t *testing.T) {
	var muteBody map[string]bool
	var cookie string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms/table7/players", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "VoiceSessions", Value: "owner", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"displayName":"Alice","color":"","isMuted":true}`))
	})
	mux.HandleFunc("POST /api/rooms/table7/players/1/mute", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("VoiceSessions"); err == nil {
			cookie = c.Value
		}
		_ = json.NewDecoder(r.Body).Decode(&muteBody)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	me, err := c.Join(context.Background(), "table7", domain.Participant{ID: 1, Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerID(1), me.ID)

	require.NoError(t, c.SetMuted(context.Background(), "table7", 1, false))
	assert.Equal(t, "owner", cookie)
	assert.Equal(t, map[string]bool{"muted": false}, muteBody)
}

func TestErrorsAreRelayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/rooms/gone/players" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.Participants(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrSignalRelay)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	err = c.SetVideoEnabled(context.Background(), "table7", 1, true)
	assert.ErrorIs(t, err, domain.ErrSignalRelay)
	assert.Empty(t, domain.UserMessage(err), "relay errors stay silent")

	srv.Close()
	_, err = c.Participants(context.Background(), "table7")
	assert.ErrorIs(t, err, domain.ErrSignalRelay)
}
