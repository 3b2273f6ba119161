// Package presence talks to the room directory over HTTP.
package presence

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const requestTimeout = 5 * time.Second

type Client struct {
	http *resty.Client
}

// New returns a directory client for the server at baseURL. The session
// cookie set by Join authorizes later mute and video updates.
func New(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/api").
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// Join registers the player in the room and binds it to this client's session.
func (c *Client) Join(ctx context.Context, room domain.RoomCode, p domain.Participant) (domain.Participant, error) {
	var out domain.Participant
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("code", string(room)).
		SetBody(p).
		SetResult(&out).
		Post("/rooms/{code}/players")
	if err := check(resp, err, "join"); err != nil {
		return domain.Participant{}, err
	}
	log.Info().Str("module", "presence").Str("room", string(room)).Stringer("player", out.ID).Msg("joined")
	return out, nil
}

func (c *Client) Participants(ctx context.Context, room domain.RoomCode) ([]domain.Participant, error) {
	var out []domain.Participant
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("code", string(room)).
		SetResult(&out).
		Get("/rooms/{code}/players")
	if err := check(resp, err, "participants"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetMuted(ctx context.Context, room domain.RoomCode, player domain.PlayerID, muted bool) error {
	return c.post(ctx, room, player, "mute", map[string]bool{"muted": muted})
}

func (c *Client) SetVideoEnabled(ctx context.Context, room domain.RoomCode, player domain.PlayerID, enabled bool) error {
	return c.post(ctx, room, player, "video", map[string]bool{"enabled": enabled})
}

// Leave removes the player from the room.
func (c *Client) Leave(ctx context.Context, room domain.RoomCode, player domain.PlayerID) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"code": string(room), "id": player.String()}).
		Delete("/rooms/{code}/players/{id}")
	return check(resp, err, "leave")
}

func (c *Client) post(ctx context.Context, room domain.RoomCode, player domain.PlayerID, what string, body any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"code": string(room), "id": player.String()}).
		SetBody(body).
		Post("/rooms/{code}/players/{id}/" + what)
	return check(resp, err, what)
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSignalRelay, op, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %w", domain.ErrSignalRelay, op, domain.ErrInvalidRoom)
		}
		return fmt.Errorf("%w: %s: %s", domain.ErrSignalRelay, op, resp.Status())
	}
	return nil
}
