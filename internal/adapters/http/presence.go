package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionRoom   = "room"
	sessionPlayer = "player"
	ctxPlayer     = "player_id"
)

type presenceHandlers struct {
	dir *app.Directory
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type videoRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func roomParam(c *gin.Context) domain.RoomCode {
	return domain.RoomCode(c.Param("code"))
}

func abortWith(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, domain.ErrInvalidRoom), errors.Is(err, domain.ErrInvalidPlayer):
		status = http.StatusNotFound
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (h *presenceHandlers) join(c *gin.Context) {
	var req domain.Participant
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant"})
		return
	}
	code := roomParam(c)
	p, err := h.dir.Join(code, req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRoom) {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionRoom, string(code.Normalize()))
	sess.Set(sessionPlayer, int64(p.ID))
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).
		Str("room", string(code)).Stringer("player", p.ID).Msg("player bound to session")
	c.JSON(http.StatusCreated, p)
}

func (h *presenceHandlers) participants(c *gin.Context) {
	list, err := h.dir.Participants(roomParam(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *presenceHandlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.dir.List())
}

// owner admits only requests whose session joined as the addressed player.
func (h *presenceHandlers) owner(c *gin.Context) {
	id, err := domain.ParsePlayerID(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	sess := sessions.Default(c)
	room, _ := sess.Get(sessionRoom).(string)
	player, _ := sess.Get(sessionPlayer).(int64)
	if room == "" || room != string(roomParam(c).Normalize()) || domain.PlayerID(player) != id {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not your player"})
		return
	}
	c.Set(ctxPlayer, id)
	c.Next()
}

func playerOf(c *gin.Context) domain.PlayerID {
	id, _ := c.Get(ctxPlayer)
	pid, _ := id.(domain.PlayerID)
	return pid
}

func (h *presenceHandlers) setMuted(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "muted is required"})
		return
	}
	if err := h.dir.SetMuted(roomParam(c), playerOf(c), *req.Muted); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *presenceHandlers) setVideo(c *gin.Context) {
	var req videoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := h.dir.SetVideoEnabled(roomParam(c), playerOf(c), *req.Enabled); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *presenceHandlers) leave(c *gin.Context) {
	if err := h.dir.Leave(roomParam(c), playerOf(c)); err != nil {
		abortWith(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Clear()
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}
