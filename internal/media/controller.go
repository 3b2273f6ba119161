// Package media owns the local participant's capture devices and outbound tracks.
package media

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the LocalMediaState snapshot.
type State struct {
	Audio         core.LocalTrack
	Video         core.LocalTrack
	Silent        bool
	MicGranted    bool
	CameraGranted bool
	Muted         bool
	VideoEnabled  bool
}

// Controller acquires and releases local capture devices.
type Controller struct {
	devices core.Devices
	camera  core.VideoConstraints

	mu            sync.Mutex
	streamID      string
	audio         *Track
	video         *Track
	silent        bool
	micGranted    bool
	cameraGranted bool
	muted         bool
	videoEnabled  bool
	tap           Tap
}

func NewController(devices core.Devices, camera core.VideoConstraints) *Controller {
	return &Controller{
		devices: devices,
		camera:  camera,
		muted:   true,
	}
}

// SetAudioTap routes the PCM of transmitted audio to fn, for the current
// and every future audio track.
func (c *Controller) SetAudioTap(fn Tap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tap = fn
	if c.audio != nil {
		c.audio.SetTap(fn)
	}
}

// AcquireSilentAudio produces a disabled placeholder audio track, so calls can
// be negotiated with an audio line before any permission prompt.
func (c *Controller) AcquireSilentAudio() (core.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio != nil {
		return c.streamLocked(), nil
	}
	if c.streamID == "" {
		c.streamID = uuid.NewString()
	}
	src, err := c.devices.SilentAudio()
	if err != nil {
		return core.Stream{}, err
	}
	track, err := NewTrack(src, c.streamID, false)
	if err != nil {
		_ = src.Close()
		return core.Stream{}, err
	}
	track.SetTap(c.tap)
	c.audio = track
	c.silent = true
	c.muted = true
	log.Info().Str("module", "media").Str("track", track.ID()).Msg("silent audio acquired")
	return c.streamLocked(), nil
}

// RequestMicrophone asks for the real microphone. On grant the silent track
// is stopped and the returned stream holds one enabled audio track; the caller
// must replace the track in existing calls. On denial the prior state is kept.
func (c *Controller) RequestMicrophone(ctx context.Context) (core.Stream, error) {
	c.mu.Lock()
	if c.micGranted && c.audio != nil {
		defer c.mu.Unlock()
		return core.Stream{ID: c.streamID, Audio: c.audio}, nil
	}
	if c.streamID == "" {
		c.streamID = uuid.NewString()
	}
	streamID := c.streamID
	c.mu.Unlock()

	// The permission prompt may pend for a long time; do not hold the lock.
	src, err := c.devices.OpenMicrophone(ctx, core.AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("microphone refused")
		return core.Stream{}, &domain.PermissionError{Device: domain.Microphone, Err: err}
	}
	track, err := NewTrack(src, streamID, true)
	if err != nil {
		_ = src.Close()
		return core.Stream{}, &domain.PermissionError{Device: domain.Microphone, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	track.SetTap(c.tap)
	old := c.audio
	c.audio = track
	c.silent = false
	c.micGranted = true
	c.muted = false
	if old != nil {
		old.Stop()
	}
	log.Info().Str("module", "media").Str("track", track.ID()).Msg("microphone granted")
	return core.Stream{ID: c.streamID, Audio: track}, nil
}

// RequestCamera asks for the camera at the configured resolution bound and
// returns a video-only stream.
func (c *Controller) RequestCamera(ctx context.Context) (core.Stream, error) {
	c.mu.Lock()
	if c.cameraGranted && c.video != nil {
		defer c.mu.Unlock()
		c.video.SetEnabled(true)
		c.videoEnabled = true
		return core.Stream{ID: c.streamID, Video: c.video}, nil
	}
	if c.streamID == "" {
		c.streamID = uuid.NewString()
	}
	streamID := c.streamID
	c.mu.Unlock()

	src, err := c.devices.OpenCamera(ctx, c.camera)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("camera refused")
		return core.Stream{}, &domain.PermissionError{Device: domain.Camera, Err: err}
	}
	track, err := NewTrack(src, streamID, true)
	if err != nil {
		_ = src.Close()
		return core.Stream{}, &domain.PermissionError{Device: domain.Camera, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video != nil {
		c.video.Stop()
	}
	c.video = track
	c.cameraGranted = true
	c.videoEnabled = true
	log.Info().Str("module", "media").Str("track", track.ID()).Msg("camera granted")
	return core.Stream{ID: c.streamID, Video: track}, nil
}

// SetMuted disables (or re-enables) the audio track without stopping it.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	if c.audio != nil {
		c.audio.SetEnabled(!muted)
	}
}

// SetVideoEnabled toggles the video track; without a camera it only records intent.
func (c *Controller) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		c.videoEnabled = false
		return
	}
	c.video.SetEnabled(enabled)
	c.videoEnabled = enabled
}

// Stream returns the current outbound stream.
func (c *Controller) Stream() core.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamLocked()
}

func (c *Controller) streamLocked() core.Stream {
	s := core.Stream{ID: c.streamID}
	if c.audio != nil {
		s.Audio = c.audio
	}
	if c.video != nil {
		s.Video = c.video
	}
	return s
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Silent:        c.silent,
		MicGranted:    c.micGranted,
		CameraGranted: c.cameraGranted,
		Muted:         c.muted,
		VideoEnabled:  c.videoEnabled,
	}
	if c.audio != nil {
		st.Audio = c.audio
	}
	if c.video != nil {
		st.Video = c.video
	}
	return st
}

// Release stops every local track. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio != nil {
		c.audio.Stop()
		c.audio = nil
	}
	if c.video != nil {
		c.video.Stop()
		c.video = nil
	}
	c.silent = false
	c.micGranted = false
	c.cameraGranted = false
	c.muted = true
	c.videoEnabled = false
	c.streamID = ""
	log.Debug().Str("module", "media").Msg("released")
}
