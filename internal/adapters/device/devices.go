// Package device implements core.Devices on top of the host audio stack.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	SampleRate = 48000
	Channels   = 1
	// 20ms per Opus frame.
	FrameSamples  = SampleRate / 50
	FrameDuration = 20 * time.Millisecond

	maxPacket = 4000
)

var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   SampleRate,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

type Config struct {
	// CameraFile is an IVF (VP8/VP9) file played as the camera.
	CameraFile string
	Clock      clock.Clock
}

// Devices opens capture and playback devices through one malgo context.
type Devices struct {
	cfg Config
	ctx *malgo.AllocatedContext
}

func New(cfg Config) (*Devices, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("module", "device").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Devices{cfg: cfg, ctx: ctx}, nil
}

func (d *Devices) OpenMicrophone(ctx context.Context, c core.AudioConstraints) (core.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("module", "device").
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Bool("auto_gain", c.AutoGainControl).
		Msg("opening microphone")
	return newCapture(d.ctx.Context)
}

func (d *Devices) OpenCamera(ctx context.Context, c core.VideoConstraints) (core.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.CameraFile == "" {
		return nil, fmt.Errorf("no camera configured")
	}
	return newFileCamera(d.cfg.CameraFile, c, d.cfg.Clock)
}

func (d *Devices) SilentAudio() (core.Source, error) {
	return newSilence(d.cfg.Clock)
}

// OpenSpeaker starts the output device remote audio is mixed into.
func (d *Devices) OpenSpeaker() (*Speaker, error) {
	return newSpeaker(d.ctx.Context)
}

func (d *Devices) Close() error {
	if err := d.ctx.Uninit(); err != nil {
		return err
	}
	d.ctx.Free()
	return nil
}

func newEncoder() (*opus.Encoder, error) {
	return opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
}

var _ core.Devices = (*Devices)(nil)
