package playback

import (
	"context"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	sampleRate = 48000
	channels   = 1
	// 120ms at 48kHz, the longest Opus frame.
	maxFrameSamples = 5760
)

// Decoder turns one Opus payload into PCM and returns the sample count.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// NewOpusDecoder is the default decoder factory.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// Output is where decoded audio of remote participants is played.
type Output interface {
	Write(id domain.PlayerID, pcm []int16)
	Remove(id domain.PlayerID)
}

// VideoOutput renders remote video packets.
type VideoOutput interface {
	WriteVideo(id domain.PlayerID, pkt *rtp.Packet)
}

// Element drains one remote track for as long as it is attached.
type Element struct {
	peer  domain.PlayerID
	track core.RemoteTrack

	packets atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func (e *Element) Track() core.RemoteTrack { return e.track }

// Packets is the number of RTP packets consumed so far.
func (e *Element) Packets() uint64 { return e.packets.Load() }

// Done is closed once the element stopped reading.
func (e *Element) Done() <-chan struct{} { return e.done }

func (e *Element) stop() { e.cancel() }

// loop reads RTP packets from the remote track and hands each one to fn
// until the track ends or the element is detached.
func (e *Element) loop(ctx context.Context, logger *zerolog.Logger, fn func(*rtp.Packet)) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("element detached")
			return
		default:
		}
		pkt, err := e.track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.packets.Add(1)
		fn(pkt)
	}
}

func (e *Element) kind() webrtc.RTPCodecType { return e.track.Kind() }
