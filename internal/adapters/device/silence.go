package device

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
)

// silence is an oscillator behind a zero gain stage. It needs no device
// and keeps the audio line of a call fed before the microphone is granted.
type silence struct {
	enc    *opus.Encoder
	ticker *clock.Ticker
	buf    []byte
	phase  float64
	gain   float64

	once   sync.Once
	closed chan struct{}
}

const oscillatorHz = 440

func newSilence(clk clock.Clock) (*silence, error) {
	enc, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &silence{
		enc:    enc,
		ticker: clk.Ticker(FrameDuration),
		buf:    make([]byte, maxPacket),
		closed: make(chan struct{}),
	}, nil
}

func (s *silence) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeAudio }
func (s *silence) Codec() webrtc.RTPCodecCapability { return OpusCodec }

func (s *silence) Read() (core.Frame, error) {
	select {
	case <-s.ticker.C:
	case <-s.closed:
		return core.Frame{}, io.EOF
	}
	pcm := make([]int16, FrameSamples)
	step := 2 * math.Pi * oscillatorHz / SampleRate
	for i := range pcm {
		pcm[i] = int16(s.gain * math.Sin(s.phase) * math.MaxInt16)
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
	n, err := s.enc.Encode(pcm, s.buf)
	if err != nil {
		return core.Frame{}, fmt.Errorf("opus encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return core.Frame{Data: data, PCM: pcm, Duration: FrameDuration}, nil
}

func (s *silence) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
