package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// capture is the microphone: malgo delivers S16 samples, Read hands out
// 20ms Opus frames.
type capture struct {
	enc    *opus.Encoder
	dev    *malgo.Device
	frames chan []int16
	buf    []byte

	mu      sync.Mutex
	pending []int16

	once   sync.Once
	closed chan struct{}
}

func newCapture(ctx malgo.Context) (*capture, error) {
	enc, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	c := &capture{
		enc:    enc,
		frames: make(chan []int16, 25),
		buf:    make([]byte, maxPacket),
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	c.dev = dev
	return c, nil
}

func (c *capture) onData(_, input []byte, _ uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i+1 < len(input); i += 2 {
		c.pending = append(c.pending, int16(binary.LittleEndian.Uint16(input[i:])))
	}
	for len(c.pending) >= FrameSamples {
		frame := make([]int16, FrameSamples)
		copy(frame, c.pending)
		c.pending = c.pending[FrameSamples:]
		select {
		case c.frames <- frame:
		default:
			// Reader is behind; drop rather than block the audio thread.
		}
	}
}

func (c *capture) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeAudio }
func (c *capture) Codec() webrtc.RTPCodecCapability { return OpusCodec }

func (c *capture) Read() (core.Frame, error) {
	select {
	case pcm := <-c.frames:
		n, err := c.enc.Encode(pcm, c.buf)
		if err != nil {
			return core.Frame{}, fmt.Errorf("opus encode: %w", err)
		}
		data := make([]byte, n)
		copy(data, c.buf[:n])
		return core.Frame{Data: data, PCM: pcm, Duration: FrameDuration}, nil
	case <-c.closed:
		return core.Frame{}, io.EOF
	}
}

func (c *capture) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dev.Uninit()
		log.Debug().Str("module", "device").Msg("microphone closed")
	})
	return nil
}
