package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

// fileCamera plays an IVF file in a loop at its native frame rate.
type fileCamera struct {
	path     string
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	ticker   *clock.Ticker

	mu     sync.Mutex
	file   *os.File
	reader *ivfreader.IVFReader

	once   sync.Once
	closed chan struct{}
}

func newFileCamera(path string, c core.VideoConstraints, clk clock.Clock) (*fileCamera, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}

	var codec webrtc.RTPCodecCapability
	switch header.FourCC {
	case "VP80":
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case "VP90":
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unsupported camera codec %q", header.FourCC)
	}
	if c.Width > 0 && c.Height > 0 && (int(header.Width) > c.Width || int(header.Height) > c.Height) {
		log.Warn().
			Str("module", "device").
			Uint16("width", header.Width).
			Uint16("height", header.Height).
			Int("max_width", c.Width).
			Int("max_height", c.Height).
			Msg("camera file exceeds the resolution bound")
	}

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	return &fileCamera{
		path:     path,
		codec:    codec,
		interval: interval,
		ticker:   clk.Ticker(interval),
		file:     f,
		reader:   reader,
		closed:   make(chan struct{}),
	}, nil
}

func (c *fileCamera) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (c *fileCamera) Codec() webrtc.RTPCodecCapability { return c.codec }

func (c *fileCamera) Read() (core.Frame, error) {
	select {
	case <-c.ticker.C:
	case <-c.closed:
		return core.Frame{}, io.EOF
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, _, err := c.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := c.rewind(); err != nil {
			return core.Frame{}, err
		}
		frame, _, err = c.reader.ParseNextFrame()
	}
	if err != nil {
		return core.Frame{}, fmt.Errorf("read ivf frame: %w", err)
	}
	return core.Frame{Data: frame, Duration: c.interval}, nil
}

func (c *fileCamera) rewind() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind camera: %w", err)
	}
	reader, _, err := ivfreader.NewWith(c.file)
	if err != nil {
		return fmt.Errorf("rewind camera: %w", err)
	}
	c.reader = reader
	return nil
}

func (c *fileCamera) Close() error {
	var err error
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.closed)
		c.mu.Lock()
		err = c.file.Close()
		c.mu.Unlock()
	})
	return err
}
