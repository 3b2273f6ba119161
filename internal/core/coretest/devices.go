// Package coretest provides in-memory implementations of the core interfaces
// for tests: capture devices that never touch hardware and a signaling
// channel whose calls are driven by Simulate* helpers.
package coretest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
)

var (
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Source is a capture source fed by Push.
type Source struct {
	kind   webrtc.RTPCodecType
	frames chan core.Frame

	once   sync.Once
	closed chan struct{}
}

func NewSource(kind webrtc.RTPCodecType) *Source {
	return &Source{
		kind:   kind,
		frames: make(chan core.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (s *Source) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Source) Codec() webrtc.RTPCodecCapability {
	if s.kind == webrtc.RTPCodecTypeVideo {
		return VP8Codec
	}
	return OpusCodec
}

func (s *Source) Read() (core.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return core.Frame{}, io.EOF
	}
}

func (s *Source) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push queues one 20ms frame carrying pcm. It drops the frame if the queue is full.
func (s *Source) Push(pcm []int16) {
	select {
	case s.frames <- core.Frame{Data: []byte{0xf8, 0xff, 0xfe}, PCM: pcm, Duration: 20 * time.Millisecond}:
	default:
	}
}

var ErrDenied = errors.New("denied by user")

// Devices hands out fake sources and records them.
type Devices struct {
	mu        sync.Mutex
	MicErr    error
	CameraErr error
	// Block, when set, makes Open* wait until it is closed or ctx ends.
	Block chan struct{}

	Silent  []*Source
	Mics    []*Source
	Cameras []*Source
}

func (d *Devices) wait(ctx context.Context) error {
	d.mu.Lock()
	block := d.Block
	d.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Devices) OpenMicrophone(ctx context.Context, _ core.AudioConstraints) (core.Source, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	s := NewSource(webrtc.RTPCodecTypeAudio)
	d.Mics = append(d.Mics, s)
	return s, nil
}

func (d *Devices) OpenCamera(ctx context.Context, _ core.VideoConstraints) (core.Source, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CameraErr != nil {
		return nil, d.CameraErr
	}
	s := NewSource(webrtc.RTPCodecTypeVideo)
	d.Cameras = append(d.Cameras, s)
	return s, nil
}

func (d *Devices) SilentAudio() (core.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := NewSource(webrtc.RTPCodecTypeAudio)
	d.Silent = append(d.Silent, s)
	return s, nil
}

// SetMicErr changes the microphone outcome under the lock.
func (d *Devices) SetMicErr(err error) {
	d.mu.Lock()
	d.MicErr = err
	d.mu.Unlock()
}

func (d *Devices) LastMic() *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Mics) == 0 {
		return nil
	}
	return d.Mics[len(d.Mics)-1]
}

func (d *Devices) LastSilent() *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Silent) == 0 {
		return nil
	}
	return d.Silent[len(d.Silent)-1]
}

var _ core.Devices = (*Devices)(nil)
