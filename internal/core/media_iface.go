package core

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Frame is one encoded media frame read from a capture source.
// PCM carries the raw samples of audio frames so local analysis does not
// have to decode what was just encoded.
type Frame struct {
	Data     []byte
	PCM      []int16
	Duration time.Duration
}

// Source is a capture device (or synthesized generator) producing frames at
// its own pace. Read blocks until the next frame is ready.
type Source interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	Read() (Frame, error)
	Close() error
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	Width  int
	Height int
}

// Devices grants access to capture hardware. Open calls may block on the
// user's permission decision and must honor ctx.
type Devices interface {
	OpenMicrophone(ctx context.Context, c AudioConstraints) (Source, error)
	OpenCamera(ctx context.Context, c VideoConstraints) (Source, error)
	// SilentAudio returns a generator that needs no permission.
	SilentAudio() (Source, error)
}

// LocalTrack is an outbound track. Disabling it stops transmission without
// releasing the device; Stop releases it for good.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	Local() webrtc.TrackLocal
}

// Stream is the local outbound capability at one instant.
type Stream struct {
	ID    string
	Audio LocalTrack
	Video LocalTrack
}

func (s Stream) Tracks() []LocalTrack {
	out := make([]LocalTrack, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// RemoteTrack is an inbound track received on a call.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, error)
	// RequestKeyFrame asks the sender for a fresh key frame (video only).
	RequestKeyFrame() error
}
