package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// At most one second of audio is buffered per participant.
const maxBuffered = SampleRate

// Speaker mixes the decoded audio of every remote participant into one
// playback device.
type Speaker struct {
	dev *malgo.Device

	mu      sync.Mutex
	buffers map[domain.PlayerID][]int16
	closed  bool
}

func newSpeaker(ctx malgo.Context) (*Speaker, error) {
	s := &Speaker{buffers: make(map[domain.PlayerID][]int16)}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// Write queues pcm of id for mixing.
func (s *Speaker) Write(id domain.PlayerID, pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	buf := append(s.buffers[id], pcm...)
	if over := len(buf) - maxBuffered; over > 0 {
		buf = buf[over:]
	}
	s.buffers[id] = buf
}

// Remove drops whatever is still queued for id.
func (s *Speaker) Remove(id domain.PlayerID) {
	s.mu.Lock()
	delete(s.buffers, id)
	s.mu.Unlock()
}

func (s *Speaker) onData(output, _ []byte, frames uint32) {
	n := int(frames) * Channels
	s.mu.Lock()
	mix := mixInto(make([]int32, n), s.buffers)
	s.mu.Unlock()
	for i, v := range mix {
		if 2*i+1 >= len(output) {
			break
		}
		binary.LittleEndian.PutUint16(output[2*i:], uint16(clip(v)))
	}
}

// mixInto sums up to len(acc) samples of every buffer and consumes them.
func mixInto(acc []int32, buffers map[domain.PlayerID][]int16) []int32 {
	for id, buf := range buffers {
		k := min(len(buf), len(acc))
		for i := 0; i < k; i++ {
			acc[i] += int32(buf[i])
		}
		buffers[id] = buf[k:]
	}
	return acc
}

func clip(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buffers = map[domain.PlayerID][]int16{}
	s.mu.Unlock()
	s.dev.Uninit()
	log.Debug().Str("module", "device").Msg("speaker closed")
}
