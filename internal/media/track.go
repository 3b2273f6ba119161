package media

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateEnabled TrackState = iota
	TrackStateDisabled
	TrackStateStopped
)

// Tap receives the PCM of every transmitted audio frame.
type Tap func(pcm []int16)

// Track is an outbound track fed by a capture source. It implements core.LocalTrack.
type Track struct {
	id    string
	kind  webrtc.RTPCodecType
	src   core.Source
	local *webrtc.TrackLocalStaticSample
	state atomic.Int32
	tap   atomic.Pointer[Tap]

	stopOnce sync.Once
	done     chan struct{}
}

// NewTrack wraps src in a pion sample track and starts pumping frames.
func NewTrack(src core.Source, streamID string, enabled bool) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(src.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		id:    id,
		kind:  src.Kind(),
		src:   src,
		local: local,
		done:  make(chan struct{}),
	}
	t.SetEnabled(enabled)
	go t.pump()
	return t, nil
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }

func (t *Track) GetState() TrackState { return TrackState(t.state.Load()) }

func (t *Track) Enabled() bool { return t.GetState() == TrackStateEnabled }
func (t *Track) Stopped() bool { return t.GetState() == TrackStateStopped }

// SetEnabled toggles transmission. It never revives a stopped track.
func (t *Track) SetEnabled(enabled bool) {
	next := int32(TrackStateDisabled)
	if enabled {
		next = int32(TrackStateEnabled)
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SetTap installs (or with nil, removes) the PCM tap.
func (t *Track) SetTap(fn Tap) {
	if fn == nil {
		t.tap.Store(nil)
		return
	}
	t.tap.Store(&fn)
}

// Stop releases the source. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackStateStopped))
		if err := t.src.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track", t.id).Msg("source close")
		}
	})
}

// Done is closed once the pump exits.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) pump() {
	defer close(t.done)
	for {
		f, err := t.src.Read()
		if err != nil {
			if !t.Stopped() {
				log.Warn().Err(err).Str("module", "media").Str("track", t.id).Msg("source read, track ended")
			}
			return
		}
		switch t.GetState() {
		case TrackStateStopped:
			return
		case TrackStateDisabled:
			continue
		case TrackStateEnabled:
		}
		if tap := t.tap.Load(); tap != nil && f.PCM != nil {
			(*tap)(f.PCM)
		}
		if err := t.local.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
			log.Debug().Err(err).Str("module", "media").Str("track", t.id).Msg("write sample")
		}
	}
}

var _ core.LocalTrack = (*Track)(nil)
