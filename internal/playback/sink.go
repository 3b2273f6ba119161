// Package playback attaches remote tracks to audio and video outputs.
package playback

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/speaking"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Analysers is the part of the speaking detector the sink feeds.
type Analysers interface {
	Observe(id domain.PlayerID) *speaking.Analyser
	Forget(id domain.PlayerID)
}

// Handle is what is attached for one participant.
type Handle struct {
	Audio *Element
	Video *Element
}

// VideoTracks maps participants to their live remote video. Replaced
// wholesale on change; never mutate it.
type VideoTracks map[domain.PlayerID]core.RemoteTrack

type Options struct {
	Output        Output
	Video         VideoOutput
	Analysers     Analysers
	NewDecoder    func() (Decoder, error)
	OnVideoChange func(VideoTracks)
}

// Sink owns the PlaybackHandle of every participant. Whether audio is
// playing for someone is answered by this map, not by the outputs.
type Sink struct {
	opts Options

	mu      sync.Mutex
	handles map[domain.PlayerID]*Handle
	video   VideoTracks
	wg      conc.WaitGroup
}

func NewSink(opts Options) *Sink {
	if opts.NewDecoder == nil {
		opts.NewDecoder = NewOpusDecoder
	}
	return &Sink{
		opts:    opts,
		handles: make(map[domain.PlayerID]*Handle),
		video:   VideoTracks{},
	}
}

// Attach starts playing track for id, replacing an older track of the same kind.
func (s *Sink) Attach(id domain.PlayerID, track core.RemoteTrack) {
	logger := log.With().
		Str("module", "playback").
		Stringer("peer", id).
		Str("kind", track.Kind().String()).
		Str("track", track.ID()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	el := &Element{peer: id, track: track, cancel: cancel, done: make(chan struct{})}

	var handler func(*rtp.Packet)
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		h, err := s.audioHandler(id)
		if err != nil {
			logger.Error().Err(err).Msg("opus decoder")
			cancel()
			return
		}
		handler = h
	case webrtc.RTPCodecTypeVideo:
		handler = s.videoHandler(id)
	default:
		cancel()
		return
	}

	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		h = &Handle{}
		s.handles[id] = h
	}
	var old *Element
	var video VideoTracks
	if el.kind() == webrtc.RTPCodecTypeAudio {
		old, h.Audio = h.Audio, el
	} else {
		old, h.Video = h.Video, el
		video = maps.Clone(s.video)
		video[id] = track
		s.video = video
	}
	s.mu.Unlock()

	if old != nil {
		logger.Info().Msg("replacing element")
		old.stop()
	}
	if el.kind() == webrtc.RTPCodecTypeVideo {
		if err := track.RequestKeyFrame(); err != nil {
			logger.Debug().Err(err).Msg("key frame request")
		}
	}

	logger.Info().Msg("attached")
	s.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { el.loop(ctx, &logger, handler) })
		if r := pc.Recovered(); r != nil {
			logger.Error().Str("panic", r.String()).Msg("element crashed")
		}
	})
	if video != nil {
		s.notifyVideo(video)
	}
}

func (s *Sink) audioHandler(id domain.PlayerID) (func(*rtp.Packet), error) {
	dec, err := s.opts.NewDecoder()
	if err != nil {
		return nil, err
	}
	var analyser *speaking.Analyser
	if s.opts.Analysers != nil {
		analyser = s.opts.Analysers.Observe(id)
	}
	pcm := make([]int16, maxFrameSamples*channels)
	return func(pkt *rtp.Packet) {
		if len(pkt.Payload) == 0 {
			return
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil || n == 0 {
			return
		}
		frame := pcm[:n*channels]
		if analyser != nil {
			analyser.Write(frame)
		}
		if s.opts.Output != nil {
			s.opts.Output.Write(id, frame)
		}
	}, nil
}

func (s *Sink) videoHandler(id domain.PlayerID) func(*rtp.Packet) {
	return func(pkt *rtp.Packet) {
		if s.opts.Video != nil {
			s.opts.Video.WriteVideo(id, pkt)
		}
	}
}

// Detach stops and forgets every element of id.
func (s *Sink) Detach(id domain.PlayerID) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	var video VideoTracks
	if _, has := s.video[id]; has {
		video = maps.Clone(s.video)
		delete(video, id)
		s.video = video
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.release(id, h)
	if video != nil {
		s.notifyVideo(video)
	}
	log.Info().Str("module", "playback").Stringer("peer", id).Msg("detached")
}

// DetachAll empties the sink.
func (s *Sink) DetachAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[domain.PlayerID]*Handle)
	hadVideo := len(s.video) > 0
	s.video = VideoTracks{}
	s.mu.Unlock()

	for id, h := range handles {
		s.release(id, h)
	}
	if hadVideo {
		s.notifyVideo(VideoTracks{})
	}
}

func (s *Sink) release(id domain.PlayerID, h *Handle) {
	if h.Audio != nil {
		h.Audio.stop()
		if s.opts.Output != nil {
			s.opts.Output.Remove(id)
		}
	}
	if h.Video != nil {
		h.Video.stop()
	}
	if s.opts.Analysers != nil {
		s.opts.Analysers.Forget(id)
	}
}

// Wait blocks until every element loop returned. Loops end when their
// remote track ends, so call it only after the calls were closed.
func (s *Sink) Wait() { s.wg.Wait() }

// HasAudio reports whether an audio element is attached for id.
func (s *Sink) HasAudio(id domain.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return ok && h.Audio != nil
}

// Handle returns a copy of the handle of id.
func (s *Sink) Handle(id domain.PlayerID) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// VideoTracks returns the remote video map. Do not modify it.
func (s *Sink) VideoTracks() VideoTracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Sink) notifyVideo(v VideoTracks) {
	if s.opts.OnVideoChange != nil {
		s.opts.OnVideoChange(v)
	}
}
