package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// NewAPI builds a pion API with the default codecs and the default
// interceptors (NACK, RTCP reports).
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// connection wraps one PeerConnection. Remote candidates that arrive
// before the remote description are held back.
type connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, logger zerolog.Logger) (*connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &connection{pc: pc, logger: logger}, nil
}

// addTracks adds every track of s. Without local video a receive-only video
// transceiver is offered so the remote camera can still reach us.
func (c *connection) addTracks(s core.Stream, offering bool) ([]core.Sender, error) {
	var senders []core.Sender
	for _, t := range s.Tracks() {
		rs, err := c.pc.AddTrack(t.Local())
		if err != nil {
			return nil, err
		}
		go drainRTCP(rs)
		senders = append(senders, &sender{kind: t.Kind(), rtp: rs, track: t})
	}
	if offering && s.Video == nil {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return nil, err
		}
	}
	return senders, nil
}

func (c *connection) createOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *connection) applyOffer(offer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	return c.flush()
}

func (c *connection) createAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *connection) applyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	return c.flush()
}

func (c *connection) flush() error {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	var errs []error
	for _, ci := range pending {
		errs = append(errs, c.pc.AddICECandidate(ci))
	}
	return errors.Join(errs...)
}

func (c *connection) addCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *connection) close() {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Debug().Msg("closed")
	}
}

// drainRTCP keeps interceptors fed; pion needs sender RTCP to be read.
func drainRTCP(rs *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rs.Read(buf); err != nil {
			return
		}
	}
}

type sender struct {
	kind webrtc.RTPCodecType
	rtp  *webrtc.RTPSender

	mu    sync.Mutex
	track core.LocalTrack
}

func (s *sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *sender) ReplaceTrack(t core.LocalTrack) error {
	if err := s.rtp.ReplaceTrack(t.Local()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

type remoteTrack struct {
	track *webrtc.TrackRemote
	pc    *webrtc.PeerConnection
}

func (r *remoteTrack) ID() string                { return r.track.ID() }
func (r *remoteTrack) Kind() webrtc.RTPCodecType { return r.track.Kind() }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

func (r *remoteTrack) RequestKeyFrame() error {
	return r.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(r.track.SSRC())},
	})
}
