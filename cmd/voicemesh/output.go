package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/voice"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// videoLog stands in for a video renderer: it counts frames per participant.
type videoLog struct {
	mu     sync.Mutex
	frames map[domain.PlayerID]uint64
}

func newVideoLog() *videoLog {
	return &videoLog{frames: make(map[domain.PlayerID]uint64)}
}

func (v *videoLog) WriteVideo(id domain.PlayerID, pkt *rtp.Packet) {
	if !pkt.Marker {
		return
	}
	v.mu.Lock()
	v.frames[id]++
	n := v.frames[id]
	v.mu.Unlock()
	if n%300 == 1 {
		log.Debug().Str("module", "video").Stringer("player", id).Uint64("frames", n).Msg("receiving video")
	}
}

// printer writes a status line whenever what the user would see changes.
type printer struct {
	mu   sync.Mutex
	last string
}

func (p *printer) print(s voice.State) {
	line := render(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Println(line)
}

func render(s voice.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.Status)
	if s.Muted {
		b.WriteString(" muted")
	} else {
		b.WriteString(" live")
	}
	if s.VideoEnabled {
		b.WriteString(" +video")
	}
	peers := make([]string, 0, len(s.Roster))
	for _, p := range s.Roster {
		mark := ""
		if s.IsSpeaking(p.ID) {
			mark = "*"
		}
		if st, ok := s.Connections[p.ID]; ok {
			peers = append(peers, fmt.Sprintf("%s%s(%s)", mark, p.Name, st.State))
		} else {
			peers = append(peers, mark+p.Name)
		}
	}
	slices.Sort(peers)
	if len(peers) > 0 {
		b.WriteString(" | " + strings.Join(peers, " "))
	}
	if s.Error != "" {
		b.WriteString(" ! " + s.Error)
	}
	return b.String()
}
