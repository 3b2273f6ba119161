// Package speaking judges which participants are currently talking.
package speaking

import (
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Set holds the ids judged vocally active. It is replaced wholesale on
// every change; never mutate it.
type Set map[domain.PlayerID]struct{}

func (s Set) Has(id domain.PlayerID) bool {
	_, ok := s[id]
	return ok
}

type Config struct {
	Threshold float64       `mapstructure:"speaking_threshold"`
	Interval  time.Duration `mapstructure:"speaking_interval"`
}

func DefaultConfig() Config {
	return Config{Threshold: 20, Interval: 16 * time.Millisecond}
}

// Detector samples one Analyser per participant at a fixed cadence.
type Detector struct {
	cfg   Config
	clock clock.Clock

	mu        sync.Mutex
	analysers map[domain.PlayerID]*Analyser
	set       Set
	ticker    *clock.Ticker
	done      chan struct{}
	onChange  func(Set)
}

func NewDetector(cfg Config, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{
		cfg:       cfg,
		clock:     clk,
		analysers: make(map[domain.PlayerID]*Analyser),
		set:       Set{},
	}
}

// OnChange registers fn to receive every new Set.
func (d *Detector) OnChange(fn func(Set)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Observe returns the analyser of id, creating it on first use.
func (d *Detector) Observe(id domain.PlayerID) *Analyser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.analysers[id]; ok {
		return a
	}
	a := NewAnalyser(d.clock)
	d.analysers[id] = a
	log.Debug().Str("module", "speaking").Stringer("player", id).Msg("observing")
	return a
}

// Forget stops detection for id and releases its analyser.
func (d *Detector) Forget(id domain.PlayerID) {
	d.mu.Lock()
	a, ok := d.analysers[id]
	if ok {
		delete(d.analysers, id)
		a.Close()
	}
	var next Set
	if d.set.Has(id) {
		next = maps.Clone(d.set)
		delete(next, id)
		d.set = next
	}
	fn := d.onChange
	d.mu.Unlock()
	if next != nil && fn != nil {
		fn(next)
	}
}

func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		return
	}
	d.ticker = d.clock.Ticker(d.cfg.Interval)
	d.done = make(chan struct{})
	go d.loop(d.ticker, d.done)
}

func (d *Detector) loop(t *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.C:
			d.Sample()
		}
	}
}

// Stop halts sampling and releases every analyser. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.done)
		d.ticker = nil
	}
	for id, a := range d.analysers {
		a.Close()
		delete(d.analysers, id)
	}
	changed := len(d.set) > 0
	d.set = Set{}
	fn := d.onChange
	d.mu.Unlock()
	if changed && fn != nil {
		fn(Set{})
	}
}

// Sample recomputes the set from every analyser.
func (d *Detector) Sample() {
	d.mu.Lock()
	analysers := maps.Clone(d.analysers)
	d.mu.Unlock()

	next := Set{}
	for id, a := range analysers {
		if a.Level() > d.cfg.Threshold {
			next[id] = struct{}{}
		}
	}

	d.mu.Lock()
	// Drop ids forgotten while sampling.
	for id := range next {
		if _, ok := d.analysers[id]; !ok {
			delete(next, id)
		}
	}
	if maps.Equal(next, d.set) {
		d.mu.Unlock()
		return
	}
	d.set = next
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn(next)
	}
}

// Set returns the current speaking set.
func (d *Detector) Set() Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set
}
