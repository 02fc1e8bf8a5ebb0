// Package cpu provides a smoothed CPU utilisation gauge.
//
// A Gauge samples OS CPU time counters on its own ticker and folds each busy
// percentage into an EWMA. Readers call Load, which never blocks or samples.
package cpu

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultDecay    = 0.95
)

type Gauge struct {
	sampler  *Sampler
	interval time.Duration
	decay    float64
	log      zerolog.Logger

	load atomic.Uint64 // math.Float64bits of the smoothed value

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Gauge)

func WithInterval(d time.Duration) Option {
	return func(g *Gauge) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithDecay sets the weight of the previous smoothed value; must be in [0,1).
func WithDecay(decay float64) Option {
	return func(g *Gauge) {
		if decay >= 0 && decay < 1 {
			g.decay = decay
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gauge) { g.log = l }
}

func NewGauge(src Source, opts ...Option) *Gauge {
	g := &Gauge{
		sampler:  NewSampler(src),
		interval: DefaultInterval,
		decay:    DefaultDecay,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load returns the latest smoothed utilisation in [0,100].
func (g *Gauge) Load() float64 {
	return math.Float64frombits(g.load.Load())
}

func (g *Gauge) Interval() time.Duration { return g.interval }

// Start launches the sampling loop. The first tick happens immediately and
// only records a baseline. Calling Start on a running gauge is a no-op.
func (g *Gauge) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(ctx, g.done)
}

// Stop halts sampling and waits for the loop to exit. The last smoothed value stays readable.
func (g *Gauge) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Gauge) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	g.tick(ctx)

	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.tick(ctx)
		}
	}
}

func (g *Gauge) tick(ctx context.Context) {
	raw, ok, err := g.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Debug().Err(err).Msg("[cpu] sample skipped")
		}
		return
	}
	if !ok {
		return
	}
	smoothed := g.Load()*g.decay + raw*(1-g.decay)
	g.load.Store(math.Float64bits(min(100, max(0, smoothed))))
}
