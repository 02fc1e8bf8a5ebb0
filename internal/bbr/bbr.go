// Package bbr is an adaptive admission controller.
//
// A Limiter admits work while the smoothed CPU load is below a threshold.
// Above it, work is shed once in-flight requests exceed the Little's law
// estimate maxPass * minLatency * bucketsPerSecond / 1000, where maxPass is
// the best per-bucket count of successful completions and minLatency the best
// per-bucket average latency in ms, both taken over complete buckets only.
// After shedding starts the concurrency check stays on for one second even if
// CPU drops, so a burst is not readmitted the moment load dips.
package bbr

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/clock"
	"github.com/AlexKimmel/bbrgate/internal/cpu"
	"github.com/AlexKimmel/bbrgate/internal/window"
	"github.com/rs/zerolog"
)

const (
	coolDown       = time.Second
	noDrop         = int64(-1)
	noLatency      = int64(math.MaxInt32) // ms, reported until a complete bucket has samples
	defaultJanitor = 5 * time.Second
)

// CPU supplies the smoothed utilisation in percent.
type CPU interface {
	Load() float64
}

type DoneInfo struct {
	Success bool
	// Elapsed, when positive, replaces the latency measured since Allow.
	Elapsed time.Duration
}

// DoneFunc must be called exactly once for every admitted request.
// Extra calls are ignored.
type DoneFunc func(DoneInfo)

type Stat struct {
	CPU         float64 `json:"cpu"`
	InFlight    int64   `json:"in_flight"`
	MinLatency  int64   `json:"min_latency_ms"`
	MaxPass     int64   `json:"max_pass"`
	MaxInFlight int64   `json:"max_in_flight"`
	Cooling     bool    `json:"cooling"`
}

type options struct {
	clock     clock.Clock
	cpu       CPU
	log       zerolog.Logger
	janitor   time.Duration
	gaugeOpts []cpu.Option
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCPU shares an externally managed gauge. The limiter will not stop it.
func WithCPU(c CPU) Option {
	return func(o *options) { o.cpu = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithJanitor sets how often stale window buckets are purged. Zero disables it.
func WithJanitor(every time.Duration) Option {
	return func(o *options) { o.janitor = every }
}

// WithGaugeOptions configures the gauge the limiter creates when no CPU is supplied.
func WithGaugeOptions(opts ...cpu.Option) Option {
	return func(o *options) { o.gaugeOpts = append(o.gaugeOpts, opts...) }
}

type Limiter struct {
	cfg   Config
	clock clock.Clock
	cpu   CPU
	gauge *cpu.Gauge // non-nil only when owned
	log   zerolog.Logger

	passStat      *window.Counter
	rtStat        *window.Counter
	bucketsPerSec float64

	inFlight    atomic.Int64
	prevDrop    atomic.Int64 // clock reading of the first drop in the episode, or noDrop
	prevDropHit atomic.Bool
	rawMaxPass  atomic.Int64
	rawMinRt    atomic.Int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		log:     zerolog.Nop(),
		janitor: defaultJanitor,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	width := cfg.BucketWidth()
	passStat, err := window.New(cfg.WinBucket, width, o.clock, window.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	rtStat, err := window.New(cfg.WinBucket, width, o.clock, window.WithLogger(o.log))
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:           cfg,
		clock:         o.clock,
		cpu:           o.cpu,
		log:           o.log,
		passStat:      passStat,
		rtStat:        rtStat,
		bucketsPerSec: float64(time.Second) / float64(width),
	}
	l.prevDrop.Store(noDrop)

	if l.cpu == nil {
		l.gauge = cpu.NewGauge(cpu.NewPsutilSource(), append([]cpu.Option{cpu.WithLogger(o.log)}, o.gaugeOpts...)...)
		l.gauge.Start()
		l.cpu = l.gauge
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if o.janitor > 0 {
		for _, c := range []*window.Counter{passStat, rtStat} {
			l.wg.Add(1)
			go func(c *window.Counter) {
				defer l.wg.Done()
				c.Run(ctx, o.janitor)
			}(c)
		}
	}
	return l, nil
}

func (l *Limiter) Config() Config { return l.cfg }

// Allow admits one unit of work or returns ErrLimitExceed.
func (l *Limiter) Allow() (DoneFunc, error) {
	if l.shouldDrop() {
		return nil, ErrLimitExceed
	}

	l.inFlight.Add(1)
	start := l.clock.Now()
	var done atomic.Bool
	return func(info DoneInfo) {
		if !done.CompareAndSwap(false, true) {
			return
		}
		rt := info.Elapsed
		if rt <= 0 {
			rt = l.clock.Now() - start
		}
		l.rtStat.Add(float64(rt) / float64(time.Millisecond))
		l.inFlight.Add(-1)
		if info.Success {
			l.passStat.Add(1)
		}
	}, nil
}

func (l *Limiter) Stat() Stat {
	return Stat{
		CPU:         l.cpu.Load(),
		InFlight:    l.inFlight.Load(),
		MinLatency:  l.minLatency(),
		MaxPass:     l.maxPass(),
		MaxInFlight: l.maxFlight(),
		Cooling:     l.prevDropHit.Load(),
	}
}

// Close stops the window housekeeping and the owned CPU gauge, if any.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		if l.gauge != nil {
			l.gauge.Stop()
		}
	})
	return nil
}

func (l *Limiter) shouldDrop() bool {
	now := l.clock.Now()

	if l.cpu.Load() < l.cfg.CPUThreshold {
		prev := l.prevDrop.Load()
		if prev == noDrop {
			return false
		}
		if now-time.Duration(prev) <= coolDown {
			l.prevDropHit.Store(true)
			return l.overloaded()
		}
		if l.prevDrop.CompareAndSwap(prev, noDrop) {
			l.prevDropHit.Store(false)
			l.log.Info().Dur("episode", now-time.Duration(prev)).Msg("[bbr] shedding stopped")
		}
		return false
	}

	drop := l.overloaded()
	if drop && l.prevDrop.CompareAndSwap(noDrop, int64(now)) {
		l.log.Warn().
			Float64("cpu", l.cpu.Load()).
			Int64("in_flight", l.inFlight.Load()).
			Int64("max_in_flight", l.maxFlight()).
			Msg("[bbr] shedding started")
	}
	return drop
}

func (l *Limiter) overloaded() bool {
	inFlight := l.inFlight.Load()
	return inFlight > 1 && inFlight > l.maxFlight()
}

func (l *Limiter) maxFlight() int64 {
	return littlesLaw(l.maxPass(), l.minLatency(), l.bucketsPerSec)
}

// littlesLaw rounds passPerBucket * latencyMs * bucketsPerSec / 1000 to the nearest integer.
func littlesLaw(passPerBucket, latencyMs int64, bucketsPerSec float64) int64 {
	v := math.Floor(float64(passPerBucket)*float64(latencyMs)*bucketsPerSec/1000 + 0.5)
	if v >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(v)
}

// maxPass is the highest count of successful completions in a complete bucket, at least 1.
func (l *Limiter) maxPass() int64 {
	if raw := l.rawMaxPass.Load(); raw > 0 && l.passStat.Timespan() < 1 {
		return raw
	}

	points := l.passStat.Points()
	points = points[:len(points)-1] // current bucket is still filling

	raw := int64(1)
	for _, p := range points {
		raw = max(raw, int64(p))
	}
	l.rawMaxPass.Store(raw)
	return raw
}

// minLatency is the lowest per-bucket average latency over complete buckets,
// ceiling-rounded to ms and at least 1.
func (l *Limiter) minLatency() int64 {
	if raw := l.rawMinRt.Load(); raw > 0 && l.rtStat.Timespan() < 1 {
		return raw
	}

	buckets := l.rtStat.Sums()
	buckets = buckets[:len(buckets)-1]

	best := math.MaxFloat64
	for _, b := range buckets {
		if b.Count == 0 {
			continue
		}
		best = math.Min(best, b.Sum/float64(b.Count))
	}

	var raw int64
	switch {
	case best == math.MaxFloat64:
		raw = noLatency
	case best <= 0:
		raw = 1
	default:
		raw = min(int64(math.Ceil(best)), noLatency)
	}
	l.rawMinRt.Store(raw)
	return raw
}
