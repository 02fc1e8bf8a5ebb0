// Package window implements a bucketed rolling window counter.
//
// The window is a fixed ring of size buckets, each covering width of time.
// A bucket is addressed by epoch = ts / width and slot = epoch % size; a slot
// written under an older epoch is reset before new samples land in it.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/clock"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidSize  = errors.New("window: size must be positive")
	ErrInvalidWidth = errors.New("window: bucket width must be positive")
)

// Bucket is one time slice of the window.
type Bucket struct {
	Epoch  int64
	Sum    float64
	Count  int64
	Points []float64
}

type slot struct {
	epoch  int64 // -1 while never written
	sum    float64
	count  int64
	points []float64
}

func (s *slot) reset(epoch int64) {
	s.epoch = epoch
	s.sum = 0
	s.count = 0
	s.points = s.points[:0]
}

type Counter struct {
	mu     sync.Mutex
	size   int64
	width  time.Duration
	slots  []slot
	clock  clock.Clock
	read   bool
	readAt int64 // epoch of the last Buckets/Points call
	log    zerolog.Logger
}

type Option func(*Counter)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Counter) { c.log = l }
}

func New(size int, width time.Duration, clk clock.Clock, opts ...Option) (*Counter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if width <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWidth, width)
	}
	if clk == nil {
		clk = clock.New()
	}
	c := &Counter{
		size:  int64(size),
		width: width,
		slots: make([]slot, size),
		clock: clk,
		log:   zerolog.Nop(),
	}
	for i := range c.slots {
		c.slots[i].epoch = -1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Counter) Size() int                  { return int(c.size) }
func (c *Counter) BucketWidth() time.Duration { return c.width }

// Span is the total time covered by the window.
func (c *Counter) Span() time.Duration { return time.Duration(c.size) * c.width }

func (c *Counter) epochOf(ts time.Duration) int64 {
	if ts < 0 {
		ts = 0
	}
	return int64(ts / c.width)
}

// Add records v at the current clock time.
func (c *Counter) Add(v float64) {
	c.AddAt(v, c.clock.Now())
}

// AddAt records v in the bucket owning ts. Samples older than the window,
// or older than the incarnation currently held by their slot, are dropped.
func (c *Counter) AddAt(v float64, ts time.Duration) {
	epoch := c.epochOf(ts)

	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch <= c.epochOf(c.clock.Now())-c.size {
		return
	}
	s := &c.slots[epoch%c.size]
	if s.epoch > epoch {
		return
	}
	if s.epoch != epoch {
		s.reset(epoch)
	}
	s.sum += v
	s.count++
	s.points = append(s.points, v)
}

// Buckets returns exactly Size() buckets, oldest first, the partially filled
// current bucket last. Slots holding a stale incarnation are reported empty.
func (c *Counter) Buckets() []Bucket {
	return c.snapshot(true)
}

// Sums is Buckets without the raw points, so its cost does not grow with the
// number of samples.
func (c *Counter) Sums() []Bucket {
	return c.snapshot(false)
}

func (c *Counter) snapshot(withPoints bool) []Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.markRead()
	out := make([]Bucket, 0, c.size)
	for e := cur - c.size + 1; e <= cur; e++ {
		b := Bucket{Epoch: e}
		if e >= 0 {
			if s := &c.slots[e%c.size]; s.epoch == e {
				b.Sum = s.sum
				b.Count = s.count
				if withPoints {
					b.Points = append([]float64(nil), s.points...)
				}
			}
		}
		out = append(out, b)
	}
	return out
}

// Points returns the per-bucket sums in the same order as Buckets.
func (c *Counter) Points() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.markRead()
	out := make([]float64, 0, c.size)
	for e := cur - c.size + 1; e <= cur; e++ {
		var sum float64
		if e >= 0 {
			if s := &c.slots[e%c.size]; s.epoch == e {
				sum = s.sum
			}
		}
		out = append(out, sum)
	}
	return out
}

// Timespan is the number of bucket rotations since the window was last read.
// Before the first read it reports Size().
func (c *Counter) Timespan() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.read {
		return int(c.size)
	}
	span := c.epochOf(c.clock.Now()) - c.readAt
	if span > c.size {
		span = c.size
	}
	if span < 0 {
		span = 0
	}
	return int(span)
}

func (c *Counter) markRead() int64 {
	cur := c.epochOf(c.clock.Now())
	c.read = true
	c.readAt = cur
	return cur
}

// Purge resets every slot whose incarnation has left the window and drops its
// points so long idle windows do not pin memory. It returns the number of
// slots released.
func (c *Counter) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldest := c.epochOf(c.clock.Now()) - c.size + 1
	var n int
	for i := range c.slots {
		s := &c.slots[i]
		if s.epoch >= 0 && s.epoch < oldest {
			s.epoch = -1
			s.sum = 0
			s.count = 0
			s.points = nil
			n++
		}
	}
	return n
}

// Run purges stale slots every interval until ctx is done.
func (c *Counter) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Purge(); n > 0 {
				c.log.Debug().Int("released", n).Msg("[window] purged stale buckets")
			}
		}
	}
}
