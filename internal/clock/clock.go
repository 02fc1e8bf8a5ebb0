package clock

import (
	"sync"
	"time"
)

// Clock reports monotonic time as the duration elapsed since the clock's epoch.
type Clock interface {
	Now() time.Duration
}

type monotonic struct {
	start time.Time
}

// New returns a Clock whose epoch is the moment of the call.
// time.Since reads the monotonic reading of start, so wall clock jumps do not leak in.
func New() Clock {
	return &monotonic{start: time.Now()}
}

func (m *monotonic) Now() time.Duration {
	return time.Since(m.start)
}

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Duration
}

func NewFake(at time.Duration) *Fake {
	return &Fake{now: at}
}

func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	f.mu.Unlock()
}

func (f *Fake) Set(at time.Duration) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}
