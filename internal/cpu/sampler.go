package cpu

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSampleUnavailable = errors.New("cpu: sample unavailable")
	ErrNoCores           = errors.New("cpu: source reported no cores")
)

// Sampler turns successive counter snapshots into a busy percentage.
// It is not safe for concurrent use; the Gauge owns it.
type Sampler struct {
	src    Source
	last   Times
	primed bool
}

func NewSampler(src Source) *Sampler {
	return &Sampler{src: src}
}

// Sample reads the source and returns busy% since the previous snapshot.
// The first successful call only records a baseline and reports ok=false.
// On error the previous snapshot is kept.
func (s *Sampler) Sample(ctx context.Context) (pct float64, ok bool, err error) {
	cores, err := s.src.Times(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrSampleUnavailable, err)
	}
	if len(cores) == 0 {
		return 0, false, fmt.Errorf("%w: %w", ErrSampleUnavailable, ErrNoCores)
	}

	now := merge(cores)
	if !s.primed {
		s.last, s.primed = now, true
		return 0, false, nil
	}
	pct = busyPercent(s.last, now)
	s.last = now
	return pct, true, nil
}

func merge(cores []Times) Times {
	var all Times
	for _, c := range cores {
		all = all.add(c)
	}
	return all
}

func busyPercent(prev, cur Times) float64 {
	if cur.busy() <= prev.busy() {
		return 0
	}
	if cur.total() <= prev.total() {
		return 100
	}
	pct := (cur.busy() - prev.busy()) / (cur.total() - prev.total()) * 100
	return min(100, max(0, pct))
}
