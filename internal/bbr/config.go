package bbr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLimitExceed is returned by Allow when the request must be shed.
	ErrLimitExceed   = errors.New("bbr: limit exceeded")
	ErrInvalidConfig = errors.New("bbr: invalid config")
)

type Config struct {
	Window       time.Duration // span of the statistics window
	WinBucket    int           // buckets per window
	CPUThreshold float64       // smoothed CPU % at which shedding starts, 0..100
}

func DefaultConfig() Config {
	return Config{
		Window:       5 * time.Second,
		WinBucket:    50,
		CPUThreshold: 80,
	}
}

func (c Config) BucketWidth() time.Duration {
	if c.WinBucket <= 0 {
		return 0
	}
	return c.Window / time.Duration(c.WinBucket)
}

func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	case c.WinBucket <= 0:
		return fmt.Errorf("%w: win_bucket must be positive, got %d", ErrInvalidConfig, c.WinBucket)
	case c.BucketWidth() < time.Millisecond:
		return fmt.Errorf("%w: bucket width %s is below 1ms", ErrInvalidConfig, c.BucketWidth())
	case c.CPUThreshold < 0 || c.CPUThreshold > 100:
		return fmt.Errorf("%w: cpu_threshold must be within [0,100], got %v", ErrInvalidConfig, c.CPUThreshold)
	}
	return nil
}
