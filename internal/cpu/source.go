package cpu

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
	gcpu "github.com/shirou/gopsutil/v4/cpu"
)

// Times holds cumulative CPU time counters in seconds.
type Times struct {
	User   float64
	Nice   float64
	System float64
	Idle   float64
	IRQ    float64
}

func (t Times) busy() float64  { return t.User + t.Nice + t.System + t.IRQ }
func (t Times) total() float64 { return t.busy() + t.Idle }

func (t Times) add(o Times) Times {
	return Times{
		User:   t.User + o.User,
		Nice:   t.Nice + o.Nice,
		System: t.System + o.System,
		Idle:   t.Idle + o.Idle,
		IRQ:    t.IRQ + o.IRQ,
	}
}

// Source reads per-core CPU time counters from the OS.
type Source interface {
	Times(ctx context.Context) ([]Times, error)
}

type psutilSource struct{}

// NewPsutilSource reads counters through gopsutil, which works on every
// platform gopsutil supports.
func NewPsutilSource() Source { return psutilSource{} }

func (psutilSource) Times(ctx context.Context) ([]Times, error) {
	stats, err := gcpu.TimesWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]Times, 0, len(stats))
	for _, s := range stats {
		out = append(out, Times{
			User:   s.User,
			Nice:   s.Nice,
			System: s.System,
			Idle:   s.Idle,
			IRQ:    s.Irq + s.Softirq,
		})
	}
	return out, nil
}

type procfsSource struct {
	fs procfs.FS
}

// NewProcfsSource reads /proc/stat below mount (usually "/proc"). Linux only.
func NewProcfsSource(mount string) (Source, error) {
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mount, err)
	}
	return procfsSource{fs: fs}, nil
}

func (p procfsSource) Times(_ context.Context) ([]Times, error) {
	st, err := p.fs.Stat()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(st.CPU))
	for id := range st.CPU {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Times, 0, len(ids))
	for _, id := range ids {
		c := st.CPU[id]
		out = append(out, Times{
			User:   c.User,
			Nice:   c.Nice,
			System: c.System,
			Idle:   c.Idle,
			IRQ:    c.IRQ + c.SoftIRQ,
		})
	}
	return out, nil
}
