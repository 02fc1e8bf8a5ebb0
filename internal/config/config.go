package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "BBRGATE_"

const (
	SourceGopsutil = "gopsutil"
	SourceProcfs   = "procfs"
)

type Server struct {
	Addr           string `yaml:"addr" env:"ADDR"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" env:"READ_TIMEOUT_MS"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" env:"IDLE_TIMEOUT_MS"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`             // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path" env:"PROMETHEUS_PATH"` // e.g. "/metrics"
}

type Admission struct {
	WindowMS     int     `yaml:"window_ms" env:"WINDOW_MS"`
	WinBucket    int     `yaml:"win_bucket" env:"WIN_BUCKET"`
	CPUThreshold float64 `yaml:"cpu_threshold" env:"CPU_THRESHOLD"`
	CPUSampleMS  int     `yaml:"cpu_sample_ms" env:"CPU_SAMPLE_MS"`
	CPUDecay     float64 `yaml:"cpu_decay" env:"CPU_DECAY"`
	CPUSource    string  `yaml:"cpu_source" env:"CPU_SOURCE"` // "gopsutil" or "procfs"
	ProcfsMount  string  `yaml:"procfs_mount" env:"PROCFS_MOUNT"`
	JanitorMS    int     `yaml:"janitor_ms" env:"JANITOR_MS"`
}

// RouteAdmission overrides the global admission settings for one route.
// Zero window fields and an absent threshold inherit.
type RouteAdmission struct {
	WindowMS     int      `yaml:"window_ms"`
	WinBucket    int      `yaml:"win_bucket"`
	CPUThreshold *float64 `yaml:"cpu_threshold"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Admission RouteAdmission `yaml:"admission"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Admission     Admission     `yaml:"admission"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (a Admission) SampleInterval() time.Duration {
	return time.Duration(a.CPUSampleMS) * time.Millisecond
}

func (a Admission) JanitorInterval() time.Duration {
	return time.Duration(a.JanitorMS) * time.Millisecond
}

// Limiter returns the global limiter configuration.
func (a Admission) Limiter() bbr.Config {
	return bbr.Config{
		Window:       time.Duration(a.WindowMS) * time.Millisecond,
		WinBucket:    a.WinBucket,
		CPUThreshold: a.CPUThreshold,
	}
}

// LimiterFor merges a route override on top of the global settings.
func (a Admission) LimiterFor(r RouteAdmission) bbr.Config {
	cfg := a.Limiter()
	if r.WindowMS > 0 {
		cfg.Window = time.Duration(r.WindowMS) * time.Millisecond
	}
	if r.WinBucket > 0 {
		cfg.WinBucket = r.WinBucket
	}
	if r.CPUThreshold != nil {
		cfg.CPUThreshold = *r.CPUThreshold
	}
	return cfg
}

func (r Routes) Timeout() time.Duration {
	return time.Duration(r.Upstream.TimeoutMS) * time.Millisecond
}

// Load reads the yaml file at path, applies BBRGATE_* environment overrides,
// fills defaults and validates the result.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Seeded before decoding so an explicit cpu_threshold: 0 survives.
	cfg := Root{Admission: Admission{CPUThreshold: bbr.DefaultConfig().CPUThreshold}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml from %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyEnv() error {
	opts := env.Options{Prefix: EnvPrefix}
	for _, target := range []any{&c.Server, &c.Observability, &c.Admission} {
		if err := env.ParseWithOptions(target, opts); err != nil {
			return fmt.Errorf("parse env overrides: %w", err)
		}
	}
	return nil
}

func (c *Root) applyDefaults() {
	for i := range c.Routes {
		if c.Routes[i].Upstream.TimeoutMS <= 0 {
			c.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}

	def := bbr.DefaultConfig()
	a := &c.Admission
	if a.WindowMS <= 0 {
		a.WindowMS = int(def.Window / time.Millisecond)
	}
	if a.WinBucket <= 0 {
		a.WinBucket = def.WinBucket
	}
	if a.CPUSampleMS <= 0 {
		a.CPUSampleMS = 500
	}
	if a.CPUDecay <= 0 {
		a.CPUDecay = 0.95
	}
	if a.CPUSource == "" {
		a.CPUSource = SourceGopsutil
	}
	a.CPUSource = strings.ToLower(a.CPUSource)
	if a.ProcfsMount == "" {
		a.ProcfsMount = "/proc"
	}
	if a.JanitorMS <= 0 {
		a.JanitorMS = 5000
	}
}

func (c *Root) validate() error {
	var errs []error
	if err := c.Admission.Limiter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("admission: %w", err))
	}
	if c.Admission.CPUDecay >= 1 {
		errs = append(errs, fmt.Errorf("admission: cpu_decay must be below 1, got %v", c.Admission.CPUDecay))
	}
	switch c.Admission.CPUSource {
	case SourceGopsutil, SourceProcfs:
	default:
		errs = append(errs, fmt.Errorf("admission: unknown cpu_source %q", c.Admission.CPUSource))
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for _, r := range c.Routes {
		if r.ID == "" {
			errs = append(errs, errors.New("route: missing id"))
			continue
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, fmt.Errorf("route %s: duplicate id", r.ID))
		}
		seen[r.ID] = struct{}{}
		if r.Upstream.URL == "" {
			errs = append(errs, fmt.Errorf("route %s: missing upstream url", r.ID))
		}
		if err := c.Admission.LimiterFor(r.Admission).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}
