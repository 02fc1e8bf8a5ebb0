package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/AlexKimmel/bbrgate/internal/config"
	"github.com/AlexKimmel/bbrgate/internal/cpu"
	"github.com/AlexKimmel/bbrgate/internal/gateway"
	"github.com/AlexKimmel/bbrgate/internal/group"
	"github.com/AlexKimmel/bbrgate/internal/obs"
	"github.com/AlexKimmel/bbrgate/internal/proxy"
	"github.com/AlexKimmel/bbrgate/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.uber.org/automaxprocs/maxprocs"
)

const version = "v0.1.0"

func main() {
	path := flag.String("config", "./config.yaml", "path to the yaml config")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "bbrgate: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	if _, err := maxprocs.Set(maxprocs.Logger(func(f string, a ...any) {
		logger.Info().Msgf("[main] "+f, a...)
	})); err != nil {
		logger.Warn().Err(err).Msg("[main] set GOMAXPROCS")
	}

	src, err := cpuSource(cfg.Admission)
	if err != nil {
		return err
	}
	gauge := cpu.NewGauge(src,
		cpu.WithInterval(cfg.Admission.SampleInterval()),
		cpu.WithDecay(cfg.Admission.CPUDecay),
		cpu.WithLogger(logger),
	)
	gauge.Start()
	defer gauge.Stop()

	rr, err := routing.FromConfig(cfg)
	if err != nil {
		return err
	}

	limiters := group.New(func(routeID string) (*bbr.Limiter, error) {
		lc := cfg.Admission.Limiter()
		if rt, ok := rr.ByID(routeID); ok {
			lc = rt.Admission
		}
		return bbr.New(lc,
			bbr.WithCPU(gauge),
			bbr.WithJanitor(cfg.Admission.JanitorInterval()),
			bbr.WithLogger(logger.With().Str("route", routeID).Logger()),
		)
	}, group.WithRelease(func(l *bbr.Limiter) { _ = l.Close() }))
	defer limiters.Reset()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		obs.NewAdmissionCollector(limiters),
	)
	metrics := obs.NewMetrics(reg)

	skip := map[string]struct{}{
		"/health":                         {},
		"/version":                        {},
		"/stats":                          {},
		cfg.Observability.PrometheusPath: {},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.HandleFunc("/stats", statsHandler(limiters))
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", proxy.New(rr, proxy.NewHTTPTransport(), proxy.WithErrorHook(metrics.OnUpstreamError)))

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(rr, skip),
		metrics.Middleware(skip),
		gateway.Admission(func(routeID string) (gateway.Admitter, error) {
			return limiters.Get(routeID)
		}, skip, metrics.OnRejected),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Int("routes", len(rr.Routes())).
			Str("cpu_source", cfg.Admission.CPUSource).
			Msg("[main] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("[main] graceful shutdown failed")
	}
	logger.Info().Msg("[main] bye")
	return nil
}

func cpuSource(a config.Admission) (cpu.Source, error) {
	if a.CPUSource == config.SourceProcfs {
		return cpu.NewProcfsSource(a.ProcfsMount)
	}
	return cpu.NewPsutilSource(), nil
}

func statsHandler(limiters *group.Group[*bbr.Limiter]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]bbr.Stat, limiters.Len())
		limiters.Range(func(route string, l *bbr.Limiter) bool {
			out[route] = l.Stat()
			return true
		})
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("[main] encode stats")
		}
	}
}
