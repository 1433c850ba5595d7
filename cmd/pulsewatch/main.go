package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pulsewatch/pulsewatch/internal/anomaly"
	"github.com/pulsewatch/pulsewatch/internal/api"
	"github.com/pulsewatch/pulsewatch/internal/auth"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/dependency"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/narrative"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/predictive"
	"github.com/pulsewatch/pulsewatch/internal/prober"
	"github.com/pulsewatch/pulsewatch/internal/regression"
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single probe cycle, print metrics and exit")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("pulsewatch starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging, &level)

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Backend,
		"endpoints", len(cfg.Endpoints),
		"auth_mode", cfg.Server.Auth.Mode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, *once, &level); err != nil {
		slog.Error("pulsewatch stopped", "err", err)
		os.Exit(1)
	}
}

// setupLogging swaps the handler when the config asks for text output and
// applies the configured level.
func setupLogging(lc config.LoggingConfig, level *slog.LevelVar) {
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		slog.Warn("unknown log level, using info", "level", lc.Level)
		level.Set(slog.LevelInfo)
	}
	if !lc.JSON {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	}
}

func openStore(sc config.StorageConfig) (store.Store, error) {
	switch sc.Backend {
	case "sqlite":
		return store.NewSQLite(sc.Path, sc.CheckRetention)
	default:
		return store.NewMemory(sc.CheckRetention), nil
	}
}

func newGenerator(nc config.NarrativeConfig) narrative.Generator {
	url := nc.URL()
	if url == "" {
		return narrative.Template{}
	}
	slog.Info("narratives from remote generator", "model", nc.Model, "rate_per_minute", nc.RatePerMinute)
	return narrative.NewHTTPGenerator(narrative.HTTPConfig{
		URL:           url,
		APIKey:        nc.APIKey(),
		Model:         nc.Model,
		Timeout:       nc.Timeout,
		RatePerMinute: nc.RatePerMinute,
	})
}

func newDispatcher(nc config.NotificationsConfig, hub *notify.Hub) *notify.Dispatcher {
	targets := make([]notify.WebhookTarget, 0, len(nc.Webhooks))
	for _, w := range nc.Webhooks {
		targets = append(targets, notify.WebhookTarget{Type: w.Type, URL: w.URL()})
	}
	d := notify.NewDispatcher(notify.LogSink{}, hub, notify.NewWebhookSink(targets))
	if nc.Email.Enabled() {
		m := notify.NewSMTPMailer(nc.Email.SMTPAddr, nc.Email.From, nc.Email.Username, nc.Email.Password())
		d.WithMailer(m, nc.Email.Recipient)
		slog.Info("email alerts enabled", "smtp", nc.Email.SMTPAddr)
	}
	return d
}

func run(ctx context.Context, cfg *config.Config, configPath string, once bool, level *slog.LevelVar) error {
	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := notify.NewHub()
	dispatcher := newDispatcher(cfg.Notifications, hub)
	defer dispatcher.Wait()
	gen := newGenerator(cfg.Narrative)

	deps := dependency.New(st)
	if err := seedEndpoints(ctx, st, cfg.Endpoints); err != nil {
		return err
	}
	seedDependencies(ctx, deps, cfg.Dependencies)

	probe := prober.New(prober.Config{
		DefaultTimeout:     cfg.Prober.DefaultTimeout,
		MaxTimeout:         cfg.Prober.MaxTimeout,
		Retries:            cfg.Prober.Retries,
		RetryDelay:         cfg.Prober.RetryDelay,
		MaxBodyBytes:       cfg.Prober.MaxBodyBytes,
		UserAgent:          cfg.Prober.UserAgent,
		InsecureSkipVerify: cfg.Prober.InsecureSkipVerify,
	}, st)

	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Prober:     probe,
		Anomaly:    anomaly.New(st, gen, dispatcher, dispatcher),
		Regression: regression.New(st, gen, dispatcher),
		Predictive: predictive.New(st, dispatcher),
	}, scheduler.Config{
		Interval:             cfg.Scheduler.TickInterval,
		StaleAfter:           cfg.Scheduler.StaleLockTimeout,
		BatchSize:            cfg.Scheduler.BatchSize,
		HistorySize:          cfg.Scheduler.HistoryLimit,
		MinRegressionHistory: cfg.Scheduler.MinRegressionHistory,
	})

	if once {
		rep := sched.RunCycle(ctx)
		slog.Info("cycle complete", "due", rep.Due, "probed", rep.Probed, "failed", rep.Failed, "duration", rep.Duration)
		return metrics.WriteText(os.Stdout, reg)
	}

	go dispatcher.Run(ctx)
	go hub.Run(ctx)
	go store.RunRetention(ctx, st, cfg.Storage.EvictInterval)
	go sched.Run(ctx)

	// Hot reload re-syncs endpoint definitions and the log level. Listener
	// and storage settings need a restart.
	go func() {
		if err := config.Watch(ctx, configPath, func(updated *config.Config) {
			setupLogging(updated.Logging, level)
			if err := seedEndpoints(ctx, st, updated.Endpoints); err != nil {
				slog.Error("endpoint re-sync failed", "err", err)
			}
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	guard := auth.New(cfg.Server.Auth.Mode, cfg.Server.Auth.EffectiveHeader(), cfg.Server.Auth.Key(),
		"/healthz", "/api/v1/health")

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(guard.UnaryInterceptor()))
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		go func() {
			slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(api.Deps{
		Store:        st,
		Scheduler:    sched,
		Dependencies: deps,
		Gatherer:     reg,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/ws/notifications", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           guard.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort, "auth", guard.Enabled())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("pulsewatch shutting down")
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
