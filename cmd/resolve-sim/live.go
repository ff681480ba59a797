package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/resolve-sim/internal/api"
	"github.com/miradorstack/resolve-sim/internal/config"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/metrics"
	"github.com/miradorstack/resolve-sim/internal/playback"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

func newLiveCmd() *cobra.Command {
	var (
		activate string
		origin   string
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Stream signals in wall-clock time and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(activate, origin)
		},
	}
	cmd.Flags().StringVar(&activate, "activate", "", "Scenario kind to activate on the first step")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin service for --activate (defaults to the catalog origin)")
	return cmd
}

func runLive(activate, origin string) error {
	rt, err := loadAssets()
	if err != nil {
		return err
	}
	cfg := rt.cfg
	logger := rt.logger
	logger.Info("starting resolve-sim live",
		slog.String("grpc", cfg.Server.Address),
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("sink", cfg.Sink.Kind),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := buildSink(ctx, cfg.Sink, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("close sink", slog.Any("error", err))
		}
	}()

	var deadLetter sink.Sink
	if cfg.Sink.DeadLetterDir != "" && cfg.Sink.Kind != config.SinkFile {
		fs, err := sink.NewFileSink(cfg.Sink.DeadLetterDir, cfg.Sink.IndexPrefix)
		if err != nil {
			return err
		}
		defer func() {
			if err := fs.Close(); err != nil {
				logger.Warn("close dead-letter sink", slog.Any("error", err))
			}
		}()
		deadLetter = fs
	}

	locker, err := buildLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	pipeline := engine.NewPipeline(logger, rt.topo, rt.catalog, engine.Options{
		Seed:        cfg.Simulation.Seed,
		Step:        cfg.Simulation.Step,
		TimingScale: cfg.Simulation.TimingScale,
	})
	var start time.Time
	if cfg.Simulation.BaseTime != "" {
		if start, err = utils.ParseBaseTime(cfg.Simulation.BaseTime); err != nil {
			return err
		}
	}
	live, err := playback.NewLive(logger, pipeline, out, locker, playback.LiveConfig{
		Step:       cfg.Simulation.Step,
		Interval:   cfg.Simulation.Interval,
		Start:      start,
		LockKey:    cfg.Lock.Key,
		LockTTL:    cfg.Lock.TTL,
		DeadLetter: deadLetter,
	})
	if err != nil {
		return err
	}

	if activate != "" {
		st, outcome, err := live.Activate(ctx, scenario.Kind(activate), origin)
		if err != nil {
			return err
		}
		logger.Info("initial activation", slog.String("outcome", string(outcome)), slog.String("correlation_id", st.ActivationID))
	}

	server, err := api.NewServer(cfg.Server, api.NewControlService(logger, live))
	if err != nil {
		return err
	}
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           api.NewHTTPHandler(live),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("control HTTP listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control HTTP exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	runErr := live.Run(ctx)
	logger.Info("live playback finished, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	for _, srv := range []*http.Server{httpServer, metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}
	logger.Info("resolve-sim stopped")
	return runErr
}
