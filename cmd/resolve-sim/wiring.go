package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/resolve-sim/internal/config"
	"github.com/miradorstack/resolve-sim/internal/lock"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/topology"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

type assets struct {
	cfg     *config.Config
	logger  *slog.Logger
	topo    *topology.Topology
	catalog *scenario.Catalog
}

func loadAssets() (*assets, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	topo, err := loadTopology(cfg.Simulation.TopologyPath)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg.Simulation.CatalogPath)
	if err != nil {
		return nil, err
	}
	if err := catalog.CheckTopology(topo); err != nil {
		return nil, err
	}
	return &assets{cfg: cfg, logger: logger, topo: topo, catalog: catalog}, nil
}

func loadTopology(path string) (*topology.Topology, error) {
	if path == "" {
		return topology.Default()
	}
	return topology.LoadFile(path)
}

func loadCatalog(path string) (*scenario.Catalog, error) {
	if path == "" {
		return scenario.DefaultCatalog()
	}
	return scenario.LoadCatalog(path)
}

// buildSink opens the configured store. Every store except memory is
// wrapped in the retrying sink.
func buildSink(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	var (
		s   sink.Sink
		err error
	)
	switch cfg.Kind {
	case config.SinkMemory:
		return sink.NewMemorySink(), nil
	case config.SinkFile:
		s, err = sink.NewFileSink(cfg.Dir, cfg.IndexPrefix)
	case config.SinkElasticsearch:
		s = sink.NewElasticsearchSink(sink.ElasticsearchConfig{
			URL:         cfg.Elasticsearch.URL,
			Username:    cfg.Elasticsearch.Username,
			Password:    cfg.Elasticsearch.Password,
			APIKey:      cfg.Elasticsearch.APIKey,
			IndexPrefix: cfg.IndexPrefix,
			Timeout:     cfg.Elasticsearch.Timeout,
		})
	case config.SinkS3:
		s, err = sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			IndexPrefix:     cfg.IndexPrefix,
		})
	case config.SinkPostgres:
		s, err = sink.NewPostgresSink(ctx, cfg.Postgres.DSN, cfg.IndexPrefix)
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", cfg.Kind, err)
	}

	policy := sink.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		policy.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		policy.MaxDelay = cfg.Retry.MaxDelay
	}
	return sink.NewRetryingSink(s, policy, logger), nil
}

func buildLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, error) {
	if !cfg.Enabled {
		return lock.NewMemoryLocker(), nil
	}
	l, err := lock.NewValkeyLocker(ctx, lock.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("scenario lease enabled", slog.String("addr", cfg.Addr), slog.String("key", cfg.Key))
	return l, nil
}
