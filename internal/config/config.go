package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/resolve-sim/internal/utils"
)

// Config captures every setting needed to run the simulator.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Simulation SimulationConfig `yaml:"simulation"`
	Sink       SinkConfig       `yaml:"sink"`
	Lock       LockConfig       `yaml:"lock"`
}

// ServerConfig controls the control-plane listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SimulationConfig shapes the generated timeline.
type SimulationConfig struct {
	Seed int64         `yaml:"seed"`
	Step time.Duration `yaml:"step"`
	// Window is the batch length.
	Window time.Duration `yaml:"window"`
	// BaseTime anchors batch mode. Empty means the current hour.
	BaseTime string `yaml:"baseTime"`
	// Interval paces live mode in wall-clock time. Zero means Step.
	Interval     time.Duration `yaml:"interval"`
	TimingScale  float64       `yaml:"timingScale"`
	TopologyPath string        `yaml:"topologyPath"`
	CatalogPath  string        `yaml:"catalogPath"`
	History      bool          `yaml:"history"`
}

// SinkConfig selects and configures the document store.
type SinkConfig struct {
	Kind        string `yaml:"kind"`
	IndexPrefix string `yaml:"indexPrefix"`
	Dir         string `yaml:"dir"`
	// DeadLetterDir receives bulk files of documents the live sink refused
	// after retries. Empty keeps them in memory instead.
	DeadLetterDir string              `yaml:"deadLetterDir"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	S3            S3Config            `yaml:"s3"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Retry         RetryConfig         `yaml:"retry"`
}

// ElasticsearchConfig points at a cluster accepting _bulk.
type ElasticsearchConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// S3Config locates the archive bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// PostgresConfig holds the DSN of the append table.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RetryConfig bounds sink retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// LockConfig controls the Valkey-backed activation lease shared by
// simulators writing to one sink.
type LockConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Sink kinds.
const (
	SinkMemory        = "memory"
	SinkFile          = "file"
	SinkElasticsearch = "elasticsearch"
	SinkS3            = "s3"
	SinkPostgres      = "postgres"
)

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RESIM_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, utils.NewConfigurationError(path, "parse config", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the simulator cannot run with.
func (c *Config) Validate() error {
	if c.Simulation.Step <= 0 {
		return utils.NewConfigurationError("simulation.step", "must be positive", nil)
	}
	if c.Simulation.Window < c.Simulation.Step {
		return utils.NewConfigurationError("simulation.window", "must cover at least one step", nil)
	}
	if c.Simulation.TimingScale < 0 {
		return utils.NewConfigurationError("simulation.timingScale", "must not be negative", nil)
	}
	if c.Simulation.BaseTime != "" {
		if _, err := utils.ParseBaseTime(c.Simulation.BaseTime); err != nil {
			return utils.NewConfigurationError("simulation.baseTime", "unparseable", err)
		}
	}
	switch c.Sink.Kind {
	case SinkMemory:
	case SinkFile:
		if c.Sink.Dir == "" {
			return utils.NewConfigurationError("sink.dir", "required for file sink", nil)
		}
	case SinkElasticsearch:
		if c.Sink.Elasticsearch.URL == "" {
			return utils.NewConfigurationError("sink.elasticsearch.url", "required for elasticsearch sink", nil)
		}
	case SinkS3:
		if c.Sink.S3.Bucket == "" {
			return utils.NewConfigurationError("sink.s3.bucket", "required for s3 sink", nil)
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			return utils.NewConfigurationError("sink.postgres.dsn", "required for postgres sink", nil)
		}
	default:
		return utils.NewConfigurationError("sink.kind", fmt.Sprintf("unknown sink %q", c.Sink.Kind), nil)
	}
	if c.Lock.Enabled && c.Lock.Addr == "" {
		return utils.NewConfigurationError("lock.addr", "required when the lock is enabled", nil)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Simulation: SimulationConfig{
			Seed:        42,
			Step:        time.Minute,
			Window:      2 * time.Hour,
			TimingScale: 1,
			History:     true,
		},
		Sink: SinkConfig{
			Kind:          SinkFile,
			IndexPrefix:   "resolve",
			Dir:           "out",
			DeadLetterDir: "dead-letter",
			Elasticsearch: ElasticsearchConfig{
				Timeout: 10 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   25 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
		},
		Lock: LockConfig{
			Enabled:      false,
			Key:          "resolve-sim:scenario",
			TTL:          30 * time.Second,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESIM_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RESIM_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("RESIM_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RESIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RESIM_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RESIM_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Simulation.Seed = seed
		}
	}
	if v := os.Getenv("RESIM_STEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.Step = d
		}
	}
	if v := os.Getenv("RESIM_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.Window = d
		}
	}
	if v := os.Getenv("RESIM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.Interval = d
		}
	}
	if v := os.Getenv("RESIM_BASE_TIME"); v != "" {
		cfg.Simulation.BaseTime = v
	}
	if v := os.Getenv("RESIM_TIMING_SCALE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Simulation.TimingScale = f
		}
	}
	if v := os.Getenv("RESIM_TOPOLOGY_PATH"); v != "" {
		cfg.Simulation.TopologyPath = v
	}
	if v := os.Getenv("RESIM_CATALOG_PATH"); v != "" {
		cfg.Simulation.CatalogPath = v
	}
	if v := os.Getenv("RESIM_HISTORY"); v != "" {
		cfg.Simulation.History = parseBool(v)
	}
	if v := os.Getenv("RESIM_SINK"); v != "" {
		cfg.Sink.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("RESIM_INDEX_PREFIX"); v != "" {
		cfg.Sink.IndexPrefix = v
	}
	if v := os.Getenv("RESIM_OUTPUT_DIR"); v != "" {
		cfg.Sink.Dir = v
	}
	if v, ok := os.LookupEnv("RESIM_DEAD_LETTER_DIR"); ok {
		cfg.Sink.DeadLetterDir = v
	}
	if v := os.Getenv("RESIM_ES_URL"); v != "" {
		cfg.Sink.Elasticsearch.URL = v
	}
	if v := os.Getenv("RESIM_ES_USERNAME"); v != "" {
		cfg.Sink.Elasticsearch.Username = v
	}
	if v := os.Getenv("RESIM_ES_PASSWORD"); v != "" {
		cfg.Sink.Elasticsearch.Password = v
	}
	if v := os.Getenv("RESIM_ES_API_KEY"); v != "" {
		cfg.Sink.Elasticsearch.APIKey = v
	}
	if v := os.Getenv("RESIM_S3_BUCKET"); v != "" {
		cfg.Sink.S3.Bucket = v
	}
	if v := os.Getenv("RESIM_S3_PREFIX"); v != "" {
		cfg.Sink.S3.Prefix = v
	}
	if v := os.Getenv("RESIM_S3_REGION"); v != "" {
		cfg.Sink.S3.Region = v
	}
	if v := os.Getenv("RESIM_S3_ENDPOINT"); v != "" {
		cfg.Sink.S3.Endpoint = v
	}
	if v := os.Getenv("RESIM_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Sink.S3.AccessKeyID = v
	}
	if v := os.Getenv("RESIM_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Sink.S3.SecretAccessKey = v
	}
	if v := os.Getenv("RESIM_POSTGRES_DSN"); v != "" {
		cfg.Sink.Postgres.DSN = v
	}
	if v := os.Getenv("RESIM_SINK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sink.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("RESIM_LOCK_ENABLED"); v != "" {
		cfg.Lock.Enabled = parseBool(v)
	}
	if v := os.Getenv("RESIM_LOCK_ADDR"); v != "" {
		cfg.Lock.Addr = v
	}
	if v := os.Getenv("RESIM_LOCK_USERNAME"); v != "" {
		cfg.Lock.Username = v
	}
	if v := os.Getenv("RESIM_LOCK_PASSWORD"); v != "" {
		cfg.Lock.Password = v
	}
	if v := os.Getenv("RESIM_LOCK_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Lock.DB = db
		}
	}
	if v := os.Getenv("RESIM_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.TTL = d
		}
	}
	if v := os.Getenv("RESIM_LOCK_TLS"); parseBool(v) {
		cfg.Lock.TLS = true
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
