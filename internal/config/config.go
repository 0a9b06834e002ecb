// Package config loads chainsync configuration from config.yaml and
// CHAINSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	RPC        RPCConfig        `yaml:"rpc" mapstructure:"rpc"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Writer     WriterConfig     `yaml:"writer" mapstructure:"writer"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// EndpointConfig is one RPC provider.
type EndpointConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	Priority int    `yaml:"priority" mapstructure:"priority"`
}

// BackoffConfig shapes retry delays.
type BackoffConfig struct {
	InitialMs            int     `yaml:"initial_ms" mapstructure:"initial_ms"`
	MaxMs                int     `yaml:"max_ms" mapstructure:"max_ms"`
	RateLimitedInitialMs int     `yaml:"rate_limited_initial_ms" mapstructure:"rate_limited_initial_ms"`
	Multiplier           float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter               float64 `yaml:"jitter" mapstructure:"jitter"`
}

// RPCConfig configures the endpoint pool.
type RPCConfig struct {
	Endpoints          []EndpointConfig `yaml:"endpoints" mapstructure:"endpoints"`
	RequestTimeoutSecs int              `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxRetries         int              `yaml:"max_retries" mapstructure:"max_retries"`
	StaleAfterSecs     int              `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	Commitment         string           `yaml:"commitment" mapstructure:"commitment"`
	Backoff            BackoffConfig    `yaml:"backoff" mapstructure:"backoff"`
}

// BreakerConfig configures every endpoint's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
}

// RateLimitConfig configures the global limiter.
type RateLimitConfig struct {
	Reservoir        int `yaml:"reservoir" mapstructure:"reservoir"`
	RefillIntervalMs int `yaml:"refill_interval_ms" mapstructure:"refill_interval_ms"`
	MaxConcurrent    int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// AccountConfig names a known account type; Discriminator is optional hex.
type AccountConfig struct {
	Name          string `yaml:"name" mapstructure:"name"`
	Discriminator string `yaml:"discriminator" mapstructure:"discriminator"`
}

// DiscoveryConfig configures the account scanner.
type DiscoveryConfig struct {
	ProgramID    string          `yaml:"program_id" mapstructure:"program_id"`
	BatchSize    int             `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs int             `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	MaxJitterMs  int             `yaml:"max_jitter_ms" mapstructure:"max_jitter_ms"`
	MaxAttempts  int             `yaml:"max_attempts" mapstructure:"max_attempts"`
	Accounts     []AccountConfig `yaml:"accounts" mapstructure:"accounts"`
	// AccountsFile is a YAML account table used when Accounts is empty.
	AccountsFile string `yaml:"accounts_file" mapstructure:"accounts_file"`
	// ScanIntervalSecs repeats the scan under "run"; 0 disables it.
	ScanIntervalSecs int `yaml:"scan_interval_secs" mapstructure:"scan_interval_secs"`
}

// EnrichmentConfig configures the reconciliation worker.
type EnrichmentConfig struct {
	IntervalSecs     int      `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize        int      `yaml:"batch_size" mapstructure:"batch_size"`
	PerRecordDelayMs int      `yaml:"per_record_delay_ms" mapstructure:"per_record_delay_ms"`
	RecordKind       string   `yaml:"record_kind" mapstructure:"record_kind"`
	SentinelFields   []string `yaml:"sentinel_fields" mapstructure:"sentinel_fields"`
	Priority         int      `yaml:"priority" mapstructure:"priority"`
	MaxAttempts      int      `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// WriterConfig configures the write-job consumer.
type WriterConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// StoreConfig configures record persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	AMQPURL  string `yaml:"amqp_url" mapstructure:"amqp_url"`
	Exchange string `yaml:"exchange" mapstructure:"exchange"`
	// LeaseSecs is how long a claimed job stays hidden before another
	// consumer may claim it again.
	LeaseSecs int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	MinRequests         int64   `yaml:"min_requests" mapstructure:"min_requests"`
	DeadLetterThreshold int64   `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHAINSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("rpc.request_timeout_secs", 30)
	v.SetDefault("rpc.max_retries", 4)
	v.SetDefault("rpc.stale_after_secs", 600)
	v.SetDefault("rpc.commitment", "confirmed")
	v.SetDefault("rpc.backoff.initial_ms", 500)
	v.SetDefault("rpc.backoff.max_ms", 10000)
	v.SetDefault("rpc.backoff.rate_limited_initial_ms", 2000)
	v.SetDefault("rpc.backoff.multiplier", 2.0)
	v.SetDefault("rpc.backoff.jitter", 0.2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_ms", 30000)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("rate_limit.reservoir", 10)
	v.SetDefault("rate_limit.refill_interval_ms", 1000)
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("discovery.batch_size", 3)
	v.SetDefault("discovery.batch_delay_ms", 3000)
	v.SetDefault("discovery.max_jitter_ms", 1000)
	v.SetDefault("discovery.max_attempts", 3)
	v.SetDefault("enrichment.interval_secs", 300)
	v.SetDefault("enrichment.batch_size", 50)
	v.SetDefault("enrichment.per_record_delay_ms", 500)
	v.SetDefault("enrichment.record_kind", "account")
	v.SetDefault("enrichment.sentinel_fields", []string{"owner"})
	v.SetDefault("enrichment.priority", 10)
	v.SetDefault("enrichment.max_attempts", 3)
	v.SetDefault("writer.batch_size", 50)
	v.SetDefault("writer.poll_interval_secs", 2)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.exchange", "chainsync")
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.error_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_requests", 20)
	v.SetDefault("monitoring.dead_letter_threshold", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// A comma-separated CHAINSYNC_RPC_URLS is a shortcut for rpc.endpoints,
	// with priority following list order.
	if urls := v.GetString("rpc.urls"); urls != "" && len(cfg.RPC.Endpoints) == 0 {
		for i, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPC.Endpoints = append(cfg.RPC.Endpoints, EndpointConfig{URL: u, Priority: i + 1})
			}
		}
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []string

	if len(c.RPC.Endpoints) == 0 {
		errs = append(errs, "rpc.endpoints must list at least one endpoint")
	}
	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("rpc.endpoints[%d].url is required", i))
		}
	}
	if c.RPC.MaxRetries <= 0 {
		errs = append(errs, "rpc.max_retries must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 || c.Breaker.ResetTimeoutMs <= 0 {
		errs = append(errs, "breaker thresholds and reset_timeout_ms must be > 0")
	}
	if c.RateLimit.Reservoir <= 0 || c.RateLimit.RefillIntervalMs <= 0 || c.RateLimit.MaxConcurrent <= 0 {
		errs = append(errs, "rate_limit reservoir, refill_interval_ms and max_concurrent must be > 0")
	}
	if c.Discovery.BatchSize <= 0 {
		errs = append(errs, "discovery.batch_size must be > 0")
	}
	if c.Enrichment.BatchSize <= 0 || c.Enrichment.IntervalSecs <= 0 {
		errs = append(errs, "enrichment.batch_size and interval_secs must be > 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres queue")
		}
	case "amqp":
		if c.Queue.AMQPURL == "" {
			errs = append(errs, "queue.amqp_url is required for the amqp driver")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the amqp publish ledger")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q is not one of memory, postgres, amqp", c.Queue.Driver))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Secs converts a second setting to a duration.
func Secs(n int) time.Duration { return time.Duration(n) * time.Second }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
