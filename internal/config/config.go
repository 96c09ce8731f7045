// Package config loads service configuration from an optional YAML file and RECON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Advisory  AdvisoryConfig  `mapstructure:"advisory"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	HTTPAddr      string  `mapstructure:"http_addr"`
	GRPCAddr      string  `mapstructure:"grpc_addr"`
	RateLimit     float64 `mapstructure:"rate_limit"`
	RateBurst     int     `mapstructure:"rate_burst"`
	ApprovalToken string  `mapstructure:"approval_token"`
}

type SchedulerConfig struct {
	Concurrency           int           `mapstructure:"concurrency"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	ContainerCPU          string        `mapstructure:"container_cpu"`
	ContainerMemoryGB     int           `mapstructure:"container_memory_gb"`
	DefaultAggressiveness int           `mapstructure:"default_aggressiveness"`
	NoiseThreshold        float64       `mapstructure:"noise_threshold"`
	MaxScopeHosts         int           `mapstructure:"max_scope_hosts"`
	ProgressInterval      time.Duration `mapstructure:"progress_interval"`
	RawRetentionDays      int           `mapstructure:"raw_retention_days"`
	LogRetentionDays      int           `mapstructure:"log_retention_days"`
	MaxArtifactBytes      int64         `mapstructure:"max_artifact_bytes"`
	RetentionInterval     time.Duration `mapstructure:"retention_interval"`
}

type ExecutorConfig struct {
	Runtime       string        `mapstructure:"runtime"`
	ArtifactRoot  string        `mapstructure:"artifact_root"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	OutputCeiling int64         `mapstructure:"output_ceiling"`
	CatalogFile   string        `mapstructure:"catalog_file"`
}

// DatabaseConfig selects the persistent store. An empty driver keeps everything in memory.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type AdvisoryConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", "127.0.0.1:8000")
	v.SetDefault("server.grpc_addr", "127.0.0.1:9090")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.approval_token", "")

	v.SetDefault("scheduler.concurrency", 2)
	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.container_cpu", "2")
	v.SetDefault("scheduler.container_memory_gb", 2)
	v.SetDefault("scheduler.default_aggressiveness", 5)
	v.SetDefault("scheduler.noise_threshold", 7.0)
	v.SetDefault("scheduler.max_scope_hosts", 256)
	v.SetDefault("scheduler.progress_interval", 2*time.Second)
	v.SetDefault("scheduler.raw_retention_days", 7)
	v.SetDefault("scheduler.log_retention_days", 7)
	v.SetDefault("scheduler.max_artifact_bytes", int64(15<<30))
	v.SetDefault("scheduler.retention_interval", time.Hour)

	v.SetDefault("executor.runtime", "docker")
	v.SetDefault("executor.artifact_root", "data/artifacts")
	v.SetDefault("executor.launch_timeout", 30*time.Second)
	v.SetDefault("executor.stop_grace", 10*time.Second)
	v.SetDefault("executor.output_ceiling", int64(64<<20))
	v.SetDefault("executor.catalog_file", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "recon.jobs")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "recon:pathway:")

	v.SetDefault("advisory.db_path", "")
	v.SetDefault("advisory.cache_size", 1024)
	v.SetDefault("advisory.cache_ttl", time.Hour)

	v.SetDefault("log.level", "info")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "recon-orchestrator")
}

// Load reads path (if non-empty), then applies RECON_ environment overrides such as
// RECON_SCHEDULER_CONCURRENCY=3.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges that would otherwise surface as runtime misbehaviour.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.MaxConcurrency < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrency must be at least 1"))
	}
	if s.Concurrency < 1 || s.Concurrency > s.MaxConcurrency {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be between 1 and %d", s.MaxConcurrency))
	}
	if s.DefaultAggressiveness < 1 || s.DefaultAggressiveness > 10 {
		errs = append(errs, errors.New("scheduler.default_aggressiveness must be between 1 and 10"))
	}
	if s.NoiseThreshold <= 0 {
		errs = append(errs, errors.New("scheduler.noise_threshold must be positive"))
	}
	if s.MaxScopeHosts < 1 {
		errs = append(errs, errors.New("scheduler.max_scope_hosts must be positive"))
	}
	if s.ContainerMemoryGB < 1 {
		errs = append(errs, errors.New("scheduler.container_memory_gb must be positive"))
	}
	if s.RawRetentionDays < 0 || s.LogRetentionDays < 0 {
		errs = append(errs, errors.New("scheduler retention days must not be negative"))
	}
	if s.MaxArtifactBytes < 0 {
		errs = append(errs, errors.New("scheduler.max_artifact_bytes must not be negative"))
	}
	if c.Executor.OutputCeiling < 1 {
		errs = append(errs, errors.New("executor.output_ceiling must be positive"))
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, mysql", c.Database.Driver))
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when a driver is set"))
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must be positive"))
	}
	return errors.Join(errs...)
}
