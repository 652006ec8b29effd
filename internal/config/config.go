package config

import (
	"fmt"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Quota        QuotaConfig        `yaml:"quota"`
	Health       HealthConfig       `yaml:"health"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig points at the optional profile override store. An empty Host
// disables it.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

// OrchestratorConfig bounds the failover loop.
type OrchestratorConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CharsPerToken   int           `yaml:"chars_per_token"`
}

type CacheConfig struct {
	Enabled       bool                             `yaml:"enabled"`
	MaxSize       int                              `yaml:"max_size"`
	SweepInterval time.Duration                    `yaml:"sweep_interval"`
	TTLs          map[types.Category]time.Duration `yaml:"ttls"`
	SnapshotPath  string                           `yaml:"snapshot_path"`
}

type QuotaConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend   string `yaml:"backend"`
	KeyPrefix string `yaml:"key_prefix"`
}

type HealthConfig struct {
	CheckInterval         time.Duration `yaml:"check_interval"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     90 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			Name:            "orchestrator",
			User:            "orchestrator",
			MaxConns:        5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:     3,
			DispatchTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
			CharsPerToken:   4,
		},
		Cache: CacheConfig{
			Enabled:       true,
			MaxSize:       10000,
			SweepInterval: 5 * time.Minute,
			TTLs: map[types.Category]time.Duration{
				types.CategoryPriceLookup:       60 * time.Second,
				types.CategoryStaticExplanation: time.Hour,
				types.CategoryUserContext:       24 * time.Hour,
				types.CategoryDefault:           10 * time.Minute,
			},
		},
		Quota: QuotaConfig{
			Backend:   "memory",
			KeyPrefix: "orch:quota",
		},
		Health: HealthConfig{
			CheckInterval:         30 * time.Second,
			ProbeTimeout:          5 * time.Second,
			FailureThreshold:      5,
			RecoveryProbeInterval: 15 * time.Second,
		},
	}
}
