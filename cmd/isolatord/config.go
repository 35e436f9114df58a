package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"isolator/internal/common/cache"
	"isolator/internal/common/db"
	"isolator/internal/common/mq"
	"isolator/internal/isolator/executor"
	"isolator/internal/isolator/governor"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/reaper"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/terminal"
	"isolator/internal/isolator/workspace"
	"isolator/pkg/utils/logger"

	units "github.com/docker/go-units"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	// Exec requests block for up to the executor's max timeout, so the
	// write timeout must sit above it.
	defaultWriteTimeout    = 6 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultSnapshotTTL     = time.Hour
	defaultEventTopic      = "isolator.events"
	defaultWorkspaceRoot   = "/var/lib/isolator/workspaces"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	PoolSize        int           `yaml:"poolSize"`
	MinIdleConns    int           `yaml:"minIdleConns"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DatabaseConfig holds audit store settings. Driver selects mysql or postgres.
type DatabaseConfig struct {
	Driver             string        `yaml:"driver"`
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	RequiredAcks int           `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	Compression  string        `yaml:"compression"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// WorkspaceConfig holds workspace settings.
type WorkspaceConfig struct {
	Root            string `yaml:"root"`
	ArchiveDir      string `yaml:"archiveDir"`
	ArchiveOnDelete bool   `yaml:"archiveOnDelete"`
}

// LifecycleConfig holds container lifecycle settings.
type LifecycleConfig struct {
	NetworkName          string        `yaml:"networkName"`
	ContainerPrefix      string        `yaml:"containerPrefix"`
	WorkspaceMount       string        `yaml:"workspaceMount"`
	IdleTTL              time.Duration `yaml:"idleTTL"`
	CreateTimeout        time.Duration `yaml:"createTimeout"`
	StopTimeout          time.Duration `yaml:"stopTimeout"`
	MaxConcurrentCreates int64         `yaml:"maxConcurrentCreates"`
	RetryAttempts        int           `yaml:"retryAttempts"`
	RetryBaseDelay       time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay        time.Duration `yaml:"retryMaxDelay"`
	PullImages           *bool         `yaml:"pullImages"`
}

// ExecutorConfig holds command execution settings.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	MaxTimeout     time.Duration `yaml:"maxTimeout"`
	MaxOutput      string        `yaml:"maxOutput"`
	GracePeriod    time.Duration `yaml:"gracePeriod"`
	WorkingDir     string        `yaml:"workingDir"`
}

// TerminalConfig holds interactive terminal settings.
type TerminalConfig struct {
	Shell          string        `yaml:"shell"`
	WorkingDir     string        `yaml:"workingDir"`
	ReplayBytes    int           `yaml:"replayBytes"`
	AllowObservers bool          `yaml:"allowObservers"`
	SessionIdleTTL time.Duration `yaml:"sessionIdleTTL"`
}

// GovernorConfig holds resource monitoring settings.
type GovernorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	SoftMemoryRatio float64       `yaml:"softMemoryRatio"`
	SoftPidsRatio   float64       `yaml:"softPidsRatio"`
	SoftCPUPercent  float64       `yaml:"softCPUPercent"`
}

// ReaperConfig holds reconciliation settings.
type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StopTimeout time.Duration `yaml:"stopTimeout"`
}

// LimitsConfig holds default per-sandbox resource limits.
type LimitsConfig struct {
	CPUs      float64 `yaml:"cpus"`
	Memory    string  `yaml:"memory"`
	PidsLimit int64   `yaml:"pidsLimit"`
}

// StoreConfig holds metadata store settings.
type StoreConfig struct {
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// AppConfig holds isolatord config.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    logger.Config   `yaml:"logger"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Governor  GovernorConfig  `yaml:"governor"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Limits    LimitsConfig    `yaml:"limits"`
	Store     StoreConfig     `yaml:"store"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = defaultWorkspaceRoot
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	switch cfg.Database.Driver {
	case "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventTopic
	}
	if cfg.Store.SnapshotTTL == 0 {
		cfg.Store.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.Limits.Memory != "" {
		if _, err := units.RAMInBytes(cfg.Limits.Memory); err != nil {
			return nil, fmt.Errorf("invalid default memory limit %q: %w", cfg.Limits.Memory, err)
		}
	}
	if cfg.Executor.MaxOutput != "" {
		if _, err := units.RAMInBytes(cfg.Executor.MaxOutput); err != nil {
			return nil, fmt.Errorf("invalid executor max output %q: %w", cfg.Executor.MaxOutput, err)
		}
	}
	return &cfg, nil
}

func (r RedisConfig) toCacheConfig() *cache.RedisConfig {
	out := cache.DefaultRedisConfig()
	out.Addr = r.Addr
	out.Password = r.Password
	out.DB = r.DB
	if r.DialTimeout != 0 {
		out.DialTimeout = r.DialTimeout
	}
	if r.ReadTimeout != 0 {
		out.ReadTimeout = r.ReadTimeout
	}
	if r.WriteTimeout != 0 {
		out.WriteTimeout = r.WriteTimeout
	}
	if r.PoolSize != 0 {
		out.PoolSize = r.PoolSize
	}
	if r.MinIdleConns != 0 {
		out.MinIdleConns = r.MinIdleConns
	}
	if r.ConnMaxIdleTime != 0 {
		out.ConnMaxIdleTime = r.ConnMaxIdleTime
	}
	if r.ConnMaxLifetime != 0 {
		out.ConnMaxLifetime = r.ConnMaxLifetime
	}
	return out
}

func (d DatabaseConfig) toMySQLConfig() *db.MySQLConfig {
	return &db.MySQLConfig{
		DSN:                d.DSN,
		MaxOpenConnections: d.MaxOpenConnections,
		MaxIdleConnections: d.MaxIdleConnections,
		ConnMaxLifetime:    d.ConnMaxLifetime,
		ConnMaxIdleTime:    d.ConnMaxIdleTime,
	}
}

func (d DatabaseConfig) toPostgreSQLConfig() *db.PostgreSQLConfig {
	return &db.PostgreSQLConfig{
		DSN:                d.DSN,
		MaxOpenConnections: d.MaxOpenConnections,
		MaxIdleConnections: d.MaxIdleConnections,
		ConnMaxLifetime:    d.ConnMaxLifetime,
		ConnMaxIdleTime:    d.ConnMaxIdleTime,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		Compression:  parseCompression(k.Compression),
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (w WorkspaceConfig) toWorkspaceConfig() workspace.Config {
	return workspace.Config{
		Root:            w.Root,
		ArchiveDir:      w.ArchiveDir,
		ArchiveOnDelete: w.ArchiveOnDelete,
	}
}

func (l LifecycleConfig) toLifecycleConfig() lifecycle.Config {
	out := lifecycle.DefaultConfig()
	if l.NetworkName != "" {
		out.NetworkName = l.NetworkName
	}
	if l.ContainerPrefix != "" {
		out.ContainerPrefix = l.ContainerPrefix
	}
	if l.WorkspaceMount != "" {
		out.WorkspaceMount = l.WorkspaceMount
	}
	if l.IdleTTL != 0 {
		out.IdleTTL = l.IdleTTL
	}
	if l.CreateTimeout != 0 {
		out.CreateTimeout = l.CreateTimeout
	}
	if l.StopTimeout != 0 {
		out.StopTimeout = l.StopTimeout
	}
	if l.MaxConcurrentCreates != 0 {
		out.MaxConcurrentCreates = l.MaxConcurrentCreates
	}
	if l.RetryAttempts != 0 {
		out.RetryAttempts = l.RetryAttempts
	}
	if l.RetryBaseDelay != 0 {
		out.RetryBaseDelay = l.RetryBaseDelay
	}
	if l.RetryMaxDelay != 0 {
		out.RetryMaxDelay = l.RetryMaxDelay
	}
	if l.PullImages != nil {
		out.PullImages = *l.PullImages
	}
	return out
}

func (e ExecutorConfig) toExecutorConfig() executor.Config {
	out := executor.DefaultConfig()
	if e.DefaultTimeout != 0 {
		out.DefaultTimeout = e.DefaultTimeout
	}
	if e.MaxTimeout != 0 {
		out.MaxTimeout = e.MaxTimeout
	}
	if e.MaxOutput != "" {
		if n, err := units.RAMInBytes(e.MaxOutput); err == nil {
			out.MaxOutputBytes = n
		}
	}
	if e.GracePeriod != 0 {
		out.GracePeriod = e.GracePeriod
	}
	if e.WorkingDir != "" {
		out.WorkingDir = e.WorkingDir
	}
	return out
}

func (t TerminalConfig) toTerminalConfig() terminal.Config {
	out := terminal.DefaultConfig()
	if t.Shell != "" {
		out.Shell = t.Shell
	}
	if t.WorkingDir != "" {
		out.WorkingDir = t.WorkingDir
	}
	if t.ReplayBytes != 0 {
		out.ReplayBytes = t.ReplayBytes
	}
	out.AllowObservers = t.AllowObservers
	if t.SessionIdleTTL != 0 {
		out.SessionIdleTTL = t.SessionIdleTTL
	}
	return out
}

func (g GovernorConfig) toGovernorConfig() governor.Config {
	out := governor.DefaultConfig()
	if g.Interval != 0 {
		out.Interval = g.Interval
	}
	if g.SoftMemoryRatio != 0 {
		out.SoftMemoryRatio = g.SoftMemoryRatio
	}
	if g.SoftPidsRatio != 0 {
		out.SoftPidsRatio = g.SoftPidsRatio
	}
	if g.SoftCPUPercent != 0 {
		out.SoftCPUPercent = g.SoftCPUPercent
	}
	return out
}

func (r ReaperConfig) toReaperConfig() reaper.Config {
	out := reaper.DefaultConfig()
	if r.Interval != 0 {
		out.Interval = r.Interval
	}
	if r.StopTimeout != 0 {
		out.StopTimeout = r.StopTimeout
	}
	return out
}

func (l LimitsConfig) toResourceLimits() spec.ResourceLimits {
	out := spec.DefaultResourceLimits()
	if l.CPUs > 0 {
		out.NanoCPUs = int64(l.CPUs * 1e9)
	}
	if l.Memory != "" {
		if n, err := units.RAMInBytes(l.Memory); err == nil {
			out.MemoryBytes = n
		}
	}
	if l.PidsLimit > 0 {
		out.PidsLimit = l.PidsLimit
	}
	return out
}
