package config

import (
	"fmt"
	"os"
	"time"

	"github.com/migadu/spoold/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog" (default: "spoold")
}

// SpoolConfig selects and configures the spool repository backend.
type SpoolConfig struct {
	Backend      string `toml:"backend"`       // "memory", "disk", "sqlite" or "postgres" (default: "disk")
	Path         string `toml:"path"`          // Directory for "disk", database file for "sqlite"
	PollInterval string `toml:"poll_interval"` // Upper bound on how long an idle accept waits before rescanning (default: "30s")
	LockTTL      string `toml:"lock_ttl"`      // Postgres only: lease after which a lock held by a dead instance may be taken over (default: "30m")
}

// GetPollInterval parses the poll interval duration
func (s *SpoolConfig) GetPollInterval() (time.Duration, error) {
	if s.PollInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.PollInterval)
}

// GetLockTTL parses the lock lease duration
func (s *SpoolConfig) GetLockTTL() (time.Duration, error) {
	if s.LockTTL == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(s.LockTTL)
}

// GetPath returns the spool path with a backend-specific default
func (s *SpoolConfig) GetPath() string {
	if s.Path != "" {
		return s.Path
	}
	if s.Backend == "sqlite" {
		return "/var/spool/spoold/spool.db"
	}
	return "/var/spool/spoold/envelopes"
}

// DatabaseConfig holds PostgreSQL connection settings for the postgres spool backend
type DatabaseConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"` // default: 5432
	User             string `toml:"user"`
	Password         string `toml:"password"`
	Name             string `toml:"name"`
	TLSMode          bool   `toml:"tls"`
	MaxConns         int    `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns         int    `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime  string `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime  string `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	QueryTimeout     string `toml:"query_timeout"`      // Timeout for individual queries (default: "30s")
	MigrationTimeout string `toml:"migration_timeout"`  // Timeout for auto-migrations at startup (default: "2m")
	AutoMigrate      bool   `toml:"auto_migrate"`       // Apply pending migrations on startup
}

// DSN builds a libpq style connection string
func (d *DatabaseConfig) DSN() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.Name, sslMode)
}

// GetMaxConnLifetime parses the connection lifetime, zero means pgx default
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return 0, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the idle time, zero means pgx default
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 0, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds S3-compatible object storage settings
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Prefix        string `toml:"prefix"` // Optional object name prefix, e.g. "bodies/"
	Debug         bool   `toml:"debug"`  // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters (32 bytes) for AES-256-GCM
}

// BodyStoreConfig selects where message bodies live
type BodyStoreConfig struct {
	Type       string   `toml:"type"`        // "disk" or "s3" (default: "disk")
	Path       string   `toml:"path"`        // Base directory for "disk"
	MaxRetries int      `toml:"max_retries"` // Retries for transient storage errors (default: 3)
	S3         S3Config `toml:"s3"`
}

// GetPath returns the body store path with default if not set
func (b *BodyStoreConfig) GetPath() string {
	if b.Path != "" {
		return b.Path
	}
	return "/var/spool/spoold/bodies"
}

// GetMaxRetries returns the retry count with default
func (b *BodyStoreConfig) GetMaxRetries() int {
	if b.MaxRetries <= 0 {
		return 3
	}
	return b.MaxRetries
}

// ManagerConfig configures the spool manager worker pool
type ManagerConfig struct {
	Threads        int    `toml:"threads"`         // Number of concurrent workers (default: 10)
	RootProcessor  string `toml:"root_processor"`  // State assigned to freshly ingested envelopes (default: "root")
	ErrorProcessor string `toml:"error_processor"` // Processor handling failed envelopes (default: "error")
	RetryDelay     string `toml:"retry_delay"`     // Backoff unit: a failed envelope waits retry_count*retry_delay (default: "5m")
	MaxRetries     int    `toml:"max_retries"`     // Failed envelopes above this retry count are parked (default: 10, negative disables)
	ShutdownGrace  string `toml:"shutdown_grace"`  // How long Stop waits for in-flight envelopes (default: "30s")
}

// GetThreads returns the worker count with default
func (m *ManagerConfig) GetThreads() int {
	if m.Threads <= 0 {
		return 10
	}
	return m.Threads
}

// GetRootProcessor returns the root processor name with default
func (m *ManagerConfig) GetRootProcessor() string {
	if m.RootProcessor == "" {
		return "root"
	}
	return m.RootProcessor
}

// GetErrorProcessor returns the error processor name with default
func (m *ManagerConfig) GetErrorProcessor() string {
	if m.ErrorProcessor == "" {
		return "error"
	}
	return m.ErrorProcessor
}

// GetRetryDelay parses the retry delay duration
func (m *ManagerConfig) GetRetryDelay() (time.Duration, error) {
	if m.RetryDelay == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(m.RetryDelay)
}

// GetMaxRetries returns the parking threshold; zero means default and a
// negative value disables parking by retry count.
func (m *ManagerConfig) GetMaxRetries() int {
	if m.MaxRetries == 0 {
		return 10
	}
	return m.MaxRetries
}

// GetShutdownGrace parses the shutdown grace duration
func (m *ManagerConfig) GetShutdownGrace() (time.Duration, error) {
	if m.ShutdownGrace == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(m.ShutdownGrace)
}

// LocalConfig holds server-wide facts exposed to mailets
type LocalConfig struct {
	ServerName  string   `toml:"server_name"`  // Name used in bounces and Received headers (default: hostname)
	Domains     []string `toml:"domains"`      // Domains considered local by HostIsLocal/RecipientIsLocal
	Postmaster  string   `toml:"postmaster"`   // Sender used for bounces (default: "postmaster@<server_name>")
	MaxBounceKB int      `toml:"max_bounce_kb"` // Size of original message quoted in bounces (default: 64)
}

// GetServerName returns the configured server name or the hostname
func (l *LocalConfig) GetServerName() string {
	if l.ServerName != "" {
		return l.ServerName
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "localhost"
}

// GetPostmaster returns the bounce sender with default
func (l *LocalConfig) GetPostmaster() string {
	if l.Postmaster != "" {
		return l.Postmaster
	}
	return "postmaster@" + l.GetServerName()
}

// GetMaxBounceBytes returns how much of the original message a bounce quotes
func (l *LocalConfig) GetMaxBounceBytes() int64 {
	if l.MaxBounceKB <= 0 {
		return 64 * 1024
	}
	return int64(l.MaxBounceKB) * 1024
}

// CleanupConfig configures the orphaned body cleaner
type CleanupConfig struct {
	Enabled     bool   `toml:"enabled"`
	Interval    string `toml:"interval"`     // How often the cleaner runs (default: "1h")
	GracePeriod string `toml:"grace_period"` // Minimum age of an unreferenced body before deletion (default: "24h")
}

// GetInterval parses the cleanup interval
func (c *CleanupConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetGracePeriod parses the grace period
func (c *CleanupConfig) GetGracePeriod() (time.Duration, error) {
	if c.GracePeriod == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.GracePeriod)
}

// AdminAPIConfig holds HTTP admin API configuration
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	APIKeyHash   string   `toml:"api_key_hash"`  // bcrypt hash, takes precedence over api_key
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	MaxInject    string   `toml:"max_inject_size"` // Largest message accepted by the inject endpoint (default: "50mb")
}

// GetMaxInjectSize parses the inject size limit
func (a *AdminAPIConfig) GetMaxInjectSize() (int64, error) {
	if a.MaxInject == "" {
		return 50 * 1024 * 1024, nil
	}
	return helpers.ParseSize(a.MaxInject)
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"` // How often spool depth gauges are refreshed (default: "1m")
}

// GetCollectInterval parses the collect interval
func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(m.CollectInterval)
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig     `toml:"logging"`
	Spool      SpoolConfig       `toml:"spool"`
	Database   DatabaseConfig    `toml:"database"`
	BodyStore  BodyStoreConfig   `toml:"body_store"`
	Manager    ManagerConfig     `toml:"manager"`
	Local      LocalConfig       `toml:"local"`
	Processors []ProcessorConfig `toml:"processor"`
	Cleanup    CleanupConfig     `toml:"cleanup"`
	AdminAPI   AdminAPIConfig    `toml:"admin_api"`
	Metrics    MetricsConfig     `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values. The
// default processors ghost everything that reaches root and park failures
// in the error processor after a few retries.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Spool: SpoolConfig{
			Backend:      "disk",
			Path:         "/var/spool/spoold/envelopes",
			PollInterval: "30s",
			LockTTL:      "30m",
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			User:             "postgres",
			Name:             "spoold_mail_db",
			MaxConns:         20,
			MinConns:         2,
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			AutoMigrate:      true,
		},
		BodyStore: BodyStoreConfig{
			Type:       "disk",
			Path:       "/var/spool/spoold/bodies",
			MaxRetries: 3,
		},
		Manager: ManagerConfig{
			Threads:        10,
			RootProcessor:  "root",
			ErrorProcessor: "error",
			RetryDelay:     "5m",
			MaxRetries:     10,
			ShutdownGrace:  "30s",
		},
		Local: LocalConfig{
			MaxBounceKB: 64,
		},
		Processors: []ProcessorConfig{
			{
				Name: "root",
				Mailets: []MailetConfig{
					{Match: "All", Class: "Null"},
				},
			},
			{
				Name: "error",
				Mailets: []MailetConfig{
					{Match: "All", Class: "Retry", Params: map[string]string{"max_retries": "5"}},
					{Match: "All", Class: "Bounce"},
				},
			},
		},
		Cleanup: CleanupConfig{
			Enabled:     true,
			Interval:    "1h",
			GracePeriod: "24h",
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "1m",
		},
	}
}
