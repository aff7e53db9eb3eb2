// Package config loads reelmix configuration from a YAML file, REELMIX_*
// environment variables and built-in defaults, in that order of precedence
// (environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/reelmix/reelmix/pkg/cleanup"
	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/scheduler"
	"github.com/reelmix/reelmix/pkg/store"
	"github.com/reelmix/reelmix/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. REELMIX_STORE_DSN
const EnvPrefix = "REELMIX"

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKeyHash   string        `mapstructure:"api_key_hash"` // bcrypt; empty disables auth
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	RateBurst    int           `mapstructure:"rate_limit_burst"`
	TLSCert      string        `mapstructure:"tls_cert"`
	TLSKey       string        `mapstructure:"tls_key"`
	TLSClientCA  string        `mapstructure:"tls_client_ca"` // enables mutual TLS
}

type StoreConfig struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type CatalogConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SchedulerConfig struct {
	Mode               string        `mapstructure:"mode"`
	JobWorkers         int           `mapstructure:"job_workers"`
	MaxConcurrentPlans int           `mapstructure:"max_concurrent_plans"`
	PerJobConcurrency  int           `mapstructure:"per_job_concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	WorkerID           string        `mapstructure:"worker_id"`
	ClaimLease         time.Duration `mapstructure:"claim_lease"`
}

type TranscodeConfig struct {
	FFmpegPath     string        `mapstructure:"ffmpeg_path"`
	WorkDir        string        `mapstructure:"work_dir"`
	OutputDir      string        `mapstructure:"output_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`        // used when an output's duration is unknown
	MinTimeout     time.Duration `mapstructure:"min_timeout"`
	TimeoutFactor  float64       `mapstructure:"timeout_factor"` // multiple of the output duration
	PreferHardware bool          `mapstructure:"prefer_hardware"`
	MinFreeMB      uint64        `mapstructure:"min_free_mb"` // refuse to render below this much free disk
}

type CreditsConfig struct {
	BasePerOutput int64 `mapstructure:"base_per_output"`
}

type LimitsConfig struct {
	MaxOutputCount int `mapstructure:"max_output_count"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	JSON      bool   `mapstructure:"json"`
	File      string `mapstructure:"file"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"` // rotate the file past this size; 0 disables
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"` // empty serves /metrics on the API server
}

type CleanupConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

// ClientConfig is read by the CLI commands that call a running server
type ClientConfig struct {
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	CAFile  string `mapstructure:"ca_file"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

// Config is the complete reelmix configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Client    ClientConfig    `mapstructure:"client"`

	v *viper.Viper
}

// DefaultPath is $HOME/.reelmix/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".reelmix", "config.yaml")
	}
	return filepath.Join(home, ".reelmix", "config.yaml")
}

// cpuCount returns the number of logical CPUs
func cpuCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func setDefaults(v *viper.Viper, cpus int) {
	workers := cpus / 2
	if workers < 1 {
		workers = 1
	}
	plans := cpus
	if plans > 8 {
		plans = 8
	}
	perJob := 3
	if perJob > plans {
		perJob = plans
	}

	// Durations are kept as strings so `config show` prints them readably
	defaults := map[string]interface{}{
		"server.addr":             ":8080",
		"server.read_timeout":     "30s",
		"server.write_timeout":    "10m",
		"server.api_key_hash":     "",
		"server.rate_limit_rps":   10.0,
		"server.rate_limit_burst": 20,
		"server.tls_cert":         "",
		"server.tls_key":          "",
		"server.tls_client_ca":    "",

		"store.type":               "sqlite",
		"store.dsn":                "reelmix.db",
		"store.max_open_conns":     25,
		"store.max_idle_conns":     5,
		"store.conn_max_lifetime":  "5m",
		"store.conn_max_idle_time": "1m",

		"catalog.driver": "sqlite",
		"catalog.dsn":    "catalog.db",

		"scheduler.mode":                 string(scheduler.ModeInProcess),
		"scheduler.job_workers":          workers,
		"scheduler.max_concurrent_plans": plans,
		"scheduler.per_job_concurrency":  perJob,
		"scheduler.max_attempts":         3,
		"scheduler.initial_backoff":      "2s",
		"scheduler.max_backoff":          "30s",
		"scheduler.poll_interval":        "2s",
		"scheduler.cancel_poll_interval": "3s",
		"scheduler.worker_id":            "",
		"scheduler.claim_lease":          "2m",

		"transcode.ffmpeg_path":     "ffmpeg",
		"transcode.work_dir":        "work",
		"transcode.output_dir":      "outputs",
		"transcode.timeout":         "30m",
		"transcode.min_timeout":     "2m",
		"transcode.timeout_factor":  4.0,
		"transcode.prefer_hardware": false,
		"transcode.min_free_mb":     512,

		"credits.base_per_output": 10,
		"limits.max_output_count": models.DefaultMaxOutputCount,

		"log.level":       "info",
		"log.json":        false,
		"log.file":        "",
		"log.max_size_mb": 100,

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4318",
		"tracing.service_name": "reelmix",
		"tracing.environment":  "development",

		"metrics.enabled": true,
		"metrics.addr":    ":9090",

		"cleanup.enabled":   true,
		"cleanup.retention": "24h",
		"cleanup.interval":  "1h",

		"client.url":      "http://localhost:8080",
		"client.api_key":  "",
		"client.ca_file":  "",
		"client.tls_cert": "",
		"client.tls_key":  "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads configuration. An empty path looks for the default file and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, cpuCount())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("store.type must be sqlite, postgres or memory, got %q", c.Store.Type)
	}
	switch c.Catalog.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("catalog.driver must be sqlite, postgres or memory, got %q", c.Catalog.Driver)
	}
	switch scheduler.Mode(c.Scheduler.Mode) {
	case scheduler.ModeInProcess, scheduler.ModeStore:
	default:
		return fmt.Errorf("scheduler.mode must be %s or %s, got %q", scheduler.ModeInProcess, scheduler.ModeStore, c.Scheduler.Mode)
	}
	if c.Scheduler.JobWorkers < 1 || c.Scheduler.MaxConcurrentPlans < 1 || c.Scheduler.PerJobConcurrency < 1 {
		return errors.New("scheduler worker and concurrency limits must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return errors.New("scheduler.max_attempts must be at least 1")
	}
	if c.Credits.BasePerOutput < 1 {
		return errors.New("credits.base_per_output must be positive")
	}
	if c.Limits.MaxOutputCount < 1 {
		return errors.New("limits.max_output_count must be positive")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.TLSClientCA != "" && c.Server.TLSCert == "" {
		return errors.New("server.tls_client_ca requires server.tls_cert")
	}
	if c.Transcode.TimeoutFactor <= 0 {
		return errors.New("transcode.timeout_factor must be positive")
	}
	return nil
}

// SchedulerConfig converts to the orchestrator configuration
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Mode:               scheduler.Mode(s.Mode),
		JobWorkers:         s.JobWorkers,
		MaxConcurrentPlans: s.MaxConcurrentPlans,
		PerJobConcurrency:  s.PerJobConcurrency,
		MaxAttempts:        s.MaxAttempts,
		InitialBackoff:     s.InitialBackoff,
		MaxBackoff:         s.MaxBackoff,
		PollInterval:       s.PollInterval,
		CancelPollInterval: s.CancelPollInterval,
		WorkDir:            c.Transcode.WorkDir,
		WorkerID:           s.WorkerID,
		ClaimLease:         s.ClaimLease,
	}
}

// StoreConfig converts to the store configuration
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Store.Type,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
	}
}

// TracingConfig converts to the tracer configuration
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}

// CleanupConfig converts to the scratch cleanup configuration
func (c *Config) CleanupConfig() cleanup.CleanupConfig {
	return cleanup.CleanupConfig{
		Enabled:         c.Cleanup.Enabled,
		WorkDir:         c.Transcode.WorkDir,
		Retention:       c.Cleanup.Retention,
		CleanupInterval: c.Cleanup.Interval,
	}
}

// PlanTimeout converts to the per-plan transcode timeout policy
func (c *Config) PlanTimeout() *models.PlanTimeout {
	return &models.PlanTimeout{
		SafetyFactor: c.Transcode.TimeoutFactor,
		Minimum:      c.Transcode.MinTimeout,
		Default:      c.Transcode.Timeout,
	}
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// YAML renders the effective configuration with secrets redacted
func (c *Config) YAML() ([]byte, error) {
	var settings map[string]interface{}
	if c.v != nil {
		settings = c.v.AllSettings()
	} else {
		settings = map[string]interface{}{}
	}

	redact(settings, "server", "api_key_hash")
	redact(settings, "client", "api_key")
	redactDSN(settings, "store")
	redactDSN(settings, "catalog")

	return yaml.Marshal(settings)
}

func redact(settings map[string]interface{}, section, key string) {
	m, ok := settings[section].(map[string]interface{})
	if !ok {
		return
	}
	if s, ok := m[key].(string); ok && s != "" {
		m[key] = "<redacted>"
	}
}

// redactDSN hides the password of key=value and URL style DSNs
func redactDSN(settings map[string]interface{}, section string) {
	m, ok := settings[section].(map[string]interface{})
	if !ok {
		return
	}
	dsn, ok := m["dsn"].(string)
	if !ok {
		return
	}
	m["dsn"] = RedactDSN(dsn)
}

// RedactDSN masks the password in a connection string
func RedactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			cred := rest[:at]
			if colon := strings.Index(cred, ":"); colon >= 0 {
				return dsn[:i+3] + cred[:colon] + ":<redacted>" + rest[at:]
			}
		}
		return dsn
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=<redacted>"
		}
	}
	return strings.Join(fields, " ")
}
