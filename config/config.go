// Package config loads and validates the scheduling service's configuration.
// Configuration is resolved once at startup into a single immutable Config
// value and threaded through constructors; no package reads the environment
// directly at call time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreBackend selects the concrete Object Store Adapter implementation.
type StoreBackend string

const (
	StoreBackendS3   StoreBackend = "s3"
	StoreBackendBolt StoreBackend = "bolt"
)

// QueueBackend selects the concrete Queue Adapter implementation.
type QueueBackend string

const (
	QueueBackendRedis QueueBackend = "redis"
	QueueBackendAMQP  QueueBackend = "amqp"
	QueueBackendBolt  QueueBackend = "bolt"
)

// Config is the fully resolved, immutable configuration for every
// component described in SPEC_FULL.md. Nothing outside of Load reads
// viper or the environment.
type Config struct {
	HTTPAddress string
	APIKey      string

	LogLevel  string
	LogFormat string

	StoreBackend   StoreBackend
	StoreBucket    string
	StoreEndpoint  string
	StoreRegion    string
	StoreAccessKey string
	StoreSecretKey string
	StorePathStyle bool
	BoltPath       string

	QueueBackend        QueueBackend
	QueueURL            string
	QueueName           string
	VisibilityTimeout   time.Duration
	ReceiveWait         time.Duration
	MaxInFlightPerQueue int

	MaxCaseBytes   int64
	CASRetryBound  int
	ClaimRetries   int
	JanitorMaxAge  time.Duration
	LogHeartbeat   time.Duration
	ProgressCallbackCadence time.Duration

	AuditDSN string

	Region string

	// SolverCommand is the external solver executable the Worker Runtime
	// invokes per job; the core treats it as an opaque callable per the
	// Non-goals (solver correctness is out of scope).
	SolverCommand string
	SolverArgs    []string
}

// Load resolves configuration from, in ascending precedence order:
// built-in defaults, an optional YAML file, and environment variables
// prefixed SCHED_ (e.g. SCHED_HTTP_ADDRESS, SCHED_STORE_BUCKET).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("scheduler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scheduler")
		_ = v.ReadInConfig() // absent config file is fine, defaults + env apply
	}

	cfg := &Config{
		HTTPAddress:             v.GetString("http.address"),
		APIKey:                  v.GetString("api.key"),
		LogLevel:                v.GetString("log.level"),
		LogFormat:               v.GetString("log.format"),
		StoreBackend:            StoreBackend(v.GetString("store.backend")),
		StoreBucket:             v.GetString("store.bucket"),
		StoreEndpoint:           v.GetString("store.endpoint"),
		StoreRegion:             v.GetString("store.region"),
		StoreAccessKey:          v.GetString("store.access_key"),
		StoreSecretKey:          v.GetString("store.secret_key"),
		StorePathStyle:          v.GetBool("store.path_style"),
		BoltPath:                v.GetString("store.bolt_path"),
		QueueBackend:            QueueBackend(v.GetString("queue.backend")),
		QueueURL:                v.GetString("queue.url"),
		QueueName:               v.GetString("queue.name"),
		VisibilityTimeout:       v.GetDuration("queue.visibility_timeout"),
		ReceiveWait:             v.GetDuration("queue.receive_wait"),
		MaxInFlightPerQueue:     v.GetInt("queue.max_in_flight"),
		MaxCaseBytes:            v.GetInt64("solve.max_case_bytes"),
		CASRetryBound:           v.GetInt("registry.cas_retry_bound"),
		ClaimRetries:            v.GetInt("catalog.claim_retries"),
		JanitorMaxAge:           v.GetDuration("janitor.max_age"),
		LogHeartbeat:            v.GetDuration("logs.heartbeat"),
		ProgressCallbackCadence: v.GetDuration("worker.progress_cadence"),
		AuditDSN:                v.GetString("audit.dsn"),
		Region:                  v.GetString("store.region"),
		SolverCommand:           v.GetString("solver.command"),
		SolverArgs:              v.GetStringSlice("solver.args"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.address", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.backend", string(StoreBackendBolt))
	v.SetDefault("store.bucket", "scheduler")
	v.SetDefault("store.region", "us-east-1")
	v.SetDefault("store.path_style", true)
	v.SetDefault("store.bolt_path", "./data/objects.db")
	v.SetDefault("queue.backend", string(QueueBackendBolt))
	v.SetDefault("queue.url", "redis://localhost:6379/0")
	v.SetDefault("queue.name", "solve")
	v.SetDefault("queue.visibility_timeout", 12*time.Hour)
	v.SetDefault("queue.receive_wait", 20*time.Second)
	v.SetDefault("queue.max_in_flight", 1)
	v.SetDefault("solve.max_case_bytes", int64(10<<20))
	v.SetDefault("registry.cas_retry_bound", 8)
	v.SetDefault("catalog.claim_retries", 16)
	v.SetDefault("janitor.max_age", 7*24*time.Hour)
	v.SetDefault("logs.heartbeat", 30*time.Second)
	v.SetDefault("worker.progress_cadence", 5*time.Second)
	v.SetDefault("solver.command", "")
}

// Validate checks that the resolved configuration is internally consistent.
func (c *Config) Validate() error {
	v := NewValidator()
	v.RequireOneOf("store.backend", string(c.StoreBackend), []string{string(StoreBackendS3), string(StoreBackendBolt)})
	v.RequireOneOf("queue.backend", string(c.QueueBackend), []string{string(QueueBackendRedis), string(QueueBackendAMQP), string(QueueBackendBolt)})
	v.RequireOneOf("log.level", c.LogLevel, []string{"debug", "info", "warn", "error"})
	v.RequireOneOf("log.format", c.LogFormat, []string{"text", "json"})
	v.RequirePositiveInt("registry.cas_retry_bound", c.CASRetryBound)
	v.RequirePositiveInt("catalog.claim_retries", c.ClaimRetries)
	if c.StoreBackend == StoreBackendS3 {
		v.RequireString("store.bucket", c.StoreBucket)
	}
	return v.Validate()
}

// Validator accumulates configuration validation errors, grounded on the
// same accumulate-then-report pattern used for case-payload validation.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid reports whether there are no accumulated validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Validate returns an error summarizing all accumulated validation failures.
func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}
