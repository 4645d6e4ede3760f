// Package config provides configuration loading for conductd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables (CONDUCTD_ prefix). Every numeric knob the engine exposes lives
// here with a documented default; nothing in the engine reads the environment
// directly.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds the complete conductd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Events       EventsConfig       `koanf:"events"`
	Governor     GovernorConfig     `koanf:"governor"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Memory       MemoryConfig       `koanf:"memory"`
	Lifecycle    LifecycleConfig    `koanf:"lifecycle"`
	Router       RouterConfig       `koanf:"router"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Intake       IntakeConfig       `koanf:"intake"`
	Workers      WorkersConfig      `koanf:"workers"`
	Roles        []RoleConfig       `koanf:"roles"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level        zapcore.Level `koanf:"level"`
	Format       string        `koanf:"format"` // "json" or "console"
	OTEL         bool          `koanf:"otel"`
	RedactFields []string      `koanf:"redact_fields"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool     `koanf:"enabled"`
	ServiceName  string   `koanf:"service_name"`
	Endpoint     string   `koanf:"endpoint"`
	Protocol     string   `koanf:"protocol"` // "grpc" or "http"
	Insecure     bool     `koanf:"insecure"`
	SampleRatio  float64  `koanf:"sample_ratio"`
	MetricPeriod Duration `koanf:"metric_period"`
}

// EventsConfig holds observability sink configuration.
type EventsConfig struct {
	Sink           string   `koanf:"sink"` // "nats", "log", or "none"
	NATSURL        string   `koanf:"nats_url"`
	SubjectRoot    string   `koanf:"subject_root"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// GovernorConfig holds admission control configuration.
type GovernorConfig struct {
	MaxConcurrent  int      `koanf:"max_concurrent"`
	MaxCPUMilli    int      `koanf:"max_cpu_milli"`
	MaxMemoryMB    int      `koanf:"max_memory_mb"`
	MaxWait        Duration `koanf:"max_wait"`
	AdmitPerSecond float64  `koanf:"admit_per_second"` // 0 disables rate pacing
	AdmitBurst     int      `koanf:"admit_burst"`
}

// PipelineConfig holds context pipeline configuration.
type PipelineConfig struct {
	DefaultBudget       int     `koanf:"default_budget"`
	MinSectionTokens    int     `koanf:"min_section_tokens"`
	Encoding            string  `koanf:"encoding"`
	MemoryWeight        float64 `koanf:"memory_weight"`
	ShortTermRecent     int     `koanf:"short_term_recent"`
	EpisodicLimit       int     `koanf:"episodic_limit"`
	LongTermLimit       int     `koanf:"long_term_limit"`
	MinKeywordRetention float64 `koanf:"min_keyword_retention"`
}

// MemoryConfig holds memory store configuration.
type MemoryConfig struct {
	Path            string      `koanf:"path"`
	ShortTermSize   int         `koanf:"short_term_size"`
	EpisodicPerRole int         `koanf:"episodic_per_role"`
	Index           IndexConfig `koanf:"index"`
	Scrub           ScrubConfig `koanf:"scrub"`
}

// IndexConfig holds search index configuration. The chromem provider is
// embedded and rebuilt from the memory log on startup; the qdrant
// provider talks to an external server over gRPC.
type IndexConfig struct {
	Provider     string `koanf:"provider"` // "chromem", "qdrant", or "none"
	Collection   string `koanf:"collection"`
	VectorSize   int    `koanf:"vector_size"`
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
}

// ScrubConfig holds secret scrubbing configuration for memory writes.
type ScrubConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LifecycleConfig holds specification lifecycle store configuration.
type LifecycleConfig struct {
	Path           string   `koanf:"path"`
	MoveAttempts   int      `koanf:"move_attempts"`
	MoveRetryDelay Duration `koanf:"move_retry_delay"`
}

// RouterConfig holds delegation router defaults. Per-role values in
// RoleConfig override these.
type RouterConfig struct {
	DefaultTimeout     Duration `koanf:"default_timeout"`
	DefaultMaxAttempts int      `koanf:"default_max_attempts"`
	BackoffInitial     Duration `koanf:"backoff_initial"`
	BackoffMax         Duration `koanf:"backoff_max"`
}

// OrchestratorConfig holds workflow driver configuration.
type OrchestratorConfig struct {
	HealthThreshold float64 `koanf:"health_threshold"`
	MaxParallel     int     `koanf:"max_parallel"`
}

// IntakeConfig holds specification intake configuration.
type IntakeConfig struct {
	Enabled  bool     `koanf:"enabled"`
	SpoolDir string   `koanf:"spool_dir"`
	Debounce Duration `koanf:"debounce"`
}

// WorkersConfig selects the transport used to reach role workers. With
// the "none" provider no backends are registered and every delegation
// fails as a configuration error until workers are attached.
type WorkersConfig struct {
	Provider       string   `koanf:"provider"` // "nats" or "none"
	NATSURL        string   `koanf:"nats_url"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// RoleConfig holds per-role delegation policy. Zero values inherit the
// router defaults.
type RoleConfig struct {
	Name        string   `koanf:"name"`
	Timeout     Duration `koanf:"timeout"`
	MaxAttempts int      `koanf:"max_attempts"`
	Budget      int      `koanf:"budget"`
	Relevance   []string `koanf:"relevance"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9091
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Logging.RedactFields) == 0 {
		cfg.Logging.RedactFields = []string{
			"password", "secret", "token", "api_key",
			"authorization", "bearer", "credential", "private_key",
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "conductd"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}
	if cfg.Telemetry.MetricPeriod == 0 {
		cfg.Telemetry.MetricPeriod = Duration(30 * time.Second)
	}

	if cfg.Events.Sink == "" {
		cfg.Events.Sink = "log"
	}
	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectRoot == "" {
		cfg.Events.SubjectRoot = "conductd.workflow"
	}
	if cfg.Events.ConnectTimeout == 0 {
		cfg.Events.ConnectTimeout = Duration(5 * time.Second)
	}

	if cfg.Governor.MaxConcurrent == 0 {
		cfg.Governor.MaxConcurrent = 4
	}
	if cfg.Governor.MaxCPUMilli == 0 {
		cfg.Governor.MaxCPUMilli = 4000
	}
	if cfg.Governor.MaxMemoryMB == 0 {
		cfg.Governor.MaxMemoryMB = 4096
	}
	if cfg.Governor.MaxWait == 0 {
		cfg.Governor.MaxWait = Duration(30 * time.Second)
	}
	if cfg.Governor.AdmitBurst == 0 {
		cfg.Governor.AdmitBurst = 1
	}

	if cfg.Pipeline.DefaultBudget == 0 {
		cfg.Pipeline.DefaultBudget = 4000
	}
	if cfg.Pipeline.MinSectionTokens == 0 {
		cfg.Pipeline.MinSectionTokens = 32
	}
	if cfg.Pipeline.Encoding == "" {
		cfg.Pipeline.Encoding = "cl100k_base"
	}
	if cfg.Pipeline.MemoryWeight == 0 {
		cfg.Pipeline.MemoryWeight = 0.3
	}
	if cfg.Pipeline.ShortTermRecent == 0 {
		cfg.Pipeline.ShortTermRecent = 5
	}
	if cfg.Pipeline.EpisodicLimit == 0 {
		cfg.Pipeline.EpisodicLimit = 3
	}
	if cfg.Pipeline.LongTermLimit == 0 {
		cfg.Pipeline.LongTermLimit = 5
	}
	if cfg.Pipeline.MinKeywordRetention == 0 {
		cfg.Pipeline.MinKeywordRetention = 0.6
	}

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "~/.local/share/conductd/memory"
	}
	if cfg.Memory.ShortTermSize == 0 {
		cfg.Memory.ShortTermSize = 64
	}
	if cfg.Memory.EpisodicPerRole == 0 {
		cfg.Memory.EpisodicPerRole = 32
	}
	if cfg.Memory.Index.Provider == "" {
		cfg.Memory.Index.Provider = "chromem"
	}
	if cfg.Memory.Index.Collection == "" {
		cfg.Memory.Index.Collection = "conductd_longterm"
	}
	if cfg.Memory.Index.VectorSize == 0 {
		cfg.Memory.Index.VectorSize = 384
	}
	if cfg.Memory.Index.QdrantHost == "" {
		cfg.Memory.Index.QdrantHost = "localhost"
	}
	if cfg.Memory.Index.QdrantPort == 0 {
		cfg.Memory.Index.QdrantPort = 6334
	}

	if cfg.Lifecycle.Path == "" {
		cfg.Lifecycle.Path = "~/.local/share/conductd/lifecycle.db"
	}
	if cfg.Lifecycle.MoveAttempts == 0 {
		cfg.Lifecycle.MoveAttempts = 3
	}
	if cfg.Lifecycle.MoveRetryDelay == 0 {
		cfg.Lifecycle.MoveRetryDelay = Duration(50 * time.Millisecond)
	}

	if cfg.Router.DefaultTimeout == 0 {
		cfg.Router.DefaultTimeout = Duration(30 * time.Second)
	}
	if cfg.Router.DefaultMaxAttempts == 0 {
		cfg.Router.DefaultMaxAttempts = 3
	}
	if cfg.Router.BackoffInitial == 0 {
		cfg.Router.BackoffInitial = Duration(200 * time.Millisecond)
	}
	if cfg.Router.BackoffMax == 0 {
		cfg.Router.BackoffMax = Duration(5 * time.Second)
	}

	if cfg.Orchestrator.HealthThreshold == 0 {
		cfg.Orchestrator.HealthThreshold = 0.8
	}
	if cfg.Orchestrator.MaxParallel == 0 {
		cfg.Orchestrator.MaxParallel = cfg.Governor.MaxConcurrent
	}

	if cfg.Intake.SpoolDir == "" {
		cfg.Intake.SpoolDir = "~/.local/share/conductd/spool"
	}
	if cfg.Intake.Debounce == 0 {
		cfg.Intake.Debounce = Duration(250 * time.Millisecond)
	}

	if cfg.Workers.Provider == "" {
		cfg.Workers.Provider = "none"
	}
	if cfg.Workers.NATSURL == "" {
		cfg.Workers.NATSURL = "nats://localhost:4222"
	}
	if cfg.Workers.SubjectPrefix == "" {
		cfg.Workers.SubjectPrefix = "conductd.work"
	}
	if cfg.Workers.ConnectTimeout == 0 {
		cfg.Workers.ConnectTimeout = Duration(5 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout.Duration() <= 0 || c.Server.WriteTimeout.Duration() <= 0 {
		return errors.New("server read and write timeouts must be positive")
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry service name required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample ratio must be in [0,1], got %f", c.Telemetry.SampleRatio)
		}
	}

	switch c.Events.Sink {
	case "nats", "log", "none":
	default:
		return fmt.Errorf("events sink must be 'nats', 'log', or 'none', got %q", c.Events.Sink)
	}

	if c.Governor.MaxConcurrent < 1 {
		return fmt.Errorf("governor max_concurrent must be >= 1, got %d", c.Governor.MaxConcurrent)
	}
	if c.Governor.MaxWait.Duration() <= 0 {
		return errors.New("governor max_wait must be positive")
	}
	if c.Governor.AdmitPerSecond < 0 {
		return fmt.Errorf("governor admit_per_second must be >= 0, got %f", c.Governor.AdmitPerSecond)
	}

	if c.Pipeline.DefaultBudget < 1 {
		return fmt.Errorf("pipeline default_budget must be >= 1, got %d", c.Pipeline.DefaultBudget)
	}
	if c.Pipeline.MinSectionTokens < 1 {
		return fmt.Errorf("pipeline min_section_tokens must be >= 1, got %d", c.Pipeline.MinSectionTokens)
	}
	if c.Pipeline.MinKeywordRetention < 0 || c.Pipeline.MinKeywordRetention > 1 {
		return fmt.Errorf("pipeline min_keyword_retention must be in [0,1], got %f", c.Pipeline.MinKeywordRetention)
	}

	if c.Memory.ShortTermSize < 1 {
		return fmt.Errorf("memory short_term_size must be >= 1, got %d", c.Memory.ShortTermSize)
	}
	switch c.Memory.Index.Provider {
	case "chromem", "qdrant", "none":
	default:
		return fmt.Errorf("memory index provider must be 'chromem', 'qdrant', or 'none', got %q", c.Memory.Index.Provider)
	}

	if c.Lifecycle.MoveAttempts < 1 {
		return fmt.Errorf("lifecycle move_attempts must be >= 1, got %d", c.Lifecycle.MoveAttempts)
	}

	if c.Router.DefaultMaxAttempts < 1 {
		return fmt.Errorf("router default_max_attempts must be >= 1, got %d", c.Router.DefaultMaxAttempts)
	}
	if c.Router.DefaultTimeout.Duration() <= 0 {
		return errors.New("router default_timeout must be positive")
	}

	if c.Orchestrator.HealthThreshold < 0 || c.Orchestrator.HealthThreshold > 1 {
		return fmt.Errorf("orchestrator health_threshold must be in [0,1], got %f", c.Orchestrator.HealthThreshold)
	}

	switch c.Workers.Provider {
	case "nats":
		if c.Workers.NATSURL == "" {
			return errors.New("workers nats_url required for the nats provider")
		}
		if c.Workers.SubjectPrefix == "" {
			return errors.New("workers subject_prefix required for the nats provider")
		}
	case "none":
	default:
		return fmt.Errorf("workers provider must be 'nats' or 'none', got %q", c.Workers.Provider)
	}

	seen := make(map[string]bool, len(c.Roles))
	for _, rc := range c.Roles {
		if rc.Name == "" {
			return errors.New("role name cannot be empty")
		}
		if seen[rc.Name] {
			return fmt.Errorf("duplicate role config: %q", rc.Name)
		}
		seen[rc.Name] = true
		if rc.MaxAttempts < 0 {
			return fmt.Errorf("role %q max_attempts cannot be negative", rc.Name)
		}
		if rc.Budget < 0 {
			return fmt.Errorf("role %q budget cannot be negative", rc.Name)
		}
	}

	return nil
}
