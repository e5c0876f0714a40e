// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the supervisor service configuration.
//
// Priority: environment variables > config file > defaults. Config files
// may be YAML or JSON. Stage policies under the "stages" key can be
// hot-reloaded through Watcher; every other section requires a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/supervisor"
	"github.com/AleutianAI/AleutianForge/services/supervisor/telemetry"
)

// configValidate is the validator instance for config structs.
// Initialized in init() with custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()

	// Stage and dependency names end up as metric labels and journal
	// keys, so they share the same character set restrictions.
	_ = configValidate.RegisterValidation("stagename", func(fl validator.FieldLevel) bool {
		return validation.ValidateStageName(fl.Field().String()) == nil
	})
}

// Config is the full supervisor service configuration.
type Config struct {
	// Service is the logical service name used in logs, traces, and metrics.
	Service string `json:"service" yaml:"service" validate:"required"`

	// Listen is the host:port the HTTP API binds to.
	Listen string `json:"listen" yaml:"listen" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// Stages maps stage names to retry policies. Policies are normalized
	// and fully validated at registration time; only the names are
	// checked here.
	Stages map[string]supervisor.RetryPolicy `json:"stages" yaml:"stages" validate:"omitempty,dive,keys,stagename,endkeys"`

	// Dependencies declares auxiliary external dependencies the service
	// builds degradable guards for. The model backend is configured under
	// Model and is the only critical dependency.
	Dependencies []DependencyConfig `json:"dependencies" yaml:"dependencies" validate:"omitempty,dive"`

	// Model configures the LLM backend consulted during recovery.
	Model ModelConfig `json:"model" yaml:"model"`

	// Knowledge configures the remediation knowledge store tiers.
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`

	// Recovery tunes the recovery engine. Zero values fall back to the
	// engine's own defaults.
	Recovery RecoveryConfig `json:"recovery" yaml:"recovery"`

	// Telemetry configures trace and metric export.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// DependencyConfig declares one auxiliary protected dependency.
//
// Auxiliary dependencies are always degradable: their guards trip
// independently and never fail the stage outright. Threshold and cooldown
// fall back to the breaker defaults when zero.
type DependencyConfig struct {
	Name             string        `json:"name" yaml:"name" validate:"required,stagename"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" validate:"gte=0"`
}

// ModelConfig selects and protects the model backend.
type ModelConfig struct {
	// Backend picks the LLM client: "ollama", "openai", or "none".
	// With "none" the recovery engine runs in knowledge-only mode.
	Backend string `json:"backend" yaml:"backend" validate:"oneof=ollama openai none"`

	// FailureThreshold and Cooldown configure the model backend breaker.
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" validate:"gt=0"`
}

// KnowledgeConfig configures the local and semantic knowledge tiers.
type KnowledgeConfig struct {
	// Path is the directory for the local Badger store.
	Path string `json:"path" yaml:"path"`

	// InMemory runs the local store without any files on disk.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites makes every local write land on disk before returning.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// WeaviateURL enables the semantic tier when non-empty,
	// e.g. "http://aleutian-weaviate:8080".
	WeaviateURL string `json:"weaviate_url" yaml:"weaviate_url"`

	// Namespace prefixes the Weaviate class name.
	Namespace string `json:"namespace" yaml:"namespace" validate:"required"`
}

// RecoveryConfig tunes the recovery engine. Zero values use the engine
// defaults, so a config file only has to name what it changes.
type RecoveryConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	MinConfidence float64       `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	QueryLimit    int           `json:"query_limit" yaml:"query_limit" validate:"gte=0"`
	ConsultEvery  time.Duration `json:"consult_every" yaml:"consult_every" validate:"gte=0"`
	ConsultBurst  int           `json:"consult_burst" yaml:"consult_burst" validate:"gte=0"`
	MaxTokens     int           `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	Temperature   float64       `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
}

// TelemetryConfig configures the OpenTelemetry stack.
type TelemetryConfig struct {
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
	Environment    string `json:"environment" yaml:"environment"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables file logging to the given directory when non-empty.
	Dir string `json:"dir" yaml:"dir"`

	// JSON switches stderr output to JSON format.
	JSON bool `json:"json" yaml:"json"`

	// Quiet disables stderr output entirely.
	Quiet bool `json:"quiet" yaml:"quiet"`
}

// DefaultConfig returns the default configuration.
//
// Outputs:
//   - Config: Defaults suitable for a local single-node deployment.
func DefaultConfig() Config {
	return Config{
		Service:         "forge-supervisor",
		Listen:          ":8090",
		ShutdownTimeout: 15 * time.Second,
		Stages:          map[string]supervisor.RetryPolicy{},
		Model: ModelConfig{
			Backend:          "ollama",
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Path:      "~/.aleutian/forge/knowledge",
			Namespace: "forge",
		},
		Recovery: RecoveryConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPInsecure:   true,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or validation fails.
func Load(configPath string) (Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load from file if specified
	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	// Override from environment variables
	loadConfigFromEnv(&config)

	// Validate
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}

	return nil
}

func loadConfigFromEnv(config *Config) {
	// Service
	if v := os.Getenv("FORGE_SERVICE_NAME"); v != "" {
		config.Service = v
	}
	if v := os.Getenv("PORT"); v != "" {
		config.Listen = ":" + v
	}
	if v := os.Getenv("FORGE_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("FORGE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ShutdownTimeout = d
		}
	}

	// Model
	if v := os.Getenv("LLM_BACKEND_TYPE"); v != "" {
		config.Model.Backend = v
	}
	if v := os.Getenv("FORGE_MODEL_FAILURE_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Model.FailureThreshold = i
		}
	}
	if v := os.Getenv("FORGE_MODEL_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Model.Cooldown = d
		}
	}

	// Knowledge
	if v := os.Getenv("FORGE_KNOWLEDGE_PATH"); v != "" {
		config.Knowledge.Path = v
	}
	if v := os.Getenv("FORGE_KNOWLEDGE_IN_MEMORY"); v != "" {
		config.Knowledge.InMemory = v == "true" || v == "1"
	}
	if v := os.Getenv("FORGE_KNOWLEDGE_SYNC_WRITES"); v != "" {
		config.Knowledge.SyncWrites = v == "true" || v == "1"
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		config.Knowledge.WeaviateURL = v
	}
	if v := os.Getenv("FORGE_KNOWLEDGE_NAMESPACE"); v != "" {
		config.Knowledge.Namespace = v
	}

	// Recovery
	if v := os.Getenv("FORGE_RECOVERY_ENABLED"); v != "" {
		config.Recovery.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FORGE_RECOVERY_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Recovery.MinConfidence = f
		}
	}
	if v := os.Getenv("FORGE_RECOVERY_QUERY_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Recovery.QueryLimit = i
		}
	}
	if v := os.Getenv("FORGE_RECOVERY_CONSULT_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Recovery.ConsultEvery = d
		}
	}
	if v := os.Getenv("FORGE_RECOVERY_CONSULT_BURST"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Recovery.ConsultBurst = i
		}
	}

	// Telemetry
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		config.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		config.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		config.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("ALEUTIAN_ENV"); v != "" {
		config.Telemetry.Environment = v
	}

	// Logging
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("FORGE_LOG_DIR"); v != "" {
		config.Logging.Dir = v
	}
	if v := os.Getenv("FORGE_LOG_JSON"); v != "" {
		config.Logging.JSON = v == "true" || v == "1"
	}
}

// Validate checks that the configuration is valid.
//
// Stage retry policies are deliberately not validated here: registration
// normalizes and validates each policy, and reports errors per stage.
//
// Outputs:
//   - error: Non-nil if configuration is invalid.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	if !c.Knowledge.InMemory && c.Knowledge.Path == "" {
		return fmt.Errorf("knowledge.path is required unless knowledge.in_memory is set")
	}
	seen := make(map[string]bool, len(c.Dependencies))
	for _, dep := range c.Dependencies {
		if seen[dep.Name] {
			return fmt.Errorf("duplicate dependency name %q", dep.Name)
		}
		seen[dep.Name] = true
	}
	return nil
}

// ToTelemetry converts the telemetry section to a telemetry.Config.
//
// Inputs:
//   - version: Build version string for the service.version resource
//     attribute (empty keeps the telemetry default).
//
// Outputs:
//   - telemetry.Config: Ready for telemetry.Init.
func (c Config) ToTelemetry(version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Service
	if version != "" {
		tc.ServiceVersion = version
	}
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	if c.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	tc.OTLPInsecure = c.Telemetry.OTLPInsecure
	return tc
}

// ToLogging converts the logging section to a logging.Config.
//
// Outputs:
//   - logging.Config: Ready for logging.New.
func (c Config) ToLogging() logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: c.Service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}
