package config

import (
	"time"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/template"
)

// Locations of the engine configuration, relative to the working directory.
const (
	ConfigDir  = ".yam"
	ConfigFile = "config.yaml"
)

// EngineConfig is the engine configuration for one working directory.
type EngineConfig struct {
	// Clusters are the deployment target environments.
	Clusters []engine.Cluster `yaml:"clusters" validate:"required,min=1,dive"`

	// Plugins are the installed plugin descriptors, in composition order.
	Plugins []engine.Plugin `yaml:"plugins" validate:"dive"`

	// Lock configures apply serialization.
	Lock LockConfig `yaml:"lock"`

	// Store configures plan and run persistence.
	Store StoreConfig `yaml:"store"`

	// Values configures value resolution.
	Values ValuesConfig `yaml:"values"`

	// Policy configures the policy gate.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Source is the file the configuration was read from, empty if none.
	Source string `yaml:"-"`
}

// LockConfig configures the apply lock.
type LockConfig struct {
	Strategy  engine.LockStrategy `yaml:"strategy" env:"STRATEGY" validate:"oneof=none cluster-object external-service"`
	TTL       time.Duration       `yaml:"ttl" env:"TTL"`
	RedisAddr string              `yaml:"redisAddr" env:"REDIS_ADDR" validate:"required_if=Strategy external-service"`

	// Namespace holds cluster-object locks. Empty uses "default".
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	// Path is the SQLite database file, relative to the working directory.
	Path string `yaml:"path" env:"PATH" validate:"required"`

	// Passphrase seals plan artifacts when set.
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
}

// ValuesConfig configures value resolution.
type ValuesConfig struct {
	StackPrecedence template.StackPrecedence `yaml:"stackPrecedence" env:"STACK_PRECEDENCE" validate:"oneof=fallback override"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// Dir holds additional *.rego files, relative to the working directory.
	Dir string `yaml:"dir" env:"DIR"`

	// Disabled turns the policy gate off.
	Disabled bool `yaml:"disabled" env:"DISABLED"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel        string `yaml:"logLevel" env:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat       string `yaml:"logFormat" env:"LOG_FORMAT" validate:"omitempty,oneof=console json"`
	MetricsAddr     string `yaml:"metricsAddr" env:"METRICS_ADDR"`
	TracingExporter string `yaml:"tracingExporter" env:"TRACING_EXPORTER" validate:"omitempty,oneof=none stdout otlp"`
	TracingEndpoint string `yaml:"tracingEndpoint" env:"TRACING_ENDPOINT"`
}

// Default returns the configuration used when no file is present.
func Default() *EngineConfig {
	return &EngineConfig{
		Lock: LockConfig{
			Strategy: engine.LockStrategyNone,
			TTL:      10 * time.Minute,
		},
		Store: StoreConfig{
			Path: ConfigDir + "/state.db",
		},
		Values: ValuesConfig{
			StackPrecedence: template.StackPrecedenceFallback,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
		},
	}
}

// Cluster returns the cluster with the given name.
func (c *EngineConfig) Cluster(name string) (engine.Cluster, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == name {
			return cl, true
		}
	}
	return engine.Cluster{}, false
}
