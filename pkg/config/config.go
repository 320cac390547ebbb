// Package config loads and validates the control-plane configuration.
// Configuration is typed and validated once at load time; components never
// see raw key-value maps.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/orchestrator"
	"github.com/atelier-sh/atelier/pkg/storage"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// Config is the full control-plane configuration.
type Config struct {
	Server       ServerSettings      `yaml:"server"`
	Store        StoreSettings       `yaml:"store"`
	Catalog      CatalogSettings     `yaml:"catalog"`
	Fleet        FleetSettings       `yaml:"fleet"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Storage      *storage.SFTPConfig `yaml:"storage,omitempty"`
	Telemetry    TelemetrySettings   `yaml:"telemetry"`
}

// ServerSettings configures the control-plane listener.
type ServerSettings struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
}

// StoreSettings configures the workspace store.
type StoreSettings struct {
	// Path is the SQLite database file. It must live on storage shared by
	// every orchestrator instance.
	Path string `yaml:"path" validate:"required"`
}

// CatalogSettings configures the hardware tier catalog.
type CatalogSettings struct {
	URL          string        `yaml:"url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// FleetSettings configures fleet membership and health probing. Servers can
// be listed inline or in a separate file that is watched for changes.
type FleetSettings struct {
	// File points at a standalone fleet file (same schema as Servers). When
	// set, the file is hot-reloaded on change.
	File string `yaml:"file,omitempty"`

	Servers []fleet.ServerConfig `yaml:"servers,omitempty" validate:"dive"`

	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"omitempty,min=1"`
}

// TelemetrySettings is the YAML surface for logging, metrics, and tracing.
type TelemetrySettings struct {
	Environment     string  `yaml:"environment"`
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	MetricsListen   string  `yaml:"metrics_listen"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Server: ServerSettings{ListenAddress: ":8420"},
		Store:  StoreSettings{Path: "/var/lib/atelier/workspaces.db"},
		Catalog: CatalogSettings{
			CacheTTL:     5 * time.Minute,
			FetchTimeout: 10 * time.Second,
		},
		Fleet: FleetSettings{
			ProbeInterval:    15 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 3,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Telemetry: TelemetrySettings{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SamplingRate:    1.0,
		},
	}
}

// Load reads, decodes, and validates a configuration file. Unknown keys are
// rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural and semantic constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if len(c.Fleet.Servers) == 0 && c.Fleet.File == "" {
		return fmt.Errorf("fleet: either servers or file must be set")
	}

	seen := make(map[string]bool, len(c.Fleet.Servers))
	for _, server := range c.Fleet.Servers {
		if seen[server.ID] {
			return fmt.Errorf("fleet: duplicate server id %s", server.ID)
		}
		seen[server.ID] = true
	}

	return nil
}

// RegistryConfig derives the fleet registry settings.
func (c *Config) RegistryConfig() fleet.RegistryConfig {
	return fleet.RegistryConfig{
		ProbeInterval:    c.Fleet.ProbeInterval,
		ProbeTimeout:     c.Fleet.ProbeTimeout,
		FailureThreshold: c.Fleet.FailureThreshold,
	}
}

// TelemetryConfig derives the full telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return tc
}
