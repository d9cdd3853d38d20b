// Package config handles loading and validating Sitebox configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sitebox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sitebox. Override: SITEBOX_DATA_DIR env var.
	Ports         PortsConfig          `json:"ports" yaml:"ports"`
	Supervisor    SupervisorConfig     `json:"supervisor" yaml:"supervisor"`
	Storage       StorageConfig        `json:"storage" yaml:"storage"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = HTTP gateway disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// PortsConfig bounds the lease range shared by all sandboxes.
type PortsConfig struct {
	Min int `json:"min" yaml:"min"` // Default: 8881
	Max int `json:"max" yaml:"max"` // Default: 8999
}

// MinPort returns the configured lower bound, defaulting to 8881.
func (p PortsConfig) MinPort() int {
	if p.Min > 0 {
		return p.Min
	}
	return 8881
}

// MaxPort returns the configured upper bound, defaulting to 8999.
func (p PortsConfig) MaxPort() int {
	if p.Max > 0 {
		return p.Max
	}
	return 8999
}

// SupervisorConfig bounds process startup, shutdown, and liveness checking.
// Every wait in the supervisor is bounded by one of these knobs.
type SupervisorConfig struct {
	StartupTimeoutS   int    `json:"startup_timeout_s" yaml:"startup_timeout_s"`   // Default: 30
	ReadinessAttempts int    `json:"readiness_attempts" yaml:"readiness_attempts"` // Default: 40
	ReadinessDelayMS  int    `json:"readiness_delay_ms" yaml:"readiness_delay_ms"` // Default: 250
	StopGraceS        int    `json:"stop_grace_s" yaml:"stop_grace_s"`             // Default: 5
	LivenessSweep     string `json:"liveness_sweep" yaml:"liveness_sweep"`         // cron spec, e.g. "@every 30s". Empty = sweeps disabled.
}

func (s SupervisorConfig) StartupTimeout() time.Duration {
	if s.StartupTimeoutS > 0 {
		return time.Duration(s.StartupTimeoutS) * time.Second
	}
	return 30 * time.Second
}

func (s SupervisorConfig) Attempts() int {
	if s.ReadinessAttempts > 0 {
		return s.ReadinessAttempts
	}
	return 40
}

func (s SupervisorConfig) ReadinessDelay() time.Duration {
	if s.ReadinessDelayMS > 0 {
		return time.Duration(s.ReadinessDelayMS) * time.Millisecond
	}
	return 250 * time.Millisecond
}

func (s SupervisorConfig) StopGrace() time.Duration {
	if s.StopGraceS > 0 {
		return time.Duration(s.StopGraceS) * time.Second
	}
	return 5 * time.Second
}

// StorageConfig configures storage backend verification and provisioning.
type StorageConfig struct {
	// InstallRoots are extra directories scanned for client-server database
	// engine installations, in addition to well-known system paths.
	InstallRoots []string `json:"install_roots,omitempty" yaml:"install_roots,omitempty"`

	// Admin credentials for the verification handshake. DSN pieces only;
	// SITEBOX_DB_PASSWORD overrides Password.
	Host     string `json:"host,omitempty" yaml:"host,omitempty"` // Default: 127.0.0.1
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"` // Default: 5432
	User     string `json:"user,omitempty" yaml:"user,omitempty"` // Default: postgres
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	StartGraceS       int `json:"start_grace_s" yaml:"start_grace_s"`             // Engine start wait. Default: 3
	HandshakeTimeoutS int `json:"handshake_timeout_s" yaml:"handshake_timeout_s"` // Default: 5
}

func (s StorageConfig) AdminHost() string {
	if s.Host != "" {
		return s.Host
	}
	return "127.0.0.1"
}

func (s StorageConfig) AdminPort() int {
	if s.Port > 0 {
		return s.Port
	}
	return 5432
}

func (s StorageConfig) AdminUser() string {
	if s.User != "" {
		return s.User
	}
	return "postgres"
}

func (s StorageConfig) AdminPassword() string {
	if pw := os.Getenv("SITEBOX_DB_PASSWORD"); pw != "" {
		return pw
	}
	return s.Password
}

func (s StorageConfig) StartGrace() time.Duration {
	if s.StartGraceS > 0 {
		return time.Duration(s.StartGraceS) * time.Second
	}
	return 3 * time.Second
}

func (s StorageConfig) HandshakeTimeout() time.Duration {
	if s.HandshakeTimeoutS > 0 {
		return time.Duration(s.HandshakeTimeoutS) * time.Second
	}
	return 5 * time.Second
}

// GatewayConfig configures the local HTTP automation API.
type GatewayConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`               // Default: "127.0.0.1:8780"
	APIKeys           map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key -> caller name.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	RequestsPerMinute int               `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Per-client rate limit. 0 = unlimited.
	BurstSize         int               `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`                   // Token bucket capacity. 0 = requests_per_minute.
}

// Addr returns the listen address, defaulting to loopback.
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return "127.0.0.1:8780"
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sitebox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Load reads configuration from path. An empty path falls back to
// SITEBOX_CONFIG, then <dataDir>/config.yaml; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SITEBOX_CONFIG")
	}
	cfg := &Config{}
	if path == "" {
		path = filepath.Join(DefaultDataDir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if dir := os.Getenv("SITEBOX_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly work.
func (c *Config) Validate() error {
	if c.Ports.MinPort() > c.Ports.MaxPort() {
		return fmt.Errorf("ports: min %d exceeds max %d", c.Ports.MinPort(), c.Ports.MaxPort())
	}
	if c.Gateway != nil && c.Gateway.Enabled && len(c.Gateway.APIKeys) == 0 {
		return fmt.Errorf("gateway: enabled but no api_keys configured")
	}
	return nil
}

// SitesDir is where per-sandbox registry documents live.
func (c *Config) SitesDir() string {
	return filepath.Join(c.DataDir, "sites")
}

// DomainsFile holds the domain -> port mappings maintained by the default
// domain registrar. It is consumed by external tooling; Sitebox never edits
// system resolver files itself.
func (c *Config) DomainsFile() string {
	return filepath.Join(c.DataDir, "domains.json")
}

// DefaultDataDir returns ~/.sitebox, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sitebox"
	}
	return filepath.Join(home, ".sitebox")
}
