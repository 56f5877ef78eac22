// Package config loads the process-wide system configuration.
//
// The configuration is read once at startup and treated as immutable for the
// life of the process. Admission, session and dispatch behavior are pure
// functions of this configuration plus observed load; nothing mutates it at
// runtime.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDatabase is the database created on first boot and used when a
// client connects with an empty database name.
const DefaultDatabase = "omnisci"

// SystemConfig holds the complete engine configuration.
type SystemConfig struct {
	// Data is the base path; the embedded catalog database lives under it.
	Data           string `yaml:"data"`
	CPUOnly        bool   `yaml:"cpu_only"`
	AllowMultifrag bool   `yaml:"allow_multifrag"`
	JITDebug       bool   `yaml:"jit_debug"`
	ReadOnly       bool   `yaml:"read_only"`
	AllowLoopJoins bool   `yaml:"allow_loop_joins"`
	LegacySyntax   bool   `yaml:"legacy_syntax"`
	// ReaderThreads is the size of the shared reader pool. Zero means no
	// dedicated pool; reads run on the calling goroutine.
	ReaderThreads int `yaml:"reader_threads"`

	Rendering RenderingConfig `yaml:"rendering"`
	GPU       GPUConfig       `yaml:"gpu"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	UDF       UDFConfig       `yaml:"udf"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Audit     AuditConfig     `yaml:"audit"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// RenderingConfig configures the rendering subsystem and its admission
// ceilings.
type RenderingConfig struct {
	Enabled bool `yaml:"enabled"`
	// AutoClearMemory clears reclaimable render memory after each render.
	AutoClearMemory bool `yaml:"auto_clear_memory"`
	// OOMRetryThreshold is the number of acquire retries attempted after
	// clearing render memory. Zero disables the retry path.
	OOMRetryThreshold int   `yaml:"oom_retry_threshold"`
	MemoryBytes       int64 `yaml:"memory_bytes"`
	MaxSessions       int   `yaml:"max_sessions"`
}

// GPUConfig configures GPU device selection.
type GPUConfig struct {
	// Count limits the number of devices used; -1 means all visible.
	Count int `yaml:"count"`
	// Start is the index of the first device used.
	Start int `yaml:"start"`
	// ReservedMemoryBytes is withheld from every device's capacity when
	// computing the admission budget.
	ReservedMemoryBytes int64 `yaml:"reserved_memory_bytes"`
}

// SessionsConfig configures session lifetimes.
type SessionsConfig struct {
	IdleMinutes int `yaml:"idle_minutes"`
	MaxMinutes  int `yaml:"max_minutes"`
	// SweepSeconds is the interval of the background expiry sweep.
	// Zero disables the sweep; expiry is still enforced lazily on access.
	SweepSeconds int `yaml:"sweep_seconds"`
}

// IdleTimeout returns the idle limit as a duration.
func (c SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// MaxDuration returns the absolute session lifetime as a duration.
func (c SessionsConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxMinutes) * time.Minute
}

// SweepInterval returns the sweep cadence, zero when disabled.
func (c SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// UDFConfig configures user-defined function support.
type UDFConfig struct {
	EnableRuntimeRegistration bool     `yaml:"enable_runtime_registration"`
	SourceFile                string   `yaml:"source_file"`
	CompilerPath              string   `yaml:"compiler_path"`
	CompilerOptions           []string `yaml:"compiler_options"`
}

// CatalogConfig configures the catalog metadata store.
type CatalogConfig struct {
	// Backend selects the store: "sqlite" (embedded, default) or
	// "postgres" (shared metadata database for cluster deployments).
	Backend      string `yaml:"backend"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ClusterConfig configures the distributed topology. A node with no leaves
// runs in single-node mode.
type ClusterConfig struct {
	// TopologyFile points at a YAML topology descriptor. Mutually
	// exclusive with the inline leaf lists.
	TopologyFile string   `yaml:"topology_file"`
	StringLeaves []string `yaml:"string_leaves"`
	DataLeaves   []string `yaml:"data_leaves"`
	// SharedSecret signs the node tokens attached to leaf requests.
	SharedSecret   string `yaml:"shared_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RequestTimeout returns the per-leaf-request timeout.
func (c ClusterConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HasLeaves reports whether any leaf is configured inline.
func (c ClusterConfig) HasLeaves() bool {
	return len(c.StringLeaves) > 0 || len(c.DataLeaves) > 0
}

// AuditConfig configures the query audit log.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// ServerConfig configures the operational HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	Metrics bool   `yaml:"metrics"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file overrides it.
func Default() *SystemConfig {
	cfg := newSeed()
	applyDefaults(cfg)
	return cfg
}

// newSeed pre-sets the booleans whose default is true. Unmarshalling only
// overwrites keys present in the file, so omitting them keeps the default.
func newSeed() *SystemConfig {
	return &SystemConfig{
		AllowMultifrag: true,
		LegacySyntax:   true,
		Server:         ServerConfig{Metrics: true},
	}
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the
// administrator.
func Load(path string) (*SystemConfig, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	cfg := newSeed()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *SystemConfig) {
	if cfg.Data == "" {
		cfg.Data = "data"
	}
	if cfg.Rendering.MemoryBytes == 0 {
		cfg.Rendering.MemoryBytes = 500000000
	}
	if cfg.Rendering.MaxSessions == 0 {
		cfg.Rendering.MaxSessions = 500
	}
	if cfg.GPU.Count == 0 {
		cfg.GPU.Count = -1
	}
	if cfg.GPU.ReservedMemoryBytes == 0 {
		cfg.GPU.ReservedMemoryBytes = 134217728
	}
	if cfg.Sessions.IdleMinutes == 0 {
		cfg.Sessions.IdleMinutes = 60
	}
	if cfg.Sessions.MaxMinutes == 0 {
		cfg.Sessions.MaxMinutes = 43200
	}
	if cfg.Catalog.Backend == "" {
		cfg.Catalog.Backend = "sqlite"
	}
	if cfg.Catalog.MaxOpenConns == 0 {
		cfg.Catalog.MaxOpenConns = 25
	}
	if cfg.Cluster.TimeoutSeconds == 0 {
		cfg.Cluster.TimeoutSeconds = 30
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":6274"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate validates the configuration.
func (c *SystemConfig) Validate() error {
	var errs []string

	if c.Rendering.Enabled && c.CPUOnly {
		errs = append(errs, "rendering.enabled requires GPUs; cpu_only must be false")
	}
	if c.Rendering.MemoryBytes < 0 {
		errs = append(errs, "rendering.memory_bytes must not be negative")
	}
	if c.Rendering.MaxSessions < 0 {
		errs = append(errs, "rendering.max_sessions must not be negative")
	}
	if c.Rendering.OOMRetryThreshold < 0 {
		errs = append(errs, "rendering.oom_retry_threshold must not be negative")
	}
	if c.GPU.Count < -1 {
		errs = append(errs, "gpu.count must be -1 (all devices) or non-negative")
	}
	if c.GPU.Start < 0 {
		errs = append(errs, "gpu.start must not be negative")
	}
	if c.GPU.ReservedMemoryBytes < 0 {
		errs = append(errs, "gpu.reserved_memory_bytes must not be negative")
	}
	if c.ReaderThreads < 0 {
		errs = append(errs, "reader_threads must not be negative")
	}
	if c.Sessions.IdleMinutes <= 0 {
		errs = append(errs, "sessions.idle_minutes must be positive")
	}
	if c.Sessions.MaxMinutes <= 0 {
		errs = append(errs, "sessions.max_minutes must be positive")
	}
	if c.Sessions.SweepSeconds < 0 {
		errs = append(errs, "sessions.sweep_seconds must not be negative")
	}

	switch c.Catalog.Backend {
	case "sqlite":
	case "postgres":
		if c.Catalog.DSN == "" {
			errs = append(errs, "catalog.dsn is required when catalog.backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.backend %q is not supported (sqlite, postgres)", c.Catalog.Backend))
	}

	if c.Cluster.TopologyFile != "" && c.Cluster.HasLeaves() {
		errs = append(errs, "cluster.topology_file and inline leaf lists are mutually exclusive")
	}
	if (c.Cluster.TopologyFile != "" || c.Cluster.HasLeaves()) && c.Cluster.SharedSecret == "" {
		errs = append(errs, "cluster.shared_secret is required when leaves are configured")
	}
	if c.Cluster.TimeoutSeconds <= 0 {
		errs = append(errs, "cluster.timeout_seconds must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported (debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
