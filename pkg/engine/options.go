package engine

import (
	"log/slog"

	"github.com/YarShev/omniscidb/pkg/audit"
	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/exec"
	"github.com/YarShev/omniscidb/pkg/metrics"
	"github.com/YarShev/omniscidb/pkg/plan"
)

// Options configures the engine.
type Options struct {
	// Config is the system configuration. Required.
	Config *config.SystemConfig

	// Version is reported by status and the probe endpoints.
	Version string

	// Store is the metadata store (optional, opened from config if not
	// provided).
	Store catalog.Store

	// Planner is the planning collaborator (optional, the embedded planner
	// if not provided).
	Planner plan.Planner

	// Executor materializes plans on this node (optional, the local
	// executor if not provided).
	Executor exec.Executor

	// Leaves is the leaf topology (optional, built from config if not
	// provided).
	Leaves *cluster.Registry

	// LeafClient reaches the leaf topology (optional, built from config
	// if not provided).
	LeafClient *cluster.Client

	// Audit is the audit logger (optional, built from config if not
	// provided).
	Audit audit.Logger

	// Metrics is the metrics registry (optional, a fresh registry if not
	// provided).
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring the engine.
type Option func(*Options)

// WithConfig sets the system configuration.
func WithConfig(cfg *config.SystemConfig) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithVersion sets the version string reported by status.
func WithVersion(version string) Option {
	return func(o *Options) {
		o.Version = version
	}
}

// WithStore sets the metadata store, overriding the configured backend.
func WithStore(store catalog.Store) Option {
	return func(o *Options) {
		o.Store = store
	}
}

// WithPlanner sets the planning collaborator.
func WithPlanner(p plan.Planner) Option {
	return func(o *Options) {
		o.Planner = p
	}
}

// WithExecutor sets the execution collaborator.
func WithExecutor(ex exec.Executor) Option {
	return func(o *Options) {
		o.Executor = ex
	}
}

// WithLeaves sets the leaf topology.
func WithLeaves(registry *cluster.Registry) Option {
	return func(o *Options) {
		o.Leaves = registry
	}
}

// WithLeafClient sets the client used to reach leaves.
func WithLeafClient(client *cluster.Client) Option {
	return func(o *Options) {
		o.LeafClient = client
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.Audit = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = log
	}
}
