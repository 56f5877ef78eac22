// Package engine assembles the server core: metadata catalog, session
// manager, admission controller, planner, executor, cluster topology and
// statement dispatcher behind a single facade with a managed lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YarShev/omniscidb/pkg/admission"
	"github.com/YarShev/omniscidb/pkg/audit"
	auditsql "github.com/YarShev/omniscidb/pkg/audit/sqlstore"
	"github.com/YarShev/omniscidb/pkg/catalog"
	catalogsql "github.com/YarShev/omniscidb/pkg/catalog/sqlstore"
	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/dispatch"
	"github.com/YarShev/omniscidb/pkg/exec"
	"github.com/YarShev/omniscidb/pkg/exec/local"
	"github.com/YarShev/omniscidb/pkg/health"
	"github.com/YarShev/omniscidb/pkg/metrics"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/plan/basic"
	"github.com/YarShev/omniscidb/pkg/result"
	"github.com/YarShev/omniscidb/pkg/session"
)

const (
	// defaultVersion is reported when the build does not stamp one.
	defaultVersion = "dev"

	// nodeTokenTTL bounds the validity of aggregator-to-leaf tokens. Tokens
	// are minted per request, so the window stays short.
	nodeTokenTTL = time.Minute

	// auditCleanupInterval is how often expired audit rows are purged.
	auditCleanupInterval = time.Hour

	// leafPingTimeout bounds the startup reachability probe per topology.
	leafPingTimeout = 10 * time.Second

	// renderStatementKind labels render executions in audit and metrics.
	renderStatementKind = "RENDER"
)

// Engine owns every collaborator of a running server node. Construct it
// with New, bring it up with Start and shut it down with Stop.
type Engine struct {
	cfg     *config.SystemConfig
	version string
	log     *slog.Logger

	store      catalog.Store
	sqlStore   *catalogsql.Store
	catalog    *catalog.Catalog
	sessions   *session.Manager
	admission  *admission.Controller
	planner    plan.Planner
	executor   exec.Executor
	leaves     *cluster.Registry
	leafClient *cluster.Client
	auditLog   audit.Logger
	auditStore *auditsql.Store
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	checker    *health.Checker

	startedAt time.Time
}

// New builds an engine from functional options. Collaborators left unset
// are constructed from the configuration.
func New(opts ...Option) (*Engine, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	log := options.Logger
	if log == nil {
		log = slog.Default()
	}
	version := options.Version
	if version == "" {
		version = defaultVersion
	}

	e := &Engine{
		cfg:       options.Config,
		version:   version,
		log:       log,
		checker:   health.NewChecker(version),
		startedAt: time.Now(),
	}

	if err := e.initStore(options); err != nil {
		return nil, fmt.Errorf("initializing metadata store: %w", err)
	}
	if err := e.initCluster(options); err != nil {
		if e.sqlStore != nil {
			_ = e.sqlStore.Close()
		}
		return nil, fmt.Errorf("initializing cluster topology: %w", err)
	}
	e.initCatalog()
	e.initExecution(options)
	e.initSessions()
	e.initAudit(options)
	e.initDispatch()
	return e, nil
}

func (e *Engine) initStore(opts *Options) error {
	if opts.Store != nil {
		e.store = opts.Store
		return nil
	}
	var (
		store *catalogsql.Store
		err   error
	)
	switch e.cfg.Catalog.Backend {
	case "postgres":
		store, err = catalogsql.OpenPostgres(e.cfg.Catalog.DSN, e.cfg.Catalog.MaxOpenConns)
	default:
		store, err = catalogsql.OpenSQLite(e.cfg.Data)
	}
	if err != nil {
		return err
	}
	e.store = store
	e.sqlStore = store
	return nil
}

func (e *Engine) initCluster(opts *Options) error {
	if opts.Leaves != nil {
		e.leaves = opts.Leaves
	} else {
		registry, err := cluster.FromConfig(e.cfg.Cluster)
		if err != nil {
			return err
		}
		e.leaves = registry
	}
	if !e.leaves.IsDistributed() {
		return nil
	}
	if opts.LeafClient != nil {
		e.leafClient = opts.LeafClient
		return nil
	}
	issuer, err := cluster.NewTokenIssuer(e.cfg.Cluster.SharedSecret, nodeTokenTTL)
	if err != nil {
		return err
	}
	e.leafClient = cluster.NewClient(e.cfg.Cluster.RequestTimeout(), issuer)
	return nil
}

func (e *Engine) initCatalog() {
	e.catalog = catalog.New(e.store, catalog.Config{Logger: e.log})
}

func (e *Engine) initExecution(opts *Options) {
	if opts.Executor != nil {
		e.executor = opts.Executor
	} else {
		e.executor = local.New(e.log)
	}
	if opts.Planner != nil {
		e.planner = opts.Planner
	} else {
		e.planner = basic.New()
	}
	if opts.Metrics != nil {
		e.metrics = opts.Metrics
	} else {
		e.metrics = metrics.New()
	}
	e.admission = admission.FromConfig(e.cfg, e.gpuBudget(), e.log)
}

// gpuBudget sums the usable memory of the configured device range. The
// reserved margin is withheld from every device.
func (e *Engine) gpuBudget() int64 {
	if e.cfg.CPUOnly {
		return 0
	}
	inventory, ok := e.executor.(exec.DeviceInventory)
	if !ok {
		return 0
	}
	devices := inventory.Devices()
	if e.cfg.GPU.Start >= len(devices) {
		return 0
	}
	devices = devices[e.cfg.GPU.Start:]
	if n := e.cfg.GPU.Count; n >= 0 && n < len(devices) {
		devices = devices[:n]
	}
	var total int64
	for _, device := range devices {
		if usable := device.MemoryBytes - e.cfg.GPU.ReservedMemoryBytes; usable > 0 {
			total += usable
		}
	}
	return total
}

func (e *Engine) initSessions() {
	e.sessions = session.NewManager(e.catalog, session.Config{
		IdleTimeout: e.cfg.Sessions.IdleTimeout(),
		MaxDuration: e.cfg.Sessions.MaxDuration(),
		Leaves:      e.leaves,
		Logger:      e.log,
	})
}

func (e *Engine) initAudit(opts *Options) {
	if opts.Audit != nil {
		e.auditLog = opts.Audit
		return
	}
	if !e.cfg.Audit.Enabled {
		e.auditLog = audit.Noop{}
		return
	}
	if e.sqlStore == nil {
		e.log.Warn("audit is enabled but the metadata store was injected; events will not be persisted")
		e.auditLog = audit.Noop{}
		return
	}
	store := auditsql.New(e.sqlStore.DB(), e.sqlStore.Driver(), auditsql.Config{
		RetentionDays: e.cfg.Audit.RetentionDays,
	})
	e.auditStore = store
	e.auditLog = store
}

func (e *Engine) initDispatch() {
	e.dispatcher = dispatch.New(dispatch.Config{
		Sessions:       e.sessions,
		Catalog:        e.catalog,
		Planner:        e.planner,
		Executor:       e.executor,
		Admission:      e.admission,
		LeafClient:     e.leafClient,
		Audit:          e.auditLog,
		Metrics:        e.metrics,
		ReadOnly:       e.cfg.ReadOnly,
		LegacySyntax:   e.cfg.LegacySyntax,
		AllowLoopJoins: e.cfg.AllowLoopJoins,
		Logger:         e.log,
	})
}

// Start seeds the catalog, loads the startup UDF source, probes the leaf
// topology and launches the background routines. The engine reports ready
// once Start returns nil.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.catalog.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("seeding catalog defaults: %w", err)
	}
	if err := e.registerStartupUDF(ctx); err != nil {
		return fmt.Errorf("registering startup UDF: %w", err)
	}
	e.pingLeaves(ctx)
	if interval := e.cfg.Sessions.SweepInterval(); interval > 0 {
		e.sessions.StartSweepRoutine(interval)
	}
	if e.auditStore != nil {
		e.auditStore.StartCleanupRoutine(auditCleanupInterval)
	}
	e.checker.SetReady()
	e.log.Info("engine ready",
		"version", e.version,
		"distributed", e.leaves.IsDistributed(),
		"string_leaves", e.leaves.StringLeafCount(),
		"data_leaves", e.leaves.DataLeafCount(),
		"read_only", e.cfg.ReadOnly,
		"multifrag", e.cfg.AllowMultifrag,
		"jit_debug", e.cfg.JITDebug,
		"gpu_memory_bytes", e.admission.Stats().GPUMemoryLimit,
	)
	return nil
}

// registerStartupUDF delivers the configured UDF source file to the planner.
// Unlike session-driven registration this path does not require the runtime
// registration flag; the file is trusted startup configuration.
func (e *Engine) registerStartupUDF(ctx context.Context) error {
	path := e.cfg.UDF.SourceFile
	if path == "" {
		return nil
	}
	registrar, ok := e.planner.(plan.UDFRegistrar)
	if !ok {
		return fmt.Errorf("udf.source_file is set but the configured planner does not accept UDF registration")
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading UDF source: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := registrar.RegisterRuntimeUDF(ctx, name, string(source)); err != nil {
		return fmt.Errorf("planner rejected UDF %q: %w", name, err)
	}
	e.log.Info("registered startup udf", "name", name, "file", path)
	return nil
}

// pingLeaves probes leaf reachability at startup. An unreachable leaf is
// logged, not fatal; statements that touch it fail with their own
// diagnostics.
func (e *Engine) pingLeaves(ctx context.Context) {
	if e.leafClient == nil || !e.leaves.IsDistributed() {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, leafPingTimeout)
	defer cancel()
	leaves := append(e.leaves.Leaves(cluster.RoleString), e.leaves.Leaves(cluster.RoleData)...)
	for _, leaf := range leaves {
		if err := e.leafClient.Ping(pingCtx, leaf); err != nil {
			e.log.Warn("leaf unreachable", "leaf", leaf.String(), "error", err)
		}
	}
}

// Stop drains the engine: probes flip to draining, the session sweeper and
// audit cleanup halt, and the executor and stores close. Stop never starts
// returning errors early; every collaborator gets its shutdown call.
func (e *Engine) Stop(ctx context.Context) error {
	e.checker.SetDraining()

	var errs []string
	if err := e.sessions.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("session manager: %v", err))
	}
	if err := e.auditLog.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("audit log: %v", err))
	}
	if err := e.executor.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("executor: %v", err))
	}
	if e.sqlStore != nil {
		if err := e.sqlStore.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("metadata store: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	e.log.Info("engine stopped")
	return nil
}

// Connect authenticates the credentials and opens a session bound to the
// resolved database.
func (e *Engine) Connect(ctx context.Context, username, password, database string) (string, error) {
	id, err := e.sessions.Connect(ctx, username, password, database)
	e.metrics.RecordConnect(err == nil)
	if err != nil {
		e.auditEvent(ctx, audit.NewEvent(audit.EventTypeConnect).
			WithSession("", username, database).
			WithResult(false, err.Error(), 0))
		return "", err
	}
	e.metrics.SessionOpened()
	if database == "" {
		database = e.catalog.DefaultDatabase()
	}
	e.auditEvent(ctx, audit.NewEvent(audit.EventTypeConnect).
		WithSession(shortID(id), username, database).
		WithResult(true, "", 0))
	return id, nil
}

// Disconnect interrupts the session's running statements and removes it.
func (e *Engine) Disconnect(ctx context.Context, sessionID string) error {
	ident, err := e.sessions.Resolve(sessionID)
	if err != nil {
		return err
	}
	interrupted := e.dispatcher.Interrupt(sessionID)
	if err := e.sessions.Disconnect(sessionID); err != nil {
		return err
	}
	e.metrics.SessionClosed()
	e.auditEvent(ctx, audit.NewEvent(audit.EventTypeDisconnect).
		WithSession(shortID(sessionID), ident.User.Username, ident.Database).
		WithResult(true, "", 0))
	if interrupted > 0 {
		e.log.Info("disconnect interrupted running statements",
			"session", shortID(sessionID), "count", interrupted)
	}
	return nil
}

// ExecuteSQL runs one statement on the session and returns its windowed
// result.
func (e *Engine) ExecuteSQL(ctx context.Context, req dispatch.Request) (*result.QueryResult, error) {
	return e.dispatcher.Execute(ctx, req)
}

// Interrupt cancels the session's in-flight statements and reports how many
// were signalled.
func (e *Engine) Interrupt(sessionID string) (int, error) {
	if _, err := e.sessions.Resolve(sessionID); err != nil {
		return 0, err
	}
	return e.dispatcher.Interrupt(sessionID), nil
}

// RegisterRuntimeUDF registers a user-defined function with the planner.
// Registration requires a superuser session and must be enabled in the
// configuration.
func (e *Engine) RegisterRuntimeUDF(ctx context.Context, sessionID, name, source string) error {
	ident, err := e.resolveSession(sessionID)
	if err != nil {
		return err
	}
	if !e.cfg.UDF.EnableRuntimeRegistration {
		return dberr.New(dberr.KindAuthorization, "runtime UDF registration is disabled on this server")
	}
	if !ident.User.IsSuper {
		return dberr.Newf(dberr.KindAuthorization, "user %q cannot register runtime UDFs; superuser is required", ident.User.Username)
	}
	registrar, ok := e.planner.(plan.UDFRegistrar)
	if !ok {
		return dberr.New(dberr.KindQuery, "the configured planner does not accept runtime UDF registration")
	}
	if err := registrar.RegisterRuntimeUDF(ctx, name, source); err != nil {
		return err
	}
	e.auditEvent(ctx, audit.NewEvent(audit.EventTypeAdmin).
		WithSession(shortID(ident.SessionID), ident.User.Username, ident.Database).
		WithStatement("UDF", fmt.Sprintf("REGISTER RUNTIME UDF %s", name)).
		WithResult(true, "", 0))
	e.log.Info("registered runtime udf", "name", name, "user", ident.User.Username)
	return nil
}

// ClearGPUMemory flushes reclaimable device memory pools. Superuser only.
func (e *Engine) ClearGPUMemory(ctx context.Context, sessionID string) error {
	ident, err := e.resolveSession(sessionID)
	if err != nil {
		return err
	}
	if !ident.User.IsSuper {
		return dberr.Newf(dberr.KindAuthorization, "user %q cannot clear GPU memory; superuser is required", ident.User.Username)
	}
	freed := e.admission.ClearRenderMemory()
	if clearer, ok := e.executor.(exec.MemoryClearer); ok {
		if err := clearer.ClearGPUMemory(ctx); err != nil {
			return dberr.Wrap(dberr.KindInternal, "clearing device memory", err)
		}
	}
	e.auditEvent(ctx, audit.NewEvent(audit.EventTypeAdmin).
		WithSession(shortID(ident.SessionID), ident.User.Username, ident.Database).
		WithStatement("ADMIN", "CLEAR GPU MEMORY").
		WithResult(true, "", 0))
	e.log.Info("cleared gpu memory", "user", ident.User.Username, "render_bytes_freed", freed)
	return nil
}

// RenderVega renders a Vega specification into an image on the session's
// behalf. Render executions count against the render session ceiling.
func (e *Engine) RenderVega(ctx context.Context, sessionID string, widgetID int64, vega string) ([]byte, error) {
	started := time.Now()
	ident, err := e.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !e.cfg.Rendering.Enabled {
		return nil, dberr.New(dberr.KindQuery, "rendering is not enabled on this server")
	}
	renderer, ok := e.executor.(exec.Renderer)
	if !ok {
		return nil, dberr.New(dberr.KindQuery, "the execution engine was built without rendering support")
	}

	ticket, err := e.admission.Acquire(admission.RenderSession, 1)
	if err != nil {
		e.metrics.RecordAdmissionDenied(admission.RenderSession.String())
		return nil, err
	}
	defer func() {
		if err := ticket.Release(); err != nil {
			e.log.Error("render ticket release failed", "error", err)
		}
	}()

	image, renderErr := renderer.RenderVega(ctx, widgetID, vega)
	elapsed := time.Since(started)
	e.metrics.RecordQuery(renderStatementKind, renderErr == nil, elapsed.Seconds())

	errMsg := ""
	if renderErr != nil {
		errMsg = renderErr.Error()
	}
	e.auditEvent(ctx, audit.NewEvent(audit.EventTypeStatement).
		WithSession(shortID(ident.SessionID), ident.User.Username, ident.Database).
		WithStatement(renderStatementKind, fmt.Sprintf("RENDER VEGA widget %d", widgetID)).
		WithResult(renderErr == nil, errMsg, elapsed.Milliseconds()))

	if renderErr != nil {
		if dberr.KindOf(renderErr) != dberr.KindUnknown {
			return nil, renderErr
		}
		return nil, dberr.New(dberr.KindQuery, renderErr.Error())
	}
	return image, nil
}

// Status is a point-in-time snapshot of the engine's runtime state.
type Status struct {
	Version            string          `json:"version"`
	State              health.Status   `json:"state"`
	StartedAt          time.Time       `json:"started_at"`
	UptimeSeconds      int64           `json:"uptime_seconds"`
	ReadOnly           bool            `json:"read_only"`
	Distributed        bool            `json:"distributed"`
	StringLeaves       int             `json:"string_leaves"`
	DataLeaves         int             `json:"data_leaves"`
	ActiveSessions     int             `json:"active_sessions"`
	InflightStatements int             `json:"inflight_statements"`
	RenderingEnabled   bool            `json:"rendering_enabled"`
	Admission          admission.Stats `json:"admission"`
}

// Status reports the engine's runtime state.
func (e *Engine) Status() Status {
	return Status{
		Version:            e.version,
		State:              e.checker.Status(),
		StartedAt:          e.startedAt,
		UptimeSeconds:      int64(time.Since(e.startedAt).Seconds()),
		ReadOnly:           e.cfg.ReadOnly,
		Distributed:        e.leaves.IsDistributed(),
		StringLeaves:       e.leaves.StringLeafCount(),
		DataLeaves:         e.leaves.DataLeafCount(),
		ActiveSessions:     e.sessions.Count(),
		InflightStatements: e.dispatcher.Inflight(),
		RenderingEnabled:   e.cfg.Rendering.Enabled,
		Admission:          e.admission.Stats(),
	}
}

// resolveSession touches the session and returns its identity.
func (e *Engine) resolveSession(sessionID string) (session.Identity, error) {
	if err := e.sessions.Touch(sessionID); err != nil {
		return session.Identity{}, err
	}
	return e.sessions.Resolve(sessionID)
}

// auditEvent writes one audit record. The write survives request
// cancellation so interrupted statements still leave a trail.
func (e *Engine) auditEvent(ctx context.Context, event *audit.Event) {
	if err := e.auditLog.Log(context.WithoutCancel(ctx), *event); err != nil {
		e.log.Error("audit write failed", "type", event.Type, "error", err)
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.SystemConfig { return e.cfg }

// Version returns the stamped build version.
func (e *Engine) Version() string { return e.version }

// Health returns the probe state tracker.
func (e *Engine) Health() *health.Checker { return e.checker }

// Metrics returns the metrics registry.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Catalog returns the metadata catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Audit returns the audit logger.
func (e *Engine) Audit() audit.Logger { return e.auditLog }

// shortID abbreviates a session identifier for logs and audit records.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
