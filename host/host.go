// Package host is the public facade spec.md §6 describes: it wires C1-C5
// behind load_plugin/unload_plugin/call/resolve/snapshot/restore/
// set_permission, and owns every ambient concern (logging, tracing,
// metrics, ABI compatibility) none of the component packages know about.
package host

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/dispatch"
	"github.com/Robert-MacWha/tlock/engine"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/registry"
	"github.com/Robert-MacWha/tlock/scheduler"
	"github.com/Robert-MacWha/tlock/state"
	"github.com/Robert-MacWha/tlock/transport"
	"github.com/Robert-MacWha/tlock/wasi"
)

// ABIVersion is the host's own version, checked against a plugin
// manifest's MinHostVersion constraint at load time.
const ABIVersion = "1.0.0"

// Config controls the ambient behavior of a Host: how much CPU a session
// gets before preemption, how many sessions may run concurrently per
// plugin, and what a freshly loaded plugin is allowed to call before an
// operator grants it anything more.
type Config struct {
	FuelPerQuantum       uint64
	MaxSessionsPerPlugin int64
	MemoryLimitPages     uint32
	DefaultGrants        []string
	Logger               *zap.Logger
	Metrics              *Metrics
	Tracer               trace.Tracer

	// SessionDeadline is the wall-clock bound every session runs under
	// (spec §4.1 "A wall-clock deadline bounds each session"). Expiry is
	// fatal: runSession traps the instance, releases its locks, and
	// returns a structured timeout error. This is not optional ambient
	// tuning -- §4.4's deadlock-safety argument depends on a deadline
	// existing on every session, so unlike the throttling knobs below,
	// zero does not disable it; withDefaults fills in a default instead.
	SessionDeadline time.Duration

	// StdoutBytesPerSecond and StdoutBurst configure the rate.Limiter
	// attached to every plugin's stdout (spec §5 "Backpressure"). Zero
	// disables throttling.
	StdoutBytesPerSecond float64
	StdoutBurst          int
}

// DefaultSessionDeadline is used when Config.SessionDeadline is unset.
const DefaultSessionDeadline = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.FuelPerQuantum == 0 {
		c.FuelPerQuantum = scheduler.DefaultFuelPerQuantum
	}
	if c.MaxSessionsPerPlugin == 0 {
		c.MaxSessionsPerPlugin = 8
	}
	if c.SessionDeadline <= 0 {
		c.SessionDeadline = DefaultSessionDeadline
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("tlock/host")
	}
	return c
}

type pluginRecord struct {
	id            tlock.PluginID
	module        *engine.Module
	manifest      Manifest
	sem           *semaphoreSlots
	stdoutLimiter *rate.Limiter
}

// Host owns every loaded plugin and is the only thing a consuming
// frontend process needs to hold a reference to.
type Host struct {
	cfg Config

	eng      *engine.Engine
	wasiHost *wasi.Host
	sched    *scheduler.Scheduler
	state    *state.Manager
	reg      *registry.Registry
	router   *registry.Router
	perms    *dispatch.Permissions
	disp     *dispatch.Dispatcher
	caller   transport.HostCaller // disp wrapped with a tracing span per host call
	runner   *scheduler.Runner

	domains map[tlock.Domain]tlock.DomainDescriptor

	mu      sync.Mutex
	plugins map[tlock.PluginID]*pluginRecord
	entropy *ulid.MonotonicEntropy
}

// New builds a Host ready to load plugins. domains is the host's fixed,
// closed set of domain descriptors (spec §3 "Domain descriptor") -- adding
// a domain is a host code change, not a runtime operation.
func New(ctx context.Context, cfg Config, domains map[tlock.Domain]tlock.DomainDescriptor) (*Host, error) {
	cfg = cfg.withDefaults()
	engine.SetLogger(cfg.Logger)

	wasiHost := wasi.NewHost()
	eng, err := engine.New(ctx, engine.Config{MemoryLimitPages: cfg.MemoryLimitPages}, wasiHost.Build)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{FuelPerQuantum: cfg.FuelPerQuantum})
	st := state.NewManager()
	reg := registry.NewRegistry()
	router := registry.NewRouter(reg, domains)
	perms := dispatch.NewPermissions()

	h := &Host{
		cfg:      cfg,
		eng:      eng,
		wasiHost: wasiHost,
		sched:    sched,
		state:    st,
		reg:      reg,
		router:   router,
		perms:    perms,
		domains:  domains,
		plugins:  make(map[tlock.PluginID]*pluginRecord),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		runner:   scheduler.NewRunner(sched, eng, wasiHost),
	}
	h.disp = dispatch.NewDispatcher(st, reg, router, h, h.sched, perms)
	h.caller = &tracingCaller{next: h.disp, tracer: cfg.Tracer}
	return h, nil
}

// Close releases the wazero runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.plugins {
		_ = p.module.Close(ctx)
	}
	return h.eng.Close(ctx)
}

func (h *Host) newPluginID() tlock.PluginID {
	return tlock.PluginID(ulid.MustNew(ulid.Now(), h.entropy).String())
}

func (h *Host) logger() *zap.Logger { return h.cfg.Logger }

// checkABICompatibility enforces a manifest's declared minimum host
// version against ABIVersion, the same compatibility gate the teacher's
// engine/wazero.go hand-rolls for WIT namespace versions
// (parseNamespaceVersion/Compatible), delegated here to a real semver
// library instead.
func checkABICompatibility(minHostVersion string) error {
	if minHostVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(minHostVersion)
	if err != nil {
		return errors.BadParams(errors.ComponentHost, "invalid min_host_version constraint: "+err.Error())
	}
	hostVersion, err := semver.NewVersion(ABIVersion)
	if err != nil {
		return errors.Internal(errors.ComponentHost, err, "parse host ABI version")
	}
	if !constraint.Check(hostVersion) {
		return errors.New(errors.ComponentHost, errors.KindBadParams,
			"plugin requires host ABI "+minHostVersion+", running "+ABIVersion)
	}
	return nil
}
