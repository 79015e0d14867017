// Package engine is the executor (spec C1): it compiles plugin WASM bytes
// once and instantiates a fresh module for every call, so a trapped or
// hung guest can never corrupt state a later call on the same plugin
// depends on. Kept from the teacher's engine/wazero.go: the
// compile-once/instantiate-per-call split and registering host functions
// with api.GoModuleFunc directly on a wazero.HostModuleBuilder. Dropped:
// everything Component-Model specific (canon lowering, the linker and
// transcoder packages, WIT type resolution) since plugins here target
// the flat WASI preview-1 ABI, not the component model.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/Robert-MacWha/tlock/errors"
)

// AllowedImportModule is the only host module name a plugin is permitted
// to import from (spec §4.1). Anything else fails at LoadModule time
// rather than surfacing as an obscure instantiate-time link error.
const AllowedImportModule = "wasi_snapshot_preview1"

// Config configures an Engine's wazero runtime.
type Config struct {
	// MemoryLimitPages caps a guest instance's linear memory, in 64KiB
	// pages. 0 uses wazero's default (4GiB).
	MemoryLimitPages uint32
}

// Engine owns one wazero runtime and the host module builder plugins link
// against. It is safe for concurrent use; compiled Modules may be
// instantiated concurrently from many goroutines, which is exactly what
// the scheduler's per-session turnstile goroutines do.
type Engine struct {
	runtime wazero.Runtime
	host    HostModuleFunc

	mu       sync.Mutex
	hostOnce bool
}

// HostModuleFunc builds the wasi_snapshot_preview1 host module for one
// instance. It is supplied by the wasi package so that engine itself
// never has to know the WASI function signatures; engine only owns the
// compile/instantiate lifecycle.
type HostModuleFunc func(wazero.Runtime) wazero.HostModuleBuilder

// New creates an Engine. build is called once to register the WASI host
// module against the runtime; each Instantiate call gets a fresh linear
// memory but shares that one host module definition, matching how wazero
// expects host modules to be declared once and imported by many guests.
func New(ctx context.Context, cfg Config, build HostModuleFunc) (*Engine, error) {
	// WithCloseOnContextDone makes a session's deadline (host.runSession
	// wraps the ctx passed into Instantiate with context.WithTimeout) an
	// actual trap of the running instance, not just host-side bookkeeping
	// that gives up waiting on it: wazero polls ctx.Done() at function
	// call boundaries and aborts the guest with a sys.ExitError once it
	// fires.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	e := &Engine{runtime: rt, host: build}
	if err := e.instantiateHostModule(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return e, nil
}

func (e *Engine) instantiateHostModule(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostOnce {
		return nil
	}
	builder := e.host(e.runtime)
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.ComponentExecutor, errors.KindInternal, err, "instantiate wasi host module")
	}
	e.hostOnce = true
	return nil
}

// Close releases the runtime and every module compiled against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a plugin's compiled WASM, ready to be instantiated many times.
type Module struct {
	compiled wazero.CompiledModule
	raw      []byte
}

// LoadModule compiles wasmBytes and verifies it imports only from
// AllowedImportModule, and only functions the instantiated host module
// actually exports, satisfying spec §6's "must only import the WASI
// subset ... additional imports fail at load time" (wazero itself would
// otherwise only reject them lazily, at Instantiate).
func (e *Engine) LoadModule(ctx context.Context, wasmBytes []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.ComponentExecutor, errors.KindInternal, err, "compile module")
	}

	hostMod := e.runtime.Module(AllowedImportModule)
	for _, imp := range compiled.ImportedFunctions() {
		modName, fnName, _ := imp.Import()
		if modName != AllowedImportModule {
			compiled.Close(ctx)
			Logger().Warn("rejected module import from disallowed host module",
				zap.String("module", modName), zap.String("function", fnName))
			return nil, errors.New(errors.ComponentExecutor, errors.KindInternal,
				fmt.Sprintf("plugin imports from disallowed module %q", modName))
		}
		if hostMod != nil && hostMod.ExportedFunction(fnName) == nil {
			compiled.Close(ctx)
			Logger().Warn("rejected module import outside the host's WASI subset",
				zap.String("module", modName), zap.String("function", fnName))
			return nil, errors.New(errors.ComponentExecutor, errors.KindInternal,
				fmt.Sprintf("plugin imports %s.%s, which the host does not provide", modName, fnName))
		}
	}

	return &Module{compiled: compiled, raw: wasmBytes}, nil
}

// Close releases the compiled module's resources.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Bytes returns the raw WASM bytes this module was compiled from, for
// host.Snapshot to persist without needing to keep its own copy.
func (m *Module) Bytes() []byte {
	return m.raw
}

// InstanceConfig configures a single Instantiate call. Stdio is not
// configured here: fd 0/1/2 are served entirely by the wasi host module
// (see package wasi), which looks sessions up by Name, so wazero's own
// stdio redirection is never engaged.
type InstanceConfig struct {
	// Name must be unique per concurrently-live instance in the runtime;
	// the scheduler uses the session id, and the wasi host module keys its
	// per-session state by this same string.
	Name string
}

// Instance is one fresh, isolated run of a compiled Module.
type Instance struct {
	mod api.Module
}

// Instantiate creates a fresh guest instance with its own linear memory,
// globals, and table, importing the shared WASI host module. ctx may
// already carry an experimental.FunctionListenerFactory (the scheduler
// attaches its fuel meter this way) since engine has no opinion on fuel.
func (e *Engine) Instantiate(ctx context.Context, m *Module, cfg InstanceConfig) (*Instance, error) {
	// wazero's own WithArgs/WithEnv are deliberately not set here: the
	// wasi host module serves args_get/environ_get from wasi.Session.Args/
	// Env (see package wasi), keyed by this same instance Name, so a
	// guest's args/env never go through wazero's builtin args/env config
	// at all.
	modCfg := wazero.NewModuleConfig().
		WithName(cfg.Name).
		WithStartFunctions("_start")

	mod, err := e.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, classifyInstantiateErr(cfg.Name, err)
	}
	return &Instance{mod: mod}, nil
}

// classifyInstantiateErr maps a wazero instantiate/run failure onto the
// plugin_trap error kind; wazero surfaces both link errors and guest
// traps (unreachable, out-of-bounds, the configured start function
// panicking) through the same Instantiate return path because
// WithStartFunctions runs _start inline.
func classifyInstantiateErr(name string, err error) error {
	Logger().Debug("instantiate failed, classified as plugin trap",
		zap.String("instance", name), zap.Error(err))
	return errors.PluginTrap(name, "", err.Error(), "")
}

// Close tears down the instance (reclaims linear memory).
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// Memory exposes the instance's linear memory, used by the WASI host
// functions to read/write guest pointers.
func (i *Instance) Memory() api.Memory {
	return i.mod.Memory()
}
