package host

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/engine"
	"github.com/Robert-MacWha/tlock/errors"
)

// LoadPlugin compiles wasmBytes, runs its synthetic plugin.init session
// (spec §4.1), and commits the plugin only if init returns successfully.
// It grants only Config.DefaultGrants; callers that want to declare
// capabilities up front use LoadPluginWithManifest.
func (h *Host) LoadPlugin(ctx context.Context, wasmBytes []byte) (tlock.PluginID, error) {
	return h.loadPlugin(ctx, wasmBytes, Manifest{}, nil)
}

// LoadPluginWithManifest is LoadPlugin plus manifest validation, an ABI
// compatibility check against ABIVersion, and granting manifest.Capabilities
// before plugin.init runs (so init itself may exercise the capabilities it
// declared).
func (h *Host) LoadPluginWithManifest(ctx context.Context, wasmBytes []byte, manifest Manifest) (tlock.PluginID, error) {
	if err := manifest.Validate(); err != nil {
		return "", errors.BadParams(errors.ComponentHost, err.Error())
	}
	if err := checkABICompatibility(manifest.MinHostVersion); err != nil {
		return "", err
	}
	return h.loadPlugin(ctx, wasmBytes, manifest, manifest.Capabilities)
}

func (h *Host) loadPlugin(ctx context.Context, wasmBytes []byte, manifest Manifest, grants []string) (tlock.PluginID, error) {
	module, err := h.eng.LoadModule(ctx, wasmBytes)
	if err != nil {
		return "", err
	}

	pluginID := h.newPluginID()

	if len(grants) == 0 {
		grants = h.cfg.DefaultGrants
	}
	if err := h.perms.SetGrants(pluginID, grants); err != nil {
		_ = module.Close(ctx)
		return "", err
	}

	rec := &pluginRecord{
		id:            pluginID,
		module:        module,
		manifest:      manifest,
		sem:           newSemaphoreSlots(h.cfg.MaxSessionsPerPlugin),
		stdoutLimiter: newStdoutLimiter(h.cfg),
	}

	h.mu.Lock()
	h.plugins[pluginID] = rec
	h.mu.Unlock()

	if _, err := h.runSession(ctx, rec, "", "plugin.init", json.RawMessage("null")); err != nil {
		h.logger().Warn("plugin init failed, rolling back",
			engine.PluginField(string(pluginID)), zap.Error(err))
		h.rollbackLoad(ctx, pluginID, module)
		return "", err
	}

	h.logger().Info("plugin loaded", engine.PluginField(string(pluginID)))
	return pluginID, nil
}

// newStdoutLimiter builds the rate.Limiter every loaded plugin's stdout is
// throttled through, or nil if throttling is disabled.
func newStdoutLimiter(cfg Config) *rate.Limiter {
	if cfg.StdoutBytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.StdoutBytesPerSecond), cfg.StdoutBurst)
}

// rollbackLoad undoes everything loadPlugin committed before plugin.init
// failed: entities registered during init, state written during init, the
// plugin record, its permission grants, and the compiled module.
func (h *Host) rollbackLoad(ctx context.Context, pluginID tlock.PluginID, module *engine.Module) {
	h.reg.UnregisterPlugin(pluginID)
	h.state.DropPlugin(pluginID)
	h.perms.Revoke(pluginID)

	h.mu.Lock()
	delete(h.plugins, pluginID)
	h.mu.Unlock()

	_ = module.Close(ctx)
}

// UnloadPlugin tears down a loaded plugin: its permission grants,
// registered entities, persisted state, and compiled module. In-flight
// sessions are not forcibly terminated; callers that need a hard stop
// should cancel the context they passed to Call.
func (h *Host) UnloadPlugin(ctx context.Context, pluginID tlock.PluginID) error {
	h.mu.Lock()
	rec, ok := h.plugins[pluginID]
	if ok {
		delete(h.plugins, pluginID)
	}
	h.mu.Unlock()
	if !ok {
		return errors.New(errors.ComponentHost, errors.KindBadParams, "plugin not loaded")
	}

	h.perms.Revoke(pluginID)
	h.reg.UnregisterPlugin(pluginID)
	h.state.DropPlugin(pluginID)

	h.logger().Info("plugin unloaded", engine.PluginField(string(pluginID)))
	return rec.module.Close(ctx)
}

// SetPermission grants or revokes pluginID's access to a single dispatch
// method pattern. grant=false removes method from the plugin's grant
// list if present; a missing method is a no-op, matching glob.Glob's
// deny-by-default posture.
func (h *Host) SetPermission(pluginID tlock.PluginID, method string, grant bool) error {
	current := h.perms.Grants(pluginID)
	if grant {
		for _, g := range current {
			if g == method {
				return nil
			}
		}
		return h.perms.SetGrants(pluginID, append(current, method))
	}

	next := current[:0:0]
	for _, g := range current {
		if g != method {
			next = append(next, g)
		}
	}
	return h.perms.SetGrants(pluginID, next)
}
