// Adapted from holomush-holomush's internal/plugin/capability.Enforcer:
// same gobwas/glob, '.'-segment grant-pattern design, retargeted from
// plugin-name/capability-string pairs to PluginID/host-method pairs so
// it can gate the fixed host-call menu spec §4.3 defines (state.lock_key,
// entities.call_entity, and so on).
package dispatch

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Permissions checks, per plugin, which host methods it may call. The
// zero value is ready to use.
type Permissions struct {
	mu     sync.RWMutex
	grants map[tlock.PluginID][]compiledGrant
}

func NewPermissions() *Permissions {
	return &Permissions{grants: make(map[tlock.PluginID][]compiledGrant)}
}

// SetGrants replaces pluginID's permitted method patterns atomically: if
// any pattern fails to compile, no change is made.
func (p *Permissions) SetGrants(pluginID tlock.PluginID, patterns []string) error {
	compiled := make([]compiledGrant, len(patterns))
	for i, pat := range patterns {
		if pat == "" {
			return errors.BadParams(errors.ComponentDispatcher, fmt.Sprintf("grant %d: empty pattern", i))
		}
		g, err := glob.Compile(pat, '.')
		if err != nil {
			return errors.BadParams(errors.ComponentDispatcher, fmt.Sprintf("grant %d (%q): %v", i, pat, err))
		}
		compiled[i] = compiledGrant{pattern: pat, glob: g}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grants == nil {
		p.grants = make(map[tlock.PluginID][]compiledGrant)
	}
	p.grants[pluginID] = compiled
	return nil
}

// Revoke removes every grant for pluginID, called on unload.
func (p *Permissions) Revoke(pluginID tlock.PluginID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants, pluginID)
}

// Allowed reports whether pluginID may call the host method. Deny by
// default: an unregistered plugin or an empty method string is always
// denied.
func (p *Permissions) Allowed(pluginID tlock.PluginID, method string) bool {
	if method == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, g := range p.grants[pluginID] {
		if g.glob.Match(method) {
			return true
		}
	}
	return false
}

// Grants returns a defensive copy of pluginID's grant patterns.
func (p *Permissions) Grants(pluginID tlock.PluginID) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	grants := p.grants[pluginID]
	out := make([]string, len(grants))
	for i, g := range grants {
		out[i] = g.pattern
	}
	return out
}
