package host

import (
	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/registry"
	"github.com/Robert-MacWha/tlock/scheduler"
	"github.com/Robert-MacWha/tlock/state"
)

// Introspect is a non-persisted snapshot of live host state: in-flight
// sessions and their fuel, and every plugin's held/waited locks. It has
// no counterpart in spec.md's host surface (that surface only covers
// durable persistence via Snapshot/Restore) but an operator running this
// needs one, and cmd/run's TUI is built directly on it.
type Introspect struct {
	Sessions []scheduler.SessionInfo
	Locks    map[tlock.PluginID][]state.LockInfo
	Entities []*registry.Entity
}

// Introspect gathers a point-in-time view across the scheduler, state
// manager, and registry. Nothing here is persisted by Snapshot.
func (h *Host) Introspect() Introspect {
	h.mu.Lock()
	pluginIDs := make([]tlock.PluginID, 0, len(h.plugins))
	for id := range h.plugins {
		pluginIDs = append(pluginIDs, id)
	}
	h.mu.Unlock()

	locks := make(map[tlock.PluginID][]state.LockInfo, len(pluginIDs))
	for _, id := range pluginIDs {
		locks[id] = h.state.Locks(id)
	}

	return Introspect{
		Sessions: h.sched.Sessions(),
		Locks:    locks,
		Entities: h.reg.All(),
	}
}
