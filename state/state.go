// Package state implements the C4 state manager: a per-plugin key/value
// store gated by session-scoped, non-reentrant, exclusive locks. A
// session must hold a key's lock to write it; reads of the latest value
// never need a lock (spec's open question decision: snapshot reads are
// not versioned, so a concurrent writer can race a reader — the contract
// only promises writes are serialized against each other). Locking is
// the mechanism that prevents the classic lost-update bug: read, modify,
// write across two sessions interleaving on the same key.
//
// Grounded on the teacher's resource/table.go: one mutex-guarded map per
// concern (there, typed resources; here, plugin-scoped values and locks),
// with a Clear-all-on-teardown path mirrored by ForceUnlockSession.
package state

import (
	"context"
	"sync"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// Manager owns every plugin's key/value store and lock table.
type Manager struct {
	mu      sync.Mutex
	plugins map[tlock.PluginID]*pluginState
}

func NewManager() *Manager {
	return &Manager{plugins: make(map[tlock.PluginID]*pluginState)}
}

type pluginState struct {
	mu     sync.Mutex
	values map[tlock.Key]tlock.Value
	locks  map[tlock.Key]*lock
}

// lock tracks who holds a key and who is waiting for it. waiters are
// woken in the order they queued (FIFO); spec's open question leaves
// wake order unspecified, and FIFO is a valid arbitrary choice. A woken
// waiter can still lose the key to a Lock call that arrives before it
// re-checks, and then queues again at the back.
type lock struct {
	holder  tlock.SessionID
	held    bool
	waiters []chan struct{}
}

func (m *Manager) plugin(id tlock.PluginID) *pluginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plugins[id]
	if p == nil {
		p = &pluginState{
			values: make(map[tlock.Key]tlock.Value),
			locks:  make(map[tlock.Key]*lock),
		}
		m.plugins[id] = p
	}
	return p
}

// Lock blocks until key is free (or ctx is done), then grants it to
// session. A session that already holds key gets LockRejected rather
// than being granted the lock again or deadlocking on itself: locks here
// are not reentrant.
func (m *Manager) Lock(ctx context.Context, pluginID tlock.PluginID, session tlock.SessionID, key tlock.Key) error {
	p := m.plugin(pluginID)

	for {
		p.mu.Lock()
		l := p.locks[key]
		if l == nil {
			l = &lock{}
			p.locks[key] = l
		}
		if !l.held {
			l.held = true
			l.holder = session
			p.mu.Unlock()
			return nil
		}
		if l.holder == session {
			p.mu.Unlock()
			return errors.LockRejected(string(key), "already held by this session")
		}
		wait := make(chan struct{})
		l.waiters = append(l.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
			// loop: re-check, since another caller may have grabbed it
			// first (waiters are woken one at a time, in order, but a
			// racing new Lock call for the same key is still possible
			// between wake and re-check).
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases key, which session must currently hold.
func (m *Manager) Unlock(pluginID tlock.PluginID, session tlock.SessionID, key tlock.Key) error {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlockLocked(session, key)
}

func (p *pluginState) unlockLocked(session tlock.SessionID, key tlock.Key) error {
	l := p.locks[key]
	if l == nil || !l.held || l.holder != session {
		return errors.LockRejected(string(key), "not held by this session")
	}
	l.held = false
	p.wakeNextLocked(l, key)
	return nil
}

func (p *pluginState) wakeNextLocked(l *lock, key tlock.Key) {
	if len(l.waiters) == 0 {
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Set writes value under key. The caller must currently hold key's lock;
// this is what makes a read-modify-write sequence (Lock, GetSnapshot,
// Set, Unlock) safe against other sessions.
func (m *Manager) Set(pluginID tlock.PluginID, session tlock.SessionID, key tlock.Key, value tlock.Value) error {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[key]
	if l == nil || !l.held || l.holder != session {
		return errors.LockRejected(string(key), "write requires holding the lock")
	}
	p.values[key] = value
	return nil
}

// SetAndUnlock writes value and releases key's lock in one call, so a
// plugin that only needs to perform a single write never has to make two
// round trips.
func (m *Manager) SetAndUnlock(pluginID tlock.PluginID, session tlock.SessionID, key tlock.Key, value tlock.Value) error {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[key]
	if l == nil || !l.held || l.holder != session {
		return errors.LockRejected(string(key), "write requires holding the lock")
	}
	p.values[key] = value
	l.held = false
	p.wakeNextLocked(l, key)
	return nil
}

// GetSnapshot returns key's current value without requiring or taking a
// lock. ok is false if the key has never been written.
func (m *Manager) GetSnapshot(pluginID tlock.PluginID, key tlock.Key) (tlock.Value, bool) {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// ForceUnlockSession releases every lock session holds across every key
// of pluginID. host.runSession calls this once a session's guest call
// returns, traps, or times out, so a crashed plugin can never leave a
// key permanently locked.
func (m *Manager) ForceUnlockSession(pluginID tlock.PluginID, session tlock.SessionID) {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, l := range p.locks {
		if l.held && l.holder == session {
			l.held = false
			p.wakeNextLocked(l, key)
		}
	}
}

// DropPlugin discards a plugin's entire key/value store and lock table.
// Called on unload, and by the host's plugin_init rollback path when a
// plugin's init session fails or traps: any state it wrote during the
// failed init must not survive.
func (m *Manager) DropPlugin(pluginID tlock.PluginID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, pluginID)
}

// Snapshot returns every key/value pair stored for pluginID, for
// host.Snapshot (durable persistence) and cmd/run's inspector.
func (m *Manager) Snapshot(pluginID tlock.PluginID) map[tlock.Key]tlock.Value {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[tlock.Key]tlock.Value, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Restore replaces pluginID's stored values wholesale (host.Restore).
// Locks are left untouched: restoring state from a durable snapshot
// should never interfere with in-flight sessions' locks.
func (m *Manager) Restore(pluginID tlock.PluginID, values map[tlock.Key]tlock.Value) {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[tlock.Key]tlock.Value, len(values))
	for k, v := range values {
		p.values[k] = v
	}
}

// LockInfo is a snapshot row for introspection (cmd/run, host.Introspect).
type LockInfo struct {
	Key    tlock.Key
	Holder tlock.SessionID
	Held   bool
	Queue  int
}

func (m *Manager) Locks(pluginID tlock.PluginID) []LockInfo {
	p := m.plugin(pluginID)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LockInfo, 0, len(p.locks))
	for k, l := range p.locks {
		out = append(out, LockInfo{Key: k, Holder: l.holder, Held: l.held, Queue: len(l.waiters)})
	}
	return out
}
