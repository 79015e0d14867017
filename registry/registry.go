// Package registry implements C5: the entity registry and router. A
// plugin registers one or more entities under a domain, each carrying
// the scoping rules that say which requests it should handle; the
// router resolves an incoming domain.method call to the most specific
// matching entity (singleton routing) or to every matching entity
// (broadcast routing).
//
// Grounded on the teacher's resource/table.go (UnifiedTable): the same
// insert/get/remove-by-handle shape, generalized from Component Model
// resource handles to entity ids, with the Component-Model-specific
// ABIBackend (resource reps/borrows) dropped since entities here are
// plain rows, not component resources a guest can borrow.
package registry

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// Entity is one registered row: a plugin's claim to handle some slice of
// a domain, scoped by the rules it registered with.
type Entity struct {
	ID       tlock.EntityID
	PluginID tlock.PluginID
	Domain   tlock.Domain
	Rules    []tlock.ScopeRule

	compiled []*compiledRule
}

// Registry is the entity handle table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entities map[tlock.EntityID]*Entity
	byDomain map[tlock.Domain]map[tlock.EntityID]*Entity
	byPlugin map[tlock.PluginID]map[tlock.EntityID]struct{}
	entropy  *ulid.MonotonicEntropy
}

func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[tlock.EntityID]*Entity),
		byDomain: make(map[tlock.Domain]map[tlock.EntityID]*Entity),
		byPlugin: make(map[tlock.PluginID]map[tlock.EntityID]struct{}),
		entropy:  ulid.Monotonic(newULIDReader(), 0),
	}
}

// Register allocates an EntityID and adds domain/rules to the table,
// scoped to pluginID so UnregisterPlugin can find it again at unload.
func (r *Registry) Register(pluginID tlock.PluginID, domain tlock.Domain, rules []tlock.ScopeRule) (tlock.EntityID, error) {
	compiled := make([]*compiledRule, len(rules))
	for i, rule := range rules {
		c, err := compileRule(rule)
		if err != nil {
			return "", errors.BadParams(errors.ComponentRegistry, "invalid scope rule: "+err.Error())
		}
		compiled[i] = c
	}

	id := tlock.EntityID(ulid.MustNew(ulid.Now(), r.entropy).String())
	e := &Entity{ID: id, PluginID: pluginID, Domain: domain, Rules: rules, compiled: compiled}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[id] = e
	if r.byDomain[domain] == nil {
		r.byDomain[domain] = make(map[tlock.EntityID]*Entity)
	}
	r.byDomain[domain][id] = e
	if r.byPlugin[pluginID] == nil {
		r.byPlugin[pluginID] = make(map[tlock.EntityID]struct{})
	}
	r.byPlugin[pluginID][id] = struct{}{}
	return id, nil
}

// RegisterWithID is Register for the restore path: host.Restore already
// knows the EntityIDs a prior snapshot allocated and must reproduce them
// exactly, rather than minting fresh ulids that would break any
// externally-held reference to those entities.
func (r *Registry) RegisterWithID(id tlock.EntityID, pluginID tlock.PluginID, domain tlock.Domain, rules []tlock.ScopeRule) error {
	compiled := make([]*compiledRule, len(rules))
	for i, rule := range rules {
		c, err := compileRule(rule)
		if err != nil {
			return errors.BadParams(errors.ComponentRegistry, "invalid scope rule: "+err.Error())
		}
		compiled[i] = c
	}

	e := &Entity{ID: id, PluginID: pluginID, Domain: domain, Rules: rules, compiled: compiled}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[id]; exists {
		return errors.BadParams(errors.ComponentRegistry, "entity id already registered: "+string(id))
	}
	r.entities[id] = e
	if r.byDomain[domain] == nil {
		r.byDomain[domain] = make(map[tlock.EntityID]*Entity)
	}
	r.byDomain[domain][id] = e
	if r.byPlugin[pluginID] == nil {
		r.byPlugin[pluginID] = make(map[tlock.EntityID]struct{})
	}
	r.byPlugin[pluginID][id] = struct{}{}
	return nil
}

func (r *Registry) Get(id tlock.EntityID) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// Unregister removes a single entity.
func (r *Registry) Unregister(id tlock.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return
	}
	delete(r.entities, id)
	delete(r.byDomain[e.Domain], id)
	delete(r.byPlugin[e.PluginID], id)
}

// UnregisterPlugin removes every entity pluginID registered, called when
// a plugin is unloaded so stale entities can never be routed to.
func (r *Registry) UnregisterPlugin(pluginID tlock.PluginID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byPlugin[pluginID] {
		e := r.entities[id]
		delete(r.entities, id)
		if e != nil {
			delete(r.byDomain[e.Domain], id)
		}
	}
	delete(r.byPlugin, pluginID)
}

// All returns every registered entity across every domain and plugin, for
// host.Snapshot and cmd/run's inspector.
func (r *Registry) All() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

// Domain returns every entity currently registered for domain, in no
// particular order; callers that need matching order use Router.Resolve.
func (r *Registry) Domain(domain tlock.Domain) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, 0, len(r.byDomain[domain]))
	for _, e := range r.byDomain[domain] {
		out = append(out, e)
	}
	return out
}

// candidate pairs a matched entity with its specificity score against one
// query, used internally by Router to rank matches.
type candidate struct {
	entity *Entity
	score  int
}

func (r *Registry) match(domain tlock.Domain, query []string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []candidate
	for _, e := range r.byDomain[domain] {
		best, matched := -1, false
		for _, c := range e.compiled {
			if score, ok := c.specificity(query); ok && score > best {
				best, matched = score, true
			}
		}
		if matched {
			out = append(out, candidate{entity: e, score: best})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entity.ID < out[j].entity.ID
	})
	return out
}
