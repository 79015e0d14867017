package host

import (
	"context"
	"encoding/json"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// snapshotDoc is the on-wire persistence layout from spec §6: plugins (id
// plus the bytes needed to recompile them), entities (their domain/scope
// registration), and state (each plugin's key/value store). Locks and
// sessions are deliberately absent -- restore implies every lock is free
// and every session terminated. Each plugin also carries its current
// capability grants: §6's layout text doesn't list them by name, but
// dropping them on restore would violate invariant 4's round-trip law
// (a call permitted before a snapshot would spuriously start being
// denied after restoring it), so they travel with the plugin record
// they were always scoped to rather than as a fourth top-level section.
//
// No serialization library in the retrieval pack targets this exact
// shape, so this uses encoding/json directly rather than reaching for one;
// see DESIGN.md. tlock.Value is a []byte, which encoding/json already
// base64-encodes, so no manual encoding is needed here.
type snapshotDoc struct {
	Plugins  []snapshotPlugin `json:"plugins"`
	Entities []snapshotEntity `json:"entities"`
	State    []snapshotState  `json:"state"`
}

type snapshotPlugin struct {
	ID       tlock.PluginID `json:"id"`
	Bytes    []byte         `json:"bytes"`
	Grants   []string       `json:"grants"`
	Manifest Manifest       `json:"manifest"`
}

type snapshotEntity struct {
	EntityID tlock.EntityID    `json:"entity_id"`
	PluginID tlock.PluginID    `json:"plugin_id"`
	Domain   tlock.Domain      `json:"domain"`
	Scope    []tlock.ScopeRule `json:"scope"`
}

type snapshotState struct {
	PluginID tlock.PluginID            `json:"plugin_id"`
	Values   map[tlock.Key]tlock.Value `json:"values"`
}

// Snapshot serializes every loaded plugin's bytes, every registered
// entity, and every plugin's key/value store into an opaque byte stream
// an external persistence layer can write wherever it likes.
func (h *Host) Snapshot() ([]byte, error) {
	h.mu.Lock()
	plugins := make([]snapshotPlugin, 0, len(h.plugins))
	pluginIDs := make([]tlock.PluginID, 0, len(h.plugins))
	for id, rec := range h.plugins {
		plugins = append(plugins, snapshotPlugin{
			ID:       id,
			Bytes:    rec.module.Bytes(),
			Grants:   h.perms.Grants(id),
			Manifest: rec.manifest,
		})
		pluginIDs = append(pluginIDs, id)
	}
	h.mu.Unlock()

	entities := make([]snapshotEntity, 0)
	for _, e := range h.reg.All() {
		entities = append(entities, snapshotEntity{
			EntityID: e.ID,
			PluginID: e.PluginID,
			Domain:   e.Domain,
			Scope:    e.Rules,
		})
	}

	state := make([]snapshotState, 0, len(pluginIDs))
	for _, id := range pluginIDs {
		state = append(state, snapshotState{PluginID: id, Values: h.state.Snapshot(id)})
	}

	doc := snapshotDoc{Plugins: plugins, Entities: entities, State: state}
	return json.Marshal(doc)
}

// Restore replaces the host's entire plugin/entity/state population
// (including each plugin's capability grants) with what data describes.
// Every currently loaded plugin is dropped first, together with its state
// and lock table; in-flight sessions are not stopped. The layout carries
// no locks, so every restored plugin starts with all its locks free (spec
// §6 "recovery implies all locks free and all sessions terminated").
func (h *Host) Restore(ctx context.Context, data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(errors.ComponentHost, errors.KindBadParams, err, "unmarshal snapshot")
	}

	h.mu.Lock()
	old := h.plugins
	h.plugins = make(map[tlock.PluginID]*pluginRecord, len(doc.Plugins))
	h.mu.Unlock()
	for id, rec := range old {
		h.reg.UnregisterPlugin(id)
		h.state.DropPlugin(id)
		h.perms.Revoke(id)
		_ = rec.module.Close(ctx)
	}

	for _, p := range doc.Plugins {
		module, err := h.eng.LoadModule(ctx, p.Bytes)
		if err != nil {
			return err
		}
		rec := &pluginRecord{
			id:            p.ID,
			module:        module,
			manifest:      p.Manifest,
			sem:           newSemaphoreSlots(h.cfg.MaxSessionsPerPlugin),
			stdoutLimiter: newStdoutLimiter(h.cfg),
		}
		h.mu.Lock()
		h.plugins[p.ID] = rec
		h.mu.Unlock()

		if err := h.perms.SetGrants(p.ID, p.Grants); err != nil {
			return err
		}
	}

	for _, e := range doc.Entities {
		if err := h.reg.RegisterWithID(e.EntityID, e.PluginID, e.Domain, e.Scope); err != nil {
			return err
		}
	}

	for _, s := range doc.State {
		h.state.Restore(s.PluginID, s.Values)
	}

	return nil
}
