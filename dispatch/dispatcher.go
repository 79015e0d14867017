package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/registry"
	"github.com/Robert-MacWha/tlock/state"
)

// PluginInvoker recursively starts a new guest invocation against an
// already-registered entity. dispatch needs this for entities.call_entity
// and ui.render_page, but the concrete implementation (which has to go
// through the scheduler to actually run the target plugin's session)
// lives in the host package; dispatch only depends on this interface,
// keeping dispatch -> host unwired in the other direction.
type PluginInvoker interface {
	InvokeEntity(ctx context.Context, entityID tlock.EntityID, method string, params json.RawMessage) (json.RawMessage, *errors.Error)
}

// Yielder backs host.yield (open question decision 3): a guest whose WASI
// shim makes sched_yield awkward to reach directly can instead issue an
// RPC that does exactly what sched_yield does, release the scheduler's
// turnstile and immediately try to reacquire it. The concrete
// implementation lives in scheduler, reached through host.
type Yielder interface {
	Yield(ctx context.Context, sessionID tlock.SessionID) error
}

// Dispatcher answers every host.* request a guest sends, by routing the
// dotted method name to the registered handler and checking the calling
// plugin's grants first. It satisfies transport.HostCaller structurally.
type Dispatcher struct {
	hosts *HostRegistry
	perms *Permissions
}

// NewDispatcher wires C3's fixed host-call menu (spec §4.3) against the
// state manager (C4) and entity registry/router (C5), plus invoker for
// the two methods that recurse into another plugin's session.
func NewDispatcher(st *state.Manager, reg *registry.Registry, router *registry.Router, invoker PluginInvoker, yielder Yielder, perms *Permissions) *Dispatcher {
	hosts := NewHostRegistry()
	modules := []Module{
		&stateModule{st: st},
		&entitiesModule{reg: reg, invoker: invoker},
		&routingModule{router: router},
		&uiModule{router: router, invoker: invoker},
		&hostModule{yielder: yielder},
	}
	for _, m := range modules {
		if err := hosts.RegisterModule(m); err != nil {
			// Every module here is hand-written against the registry's
			// reflection contract; a failure means a handler signature
			// regressed, which is a programmer error, not a runtime one.
			panic(err)
		}
	}
	return &Dispatcher{hosts: hosts, perms: perms}
}

// Dispatch implements transport.HostCaller.
func (d *Dispatcher) Dispatch(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
	if !d.perms.Allowed(pluginID, method) {
		return nil, errors.PermissionDenied(errors.ComponentDispatcher, method)
	}
	return d.hosts.Invoke(ctx, pluginID, sessionID, method, params)
}

// Permissions exposes the grant table so host can wire load_plugin's
// requested capabilities and unload_plugin's revoke.
func (d *Dispatcher) Permissions() *Permissions { return d.perms }

// ---- state.* ----

type stateModule struct{ st *state.Manager }

func (*stateModule) Namespace() string { return "state" }

type lockParams struct {
	Key tlock.Key `json:"key"`
}

type emptyResult struct{}

func (m *stateModule) LockKey(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *lockParams) (*emptyResult, *errors.Error) {
	if err := m.st.Lock(ctx, pluginID, sessionID, p.Key); err != nil {
		return nil, toDispatchErr(err)
	}
	return &emptyResult{}, nil
}

func (m *stateModule) UnlockKey(_ context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *lockParams) (*emptyResult, *errors.Error) {
	if err := m.st.Unlock(pluginID, sessionID, p.Key); err != nil {
		return nil, toDispatchErr(err)
	}
	return &emptyResult{}, nil
}

type setParams struct {
	Key   tlock.Key   `json:"key"`
	Value tlock.Value `json:"value"`
}

func (m *stateModule) SetKey(_ context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *setParams) (*emptyResult, *errors.Error) {
	if err := m.st.Set(pluginID, sessionID, p.Key, p.Value); err != nil {
		return nil, toDispatchErr(err)
	}
	return &emptyResult{}, nil
}

func (m *stateModule) SetKeyAndUnlock(_ context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *setParams) (*emptyResult, *errors.Error) {
	if err := m.st.SetAndUnlock(pluginID, sessionID, p.Key, p.Value); err != nil {
		return nil, toDispatchErr(err)
	}
	return &emptyResult{}, nil
}

type getSnapshotParams struct {
	Key tlock.Key `json:"key"`
}

type getSnapshotResult struct {
	Value tlock.Value `json:"value"`
	Ok    bool        `json:"ok"`
}

func (m *stateModule) GetKeySnapshot(_ context.Context, pluginID tlock.PluginID, _ tlock.SessionID, p *getSnapshotParams) (*getSnapshotResult, *errors.Error) {
	v, ok := m.st.GetSnapshot(pluginID, p.Key)
	return &getSnapshotResult{Value: v, Ok: ok}, nil
}

func toDispatchErr(err error) *errors.Error {
	if derr, ok := err.(*errors.Error); ok {
		return derr
	}
	return errors.Internal(errors.ComponentState, err, "state manager call failed")
}

// ---- entities.* ----

type entitiesModule struct {
	reg     *registry.Registry
	invoker PluginInvoker
}

func (*entitiesModule) Namespace() string { return "entities" }

type registerEntityParams struct {
	Domain tlock.Domain      `json:"domain"`
	Rules  []tlock.ScopeRule `json:"rules"`
}

type registerEntityResult struct {
	EntityID tlock.EntityID `json:"entity_id"`
}

func (m *entitiesModule) RegisterEntity(_ context.Context, pluginID tlock.PluginID, _ tlock.SessionID, p *registerEntityParams) (*registerEntityResult, *errors.Error) {
	id, err := m.reg.Register(pluginID, p.Domain, p.Rules)
	if err != nil {
		return nil, toDispatchErr(err)
	}
	return &registerEntityResult{EntityID: id}, nil
}

type callEntityParams struct {
	EntityID tlock.EntityID  `json:"entity_id"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
}

type callEntityResult struct {
	Result json.RawMessage `json:"result"`
}

func (m *entitiesModule) CallEntity(ctx context.Context, _ tlock.PluginID, _ tlock.SessionID, p *callEntityParams) (*callEntityResult, *errors.Error) {
	if m.invoker == nil {
		return nil, errors.New(errors.ComponentDispatcher, errors.KindInternal, "no invoker wired for recursive entity calls")
	}
	result, derr := m.invoker.InvokeEntity(ctx, p.EntityID, p.Method, p.Params)
	if derr != nil {
		return nil, derr
	}
	return &callEntityResult{Result: result}, nil
}

// ---- routing.* ----

type routingModule struct{ router *registry.Router }

func (*routingModule) Namespace() string { return "routing" }

type resolveParams struct {
	Domain tlock.Domain `json:"domain"`
	Method string       `json:"method"`
	Scope  []string     `json:"scope"`
}

type resolveResult struct {
	EntityIDs []tlock.EntityID `json:"entity_ids"`
}

// Resolve answers routing.resolve: it hands the guest every matching
// entity id for a Broadcast method (letting the guest drive its own
// fan-out via entities.call_entity) rather than invoking them itself.
// That's a deliberately different contract from ui.render_page and
// host.CallDomain, which both execute a Broadcast method end-to-end via
// BroadcastInvoke; routing.resolve never calls an entity at all.
func (m *routingModule) Resolve(_ context.Context, _ tlock.PluginID, _ tlock.SessionID, p *resolveParams) (*resolveResult, *errors.Error) {
	entities, _, err := m.router.Resolve(p.Domain, p.Method, p.Scope)
	if err != nil {
		return nil, toDispatchErr(err)
	}
	ids := make([]tlock.EntityID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return &resolveResult{EntityIDs: ids}, nil
}

// ---- ui.* (page pass-through, spec §4.3) ----

// uiModule lets a plugin push a rendered page payload to the entities
// registered for the "page" domain under the caller's own scope, routed
// by page.render's declared strategy (the one best match for Singleton,
// every match via BroadcastInvoke for Broadcast), without the caller
// needing to know any entity's id.
type uiModule struct {
	router  *registry.Router
	invoker PluginInvoker
}

func (*uiModule) Namespace() string { return "ui" }

const pageDomain tlock.Domain = "page"

type renderPageParams struct {
	Scope   []string        `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

type renderPageResult struct {
	Payload json.RawMessage `json:"payload"`
}

func (m *uiModule) RenderPage(ctx context.Context, _ tlock.PluginID, _ tlock.SessionID, p *renderPageParams) (*renderPageResult, *errors.Error) {
	if m.invoker == nil {
		return nil, errors.New(errors.ComponentDispatcher, errors.KindInternal, "no invoker wired for page rendering")
	}
	entities, desc, err := m.router.Resolve(pageDomain, "render", p.Scope)
	if err != nil {
		return nil, toDispatchErr(err)
	}

	if desc.Strategy == tlock.RoutingBroadcast {
		payload, derr := BroadcastInvoke(ctx, m.invoker, entities, "render", p.Payload, desc)
		if derr != nil {
			return nil, derr
		}
		return &renderPageResult{Payload: payload}, nil
	}

	result, derr := m.invoker.InvokeEntity(ctx, entities[0].ID, "render", p.Payload)
	if derr != nil {
		return nil, derr
	}
	return &renderPageResult{Payload: result}, nil
}

// BroadcastInvoke fans method/params out to every entity in entities (in
// the order registry.Router.Resolve returned them, most-specific first)
// and combines the per-entity results per desc.Aggregate, implementing
// the Broadcast routing strategy (spec §4.5, §8 scenario 7). A nil
// Aggregate - a domain method that opts into Broadcast without declaring
// a combination rule - falls back to collecting every result into a
// JSON array in resolution order, so the strategy is still useful on its
// own rather than requiring every Broadcast method to supply one.
//
// A single entity's failure aborts the broadcast entirely rather than
// silently dropping its result: partial success would leave the caller
// unable to tell "this entity returned nothing" from "this entity
// errored," and spec §4.5 doesn't describe a partial-broadcast outcome.
func BroadcastInvoke(ctx context.Context, invoker PluginInvoker, entities []*registry.Entity, method string, params json.RawMessage, desc tlock.MethodDescriptor) (json.RawMessage, *errors.Error) {
	if invoker == nil {
		return nil, errors.New(errors.ComponentDispatcher, errors.KindInternal, "no invoker wired for broadcast call")
	}

	results := make([]any, len(entities))
	for i, e := range entities {
		raw, derr := invoker.InvokeEntity(ctx, e.ID, method, params)
		if derr != nil {
			return nil, derr
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &results[i]); err != nil {
				return nil, errors.Internal(errors.ComponentDispatcher, err, "unmarshal broadcast result")
			}
		}
	}

	var aggregated any = results
	if desc.Aggregate != nil {
		v, err := desc.Aggregate(results)
		if err != nil {
			return nil, errors.Wrap(errors.ComponentDispatcher, errors.KindInternal, err, "aggregate broadcast results")
		}
		aggregated = v
	}

	out, err := json.Marshal(aggregated)
	if err != nil {
		return nil, errors.Internal(errors.ComponentDispatcher, err, "marshal aggregated broadcast result")
	}
	return out, nil
}

// ---- host.* (time, random, log) ----

type hostModule struct {
	yielder Yielder
}

func (*hostModule) Namespace() string { return "host" }

func (m *hostModule) Yield(ctx context.Context, _ tlock.PluginID, sessionID tlock.SessionID, _ *emptyResult) (*emptyResult, *errors.Error) {
	if m.yielder == nil {
		return nil, errors.New(errors.ComponentDispatcher, errors.KindInternal, "no yielder wired for host.yield")
	}
	if err := m.yielder.Yield(ctx, sessionID); err != nil {
		return nil, errors.Wrap(errors.ComponentDispatcher, errors.KindInternal, err, "yield")
	}
	return &emptyResult{}, nil
}

type nowResult struct {
	UnixNano int64 `json:"unix_nano"`
}

func (*hostModule) Now(_ context.Context, _ tlock.PluginID, _ tlock.SessionID, _ *emptyResult) (*nowResult, *errors.Error) {
	return &nowResult{UnixNano: time.Now().UnixNano()}, nil
}

type randomParams struct {
	Length int `json:"length"`
}

type randomResult struct {
	Bytes []byte `json:"bytes"`
}

func (*hostModule) Random(_ context.Context, _ tlock.PluginID, _ tlock.SessionID, p *randomParams) (*randomResult, *errors.Error) {
	if p.Length <= 0 || p.Length > 4096 {
		return nil, errors.BadParams(errors.ComponentDispatcher, "random length must be between 1 and 4096")
	}
	buf := make([]byte, p.Length)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Internal(errors.ComponentDispatcher, err, "read random bytes")
	}
	return &randomResult{Bytes: buf}, nil
}

type logParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (*hostModule) Log(_ context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *logParams) (*emptyResult, *errors.Error) {
	logGuestMessage(pluginID, sessionID, p.Level, p.Message)
	return &emptyResult{}, nil
}

// logGuestMessage discards the message: host.log succeeds without
// recording anything. It is an unexported var, so only code inside this
// package can replace it.
var logGuestMessage = func(pluginID tlock.PluginID, sessionID tlock.SessionID, level, message string) {}
