package host

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Robert-MacWha/tlock"
)

// minimalWASM is the empty module: magic bytes + version, no sections, no
// exports. It satisfies engine.LoadModule's "only imports
// wasi_snapshot_preview1" check vacuously and instantiates without running
// anything (wazero skips a start function the module doesn't export), so
// its plugin.init session ends without the guest ever answering the call,
// which is exactly the controlled failure this package's init-rollback
// path needs to exercise without a real guest binary on disk.
var minimalWASM = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func testDomains() map[tlock.Domain]tlock.DomainDescriptor {
	return map[tlock.Domain]tlock.DomainDescriptor{
		"vault": {
			Name: "vault",
			Methods: map[string]tlock.MethodDescriptor{
				"get_balance": {Strategy: tlock.RoutingSingleton},
			},
		},
		"page": {
			Name: "page",
			Methods: map[string]tlock.MethodDescriptor{
				"render": {Strategy: tlock.RoutingSingleton},
			},
		},
	}
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h, err := New(context.Background(), Config{}, testDomains())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestNewAndClose(t *testing.T) {
	h := newTestHost(t)
	require.NotNil(t, h.disp)
	require.NotNil(t, h.caller)
}

func TestLoadPluginRollsBackOnInitFailure(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	_, err := h.LoadPlugin(ctx, minimalWASM)
	require.Error(t, err)

	require.Empty(t, h.plugins)
	require.Empty(t, h.reg.All())
}

func TestLoadPluginWithManifestRejectsBadABI(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	_, err := h.LoadPluginWithManifest(ctx, minimalWASM, Manifest{
		Name:           "vault-plugin",
		Version:        "1.0.0",
		MinHostVersion: "^2.0.0",
	})
	require.Error(t, err)
	require.Empty(t, h.plugins)
}

func TestLoadPluginWithManifestRejectsInvalidManifest(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	_, err := h.LoadPluginWithManifest(ctx, minimalWASM, Manifest{Name: "Bad Name"})
	require.Error(t, err)
}

func TestUnloadPluginRejectsUnknownPlugin(t *testing.T) {
	h := newTestHost(t)
	err := h.UnloadPlugin(context.Background(), tlock.PluginID("nonexistent"))
	require.Error(t, err)
}

func TestSetPermissionGrantAndRevoke(t *testing.T) {
	h := newTestHost(t)
	pluginID := tlock.PluginID("p1")

	require.NoError(t, h.SetPermission(pluginID, "state.*", true))
	require.True(t, h.perms.Allowed(pluginID, "state.lock_key"))

	require.NoError(t, h.SetPermission(pluginID, "state.*", false))
	require.False(t, h.perms.Allowed(pluginID, "state.lock_key"))
}

func TestResolveReturnsUnmatchedForEmptyDomain(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Resolve("vault", "get_balance", []string{"eip155", "1", "0xabc"})
	require.Error(t, err)
}

func broadcastTestDomains() map[tlock.Domain]tlock.DomainDescriptor {
	return map[tlock.Domain]tlock.DomainDescriptor{
		"page": {
			Name: "page",
			Methods: map[string]tlock.MethodDescriptor{
				"render": {Strategy: tlock.RoutingBroadcast},
			},
		},
	}
}

func TestCallDomainErrorsWhenNoEntitiesMatch(t *testing.T) {
	h, err := New(context.Background(), Config{}, broadcastTestDomains())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	_, err = h.CallDomain(context.Background(), "page", "render", []string{"eip155", "1", "0xabc"}, json.RawMessage("null"))
	require.Error(t, err)
}

func TestCallDomainBroadcastResolvesEveryMatchingEntity(t *testing.T) {
	h, err := New(context.Background(), Config{}, broadcastTestDomains())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	pluginID := tlock.PluginID("p1")
	require.NoError(t, h.perms.SetGrants(pluginID, []string{"*.*"}))
	_, err = h.reg.Register(pluginID, "page", []tlock.ScopeRule{"eip155:_:_"})
	require.NoError(t, err)
	_, err = h.reg.Register(pluginID, "page", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)

	// Neither entity's plugin is actually loaded, so the broadcast's first
	// InvokeEntity call surfaces host.Call's "entity's plugin is not
	// loaded" error rather than a real render result -- there's no
	// guest binary to run in this unit test. What this does confirm is
	// that CallDomain took the broadcast path (resolving two entities
	// rather than h.Resolve's single-best-match) instead of silently
	// short-circuiting to one entity the way the old ui.RenderPage bug
	// did; a genuine multi-result aggregation is exercised end to end at
	// the dispatch package level (TestDispatchUiRenderPageBroadcastsAndAggregates).
	entities, desc, err := h.router.Resolve("page", "render", []string{"eip155", "1", "0xabc"})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	require.Equal(t, tlock.RoutingBroadcast, desc.Strategy)

	_, err = h.CallDomain(context.Background(), "page", "render", []string{"eip155", "1", "0xabc"}, json.RawMessage("null"))
	require.Error(t, err)
}

func TestCallUnknownEntity(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Call(context.Background(), tlock.EntityID("missing"), "get_balance", json.RawMessage("null"))
	require.Error(t, err)
}

func TestIntrospectEmptyHost(t *testing.T) {
	h := newTestHost(t)
	info := h.Introspect()
	require.Empty(t, info.Sessions)
	require.Empty(t, info.Entities)
}

func TestSnapshotRestoreRoundtripEmptyHost(t *testing.T) {
	h := newTestHost(t)
	data, err := h.Snapshot()
	require.NoError(t, err)

	h2 := newTestHost(t)
	require.NoError(t, h2.Restore(context.Background(), data))
	require.Empty(t, h2.plugins)
	require.Empty(t, h2.reg.All())
}

func TestSnapshotRestoreRoundtripWithEntityAndState(t *testing.T) {
	h := newTestHost(t)

	pluginID := tlock.PluginID("p1")
	require.NoError(t, h.perms.SetGrants(pluginID, []string{"*.*"}))
	entityID, err := h.reg.Register(pluginID, "vault", []tlock.ScopeRule{"eip155:1:*"})
	require.NoError(t, err)
	h.state.Restore(pluginID, map[tlock.Key]tlock.Value{"balance": tlock.Value("100")})
	h.plugins[pluginID] = &pluginRecord{id: pluginID, module: nil}

	// module is nil above since this host never loaded real bytes; swap
	// it out before Snapshot reads module.Bytes().
	m, err := h.eng.LoadModule(context.Background(), minimalWASM)
	require.NoError(t, err)
	h.plugins[pluginID].module = m

	data, err := h.Snapshot()
	require.NoError(t, err)

	h2 := newTestHost(t)
	require.NoError(t, h2.Restore(context.Background(), data))

	require.Contains(t, h2.plugins, pluginID)
	restoredEntity, ok := h2.reg.Get(entityID)
	require.True(t, ok)
	require.Equal(t, tlock.Domain("vault"), restoredEntity.Domain)
	values := h2.state.Snapshot(pluginID)
	require.Equal(t, tlock.Value("100"), values["balance"])
}
