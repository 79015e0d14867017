package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Robert-MacWha/tlock"
)

func TestParseScope(t *testing.T) {
	segs, err := ParseScope("eip155:1:0xabc")
	require.NoError(t, err)
	require.Equal(t, []string{"eip155", "1", "0xabc"}, segs)
}

func TestRegisterAndUnregisterPlugin(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register(tlock.PluginID("p1"), "vault", []tlock.ScopeRule{"eip155:_:_"})
	require.NoError(t, err)

	_, ok := r.Get(id)
	require.True(t, ok)

	r.UnregisterPlugin(tlock.PluginID("p1"))
	_, ok = r.Get(id)
	require.False(t, ok)
}

func vaultDomains() map[tlock.Domain]tlock.DomainDescriptor {
	return map[tlock.Domain]tlock.DomainDescriptor{
		"vault": {
			Name: "vault",
			Methods: map[string]tlock.MethodDescriptor{
				"getBalance": {Strategy: tlock.RoutingSingleton},
				"onBlock":    {Strategy: tlock.RoutingBroadcast},
			},
		},
	}
}

func TestRouterPrefersMoreSpecificRule(t *testing.T) {
	reg := NewRegistry()
	generic, err := reg.Register(tlock.PluginID("p1"), "vault", []tlock.ScopeRule{"eip155:_:_"})
	require.NoError(t, err)
	specific, err := reg.Register(tlock.PluginID("p2"), "vault", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)

	router := NewRouter(reg, vaultDomains())
	entities, _, err := router.Resolve("vault", "getBalance", []string{"eip155", "1", "0xabc"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, specific, entities[0].ID)
	_ = generic
}

func TestRouterAmbiguousTieErrors(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(tlock.PluginID("p1"), "vault", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)
	_, err = reg.Register(tlock.PluginID("p2"), "vault", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)

	router := NewRouter(reg, vaultDomains())
	_, _, err = router.Resolve("vault", "getBalance", []string{"eip155", "1", "0xabc"})
	require.Error(t, err)
}

func TestRouterUnmatchedWhenNoRuleMatches(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(tlock.PluginID("p1"), "vault", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)

	router := NewRouter(reg, vaultDomains())
	_, _, err = router.Resolve("vault", "getBalance", []string{"eip155", "137", "0xabc"})
	require.Error(t, err)
}

func TestRouterBroadcastReturnsAllMatches(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Register(tlock.PluginID("p1"), "vault", []tlock.ScopeRule{"eip155:_:_"})
	require.NoError(t, err)
	b, err := reg.Register(tlock.PluginID("p2"), "vault", []tlock.ScopeRule{"eip155:1:_"})
	require.NoError(t, err)

	router := NewRouter(reg, vaultDomains())
	entities, desc, err := router.Resolve("vault", "onBlock", []string{"eip155", "1", "0xabc"})
	require.NoError(t, err)
	require.Equal(t, tlock.RoutingBroadcast, desc.Strategy)
	require.Len(t, entities, 2)
	require.Equal(t, b, entities[0].ID) // more specific first
	require.Equal(t, a, entities[1].ID)
}

func TestRouterUnknownDomainOrMethod(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, vaultDomains())

	_, _, err := router.Resolve("nonexistent", "x", nil)
	require.Error(t, err)

	_, _, err = router.Resolve("vault", "noSuchMethod", nil)
	require.Error(t, err)
}
