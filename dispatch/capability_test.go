package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Robert-MacWha/tlock"
)

func TestPermissionsDenyByDefault(t *testing.T) {
	p := NewPermissions()
	require.False(t, p.Allowed(tlock.PluginID("p1"), "state.lock_key"))
}

func TestPermissionsGrantAndMatch(t *testing.T) {
	p := NewPermissions()
	require.NoError(t, p.SetGrants(tlock.PluginID("p1"), []string{"state.*", "entities.register_entity"}))

	require.True(t, p.Allowed(tlock.PluginID("p1"), "state.lock_key"))
	require.True(t, p.Allowed(tlock.PluginID("p1"), "state.set_key_and_unlock"))
	require.True(t, p.Allowed(tlock.PluginID("p1"), "entities.register_entity"))
	require.False(t, p.Allowed(tlock.PluginID("p1"), "entities.call_entity"))
}

func TestPermissionsSetGrantsIsAtomic(t *testing.T) {
	p := NewPermissions()
	require.NoError(t, p.SetGrants(tlock.PluginID("p1"), []string{"state.*"}))

	err := p.SetGrants(tlock.PluginID("p1"), []string{"state.lock_key", "["})
	require.Error(t, err)

	require.True(t, p.Allowed(tlock.PluginID("p1"), "state.set_key"))
}

func TestPermissionsRevoke(t *testing.T) {
	p := NewPermissions()
	require.NoError(t, p.SetGrants(tlock.PluginID("p1"), []string{"state.*"}))
	p.Revoke(tlock.PluginID("p1"))
	require.False(t, p.Allowed(tlock.PluginID("p1"), "state.lock_key"))
}

func TestPermissionsEmptyMethodDenied(t *testing.T) {
	p := NewPermissions()
	require.NoError(t, p.SetGrants(tlock.PluginID("p1"), []string{"*"}))
	require.False(t, p.Allowed(tlock.PluginID("p1"), ""))
}
