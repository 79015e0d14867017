package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Robert-MacWha/tlock"
)

// Before never touches its api.Module/api.FunctionDefinition/StackIterator
// arguments, so nil stand-ins are enough to exercise the fuel-accounting
// logic without standing up a real wazero module.
func TestFuelListenerDebitsAndSuspends(t *testing.T) {
	s := New(Config{FuelPerQuantum: 2})
	id := s.NewSessionID()
	s.Register(id, tlock.PluginID("p"))
	require.NoError(t, s.Acquire(context.Background()))

	listener := s.FuelListenerFactory(id).NewFunctionListener(nil)
	ctx := context.Background()

	listener.Before(ctx, nil, nil, nil, nil)
	require.Equal(t, uint64(1), s.Sessions()[0].Fuel)

	listener.Before(ctx, nil, nil, nil, nil)
	require.Equal(t, uint64(0), s.Sessions()[0].Fuel)

	// Third call hits fuel==0: it must suspend (release+reacquire) and come
	// back with a full quantum, without deadlocking since nothing else is
	// contending for the turnstile.
	listener.Before(ctx, nil, nil, nil, nil)
	require.Equal(t, uint64(2), s.Sessions()[0].Fuel)

	s.Release()
}

func TestFuelListenerIgnoresUnknownSession(t *testing.T) {
	s := New(Config{})
	listener := s.FuelListenerFactory(tlock.SessionID(999)).NewFunctionListener(nil)
	// Must not panic even though the session was never registered.
	listener.Before(context.Background(), nil, nil, nil, nil)
}
