package errors

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := LockRejected("counter", "already held by this session")
	want := `[state] lock_rejected: key "counter": already held by this session`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestIsMatchesKindAndComponent(t *testing.T) {
	a := RoutingUnmatched("vault", "get_assets")
	b := New(ComponentRegistry, KindRoutingUnmatched, "")
	if !errors.Is(a, b) {
		t.Error("expected a to match b by kind+component")
	}

	c := New(ComponentState, KindRoutingUnmatched, "")
	if errors.Is(a, c) {
		t.Error("expected a not to match c: different component")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(ComponentHost, cause, "wrapping")
	if errors.Unwrap(err) != cause {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestCodeStable(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
	}{
		{KindTransport, -32700},
		{KindMethodNotFound, -32601},
		{KindBadParams, -32602},
		{KindPermissionDenied, -31001},
		{KindPluginTrap, -31002},
		{KindTimeout, -31003},
		{KindLockRejected, -31004},
		{KindRoutingAmbiguous, -31005},
		{KindRoutingUnmatched, -31006},
	}
	for _, tc := range tests {
		e := New(ComponentHost, tc.kind, "")
		if e.Code() != tc.code {
			t.Errorf("kind %s: got code %d, want %d", tc.kind, e.Code(), tc.code)
		}
	}
}

func TestWithData(t *testing.T) {
	err := PluginTrap("p1", "s1", "unreachable", "panic at offset 12")
	data, ok := err.Data.(map[string]string)
	if !ok {
		t.Fatalf("expected map[string]string data, got %T", err.Data)
	}
	if data["stderr_tail"] != "panic at offset 12" {
		t.Errorf("unexpected stderr_tail: %v", data)
	}
}
