// Package errors provides the structured error type shared by every plugin
// host component. An Error always carries a Component (which of C1-C5, or
// the host facade, raised it) and a Kind drawn from the fixed set a caller
// across the host/guest boundary can pattern-match on.
package errors

import (
	"fmt"
	"strings"
)

// Component identifies which part of the host raised the error.
type Component string

const (
	ComponentExecutor   Component = "executor"   // C1
	ComponentTransport  Component = "transport"  // C2
	ComponentDispatcher Component = "dispatcher" // C3
	ComponentState      Component = "state"      // C4
	ComponentRegistry   Component = "registry"   // C5
	ComponentHost       Component = "host"       // public facade
)

// Kind is the closed set of error kinds from spec §6 "Error payloads",
// plus Internal for anything that doesn't fit the domain taxonomy.
type Kind string

const (
	KindMethodNotFound   Kind = "method_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindPluginTrap       Kind = "plugin_trap"
	KindTimeout          Kind = "timeout"
	KindLockRejected     Kind = "lock_rejected"
	KindRoutingAmbiguous Kind = "routing_ambiguous"
	KindRoutingUnmatched Kind = "routing_unmatched"
	KindBadParams        Kind = "bad_params"
	KindTransport        Kind = "transport"
	KindInternal         Kind = "internal"
)

// codes maps each Kind to a stable numeric code for the JSON-RPC error
// object's "code" field. Transport/protocol-shaped errors reuse the
// JSON-RPC 2.0 reserved range; the rest use a private range.
var codes = map[Kind]int{
	KindTransport:        -32700,
	KindMethodNotFound:   -32601,
	KindBadParams:        -32602,
	KindInternal:         -32603,
	KindPermissionDenied: -31001,
	KindPluginTrap:       -31002,
	KindTimeout:          -31003,
	KindLockRejected:     -31004,
	KindRoutingAmbiguous: -31005,
	KindRoutingUnmatched: -31006,
}

// Error is the structured error type returned by every package in this
// module and serialized into JSON-RPC error payloads at the transport
// boundary.
type Error struct {
	Cause     error
	Component Component
	Kind      Kind
	Message   string
	Data      any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Component))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, and on Component when the target specifies one. This
// mirrors the teacher's Phase+Kind identity contract in errors/errors.go.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Component == "" || e.Component == t.Component)
}

// Code returns the JSON-RPC numeric error code for this error's Kind.
func (e *Error) Code() int {
	if c, ok := codes[e.Kind]; ok {
		return c
	}
	return codes[KindInternal]
}

// New builds an Error. Use the Kind-specific constructors below for the
// common cases; New is for ad hoc construction.
func New(component Component, kind Kind, message string) *Error {
	return &Error{Component: component, Kind: kind, Message: message}
}

func Wrap(component Component, kind Kind, cause error, message string) *Error {
	return &Error{Component: component, Kind: kind, Message: message, Cause: cause}
}

// WithData attaches the optional structured "data" field spec §6 allows.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

func MethodNotFound(component Component, method string) *Error {
	return New(component, KindMethodNotFound, fmt.Sprintf("method %q not found", method))
}

func PermissionDenied(component Component, method string) *Error {
	return New(component, KindPermissionDenied, fmt.Sprintf("permission denied for %q", method))
}

func PluginTrap(pluginID, sessionID, reason, stderrTail string) *Error {
	return (&Error{
		Component: ComponentExecutor,
		Kind:      KindPluginTrap,
		Message:   fmt.Sprintf("plugin %s session %s trapped: %s", pluginID, sessionID, reason),
	}).WithData(map[string]string{"stderr_tail": stderrTail})
}

func Timeout(pluginID, sessionID string) *Error {
	return New(ComponentExecutor, KindTimeout, fmt.Sprintf("plugin %s session %s deadline exceeded", pluginID, sessionID))
}

func LockRejected(key, reason string) *Error {
	return New(ComponentState, KindLockRejected, fmt.Sprintf("key %q: %s", key, reason))
}

func RoutingAmbiguous(domain, method string) *Error {
	return New(ComponentRegistry, KindRoutingAmbiguous, fmt.Sprintf("%s.%s: multiple entities tie on specificity", domain, method))
}

func RoutingUnmatched(domain, method string) *Error {
	return New(ComponentRegistry, KindRoutingUnmatched, fmt.Sprintf("%s.%s: no entity matches scope", domain, method))
}

func BadParams(component Component, detail string) *Error {
	return New(component, KindBadParams, detail)
}

func Transport(detail string) *Error {
	return New(ComponentTransport, KindTransport, detail)
}

func ClosedSession(sessionID string) *Error {
	return New(ComponentTransport, KindTransport, fmt.Sprintf("closed session: %s", sessionID))
}

func Internal(component Component, cause error, detail string) *Error {
	return Wrap(component, KindInternal, cause, detail)
}
