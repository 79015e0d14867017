// Adapted from the teacher's runtime/host.go HostRegistry: implement an
// interface, get every exported method registered automatically. There,
// methods were bound to WIT import names via PascalCase-to-kebab-case
// conversion validated against a component's canon imports; here there
// is no WIT signature to validate against, so registration just needs
// the namespace plus a snake_case conversion of each method name,
// matching the dotted method names spec §4.3's fixed host-call menu
// uses (e.g. "state.set_key_and_unlock") as long as the Go method name
// itself spells out the full operation (SetKeyAndUnlock, not
// SetAndUnlock) -- the conversion is mechanical, so the wire name is
// only as spec-accurate as the handler method's own name.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// Module is implemented by each host-call namespace (state, entities,
// routing, host) to name itself; every other exported method becomes a
// host-callable RPC method under that namespace.
type Module interface {
	Namespace() string
}

type handler struct {
	fn         reflect.Value
	paramsType reflect.Type // element type if the method takes a pointer param, else the param type itself
	paramsPtr  bool
}

// HostRegistry resolves a dotted method name ("state.lock_key") to the Go
// method that implements it and handles the JSON marshal/unmarshal at
// the boundary so each handler can work with typed params and results.
type HostRegistry struct {
	mu       sync.RWMutex
	handlers map[string]*handler
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{handlers: make(map[string]*handler)}
}

// RegisterModule reflects over mod's exported methods (other than
// Namespace) and registers each as "<namespace>.<snake_case(method)>".
// A handler method must have the shape
//
//	func(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, params *P) (*R, *errors.Error)
//
// where P and R are plain structs; a struct field may itself be
// json.RawMessage when a handler wants to pass raw wire bytes through
// unmodified (entities.call_entity's nested params, for instance).
func (r *HostRegistry) RegisterModule(mod Module) error {
	ns := mod.Namespace()
	if ns == "" {
		return errors.BadParams(errors.ComponentDispatcher, "module namespace cannot be empty")
	}

	rv := reflect.ValueOf(mod)
	rt := rv.Type()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() || m.Name == "Namespace" {
			continue
		}
		h, err := buildHandler(rv.Method(i))
		if err != nil {
			return errors.Wrap(errors.ComponentDispatcher, errors.KindInternal, err,
				fmt.Sprintf("registering %s.%s", ns, m.Name))
		}
		r.handlers[ns+"."+toSnakeCase(m.Name)] = h
	}
	return nil
}

func buildHandler(bound reflect.Value) (*handler, error) {
	t := bound.Type()
	if t.NumIn() != 4 || t.NumOut() != 2 {
		return nil, fmt.Errorf("handler must take (ctx, pluginID, sessionID, params) and return (result, *errors.Error)")
	}
	paramsArg := t.In(3)
	ptr := paramsArg.Kind() == reflect.Ptr
	elem := paramsArg
	if ptr {
		elem = paramsArg.Elem()
	}
	return &handler{fn: bound, paramsType: elem, paramsPtr: ptr}, nil
}

// Has reports whether method is registered.
func (r *HostRegistry) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[method]
	return ok
}

// Invoke unmarshals params into the handler's declared type, calls it,
// and marshals the result back to wire bytes.
func (r *HostRegistry) Invoke(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.MethodNotFound(errors.ComponentDispatcher, method)
	}

	paramsVal := reflect.New(h.paramsType)
	if len(params) > 0 {
		if err := json.Unmarshal(params, paramsVal.Interface()); err != nil {
			return nil, errors.BadParams(errors.ComponentDispatcher, "unmarshal params: "+err.Error())
		}
	}

	arg := paramsVal
	if !h.paramsPtr {
		arg = paramsVal.Elem()
	}

	out := h.fn.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(pluginID),
		reflect.ValueOf(sessionID),
		arg,
	})

	if !out[1].IsNil() {
		return nil, out[1].Interface().(*errors.Error)
	}

	result := out[0]
	if result.IsNil() {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(result.Interface())
	if err != nil {
		return nil, errors.Wrap(errors.ComponentDispatcher, errors.KindInternal, err, "marshal result")
	}
	return raw, nil
}

// toSnakeCase converts PascalCase to snake_case, handling runs of
// uppercase as a single acronym word: GetHTTPResponse -> get_http_response.
func toSnakeCase(s string) string {
	if len(s) == 0 {
		return ""
	}
	runes := []rune(s)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if unicode.IsUpper(c) {
			end := i + 1
			for end < len(runes) && unicode.IsUpper(runes[end]) {
				end++
			}
			if end > i+1 && end < len(runes) && unicode.IsLower(runes[end]) {
				end--
			}
			if i > 0 {
				b.WriteByte('_')
			}
			for j := i; j < end; j++ {
				b.WriteRune(unicode.ToLower(runes[j]))
			}
			i = end - 1
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
