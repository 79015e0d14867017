package host

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/transport"
)

// tracingCaller wraps a transport.HostCaller (here, the dispatcher) with a
// child span per host call a guest makes. It lives in host, not dispatch,
// so C3 never has to import otel: tracing is an ambient concern of the
// facade, not of dispatch logic itself.
type tracingCaller struct {
	next   transport.HostCaller
	tracer trace.Tracer
}

func (t *tracingCaller) Dispatch(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
	ctx, span := t.tracer.Start(ctx, "host.dispatch",
		trace.WithAttributes(
			attribute.String("plugin_id", string(pluginID)),
			attribute.String("session_id", sessionID.String()),
			attribute.String("method", method),
		))
	defer span.End()

	result, derr := t.next.Dispatch(ctx, pluginID, sessionID, method, params)
	if derr != nil {
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, derr
}

// startSessionSpan opens the "executor.session" span that covers one
// entity invocation end to end, from the host's outer Call down through
// every nested host.* dispatch the guest makes while answering it.
func (h *Host) startSessionSpan(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string) (context.Context, trace.Span) {
	return h.cfg.Tracer.Start(ctx, "executor.session",
		trace.WithAttributes(
			attribute.String("plugin_id", string(pluginID)),
			attribute.String("session_id", sessionID.String()),
			attribute.String("method", method),
		))
}
