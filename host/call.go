package host

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/dispatch"
	"github.com/Robert-MacWha/tlock/engine"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/iopipe"
	"github.com/Robert-MacWha/tlock/scheduler"
	"github.com/Robert-MacWha/tlock/transport"
)

// Call dispatches method/params to the entity registered under entityID,
// running one full session: a fresh guest instance, a transport.Conn over
// its stdio, and the host's C3 dispatcher answering any host.* calls the
// guest makes along the way.
func (h *Host) Call(ctx context.Context, entityID tlock.EntityID, method string, params json.RawMessage) (json.RawMessage, error) {
	e, ok := h.reg.Get(entityID)
	if !ok {
		return nil, errors.RoutingUnmatched(string(entityID), method)
	}

	h.mu.Lock()
	rec, ok := h.plugins[e.PluginID]
	h.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.ComponentHost, errors.KindInternal, "entity's plugin is not loaded")
	}

	if err := rec.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer rec.sem.Release()

	return h.runSession(ctx, rec, entityID, method, params)
}

// InvokeEntity satisfies dispatch.PluginInvoker: a running session's guest
// can reach another entity (possibly in another plugin) via
// entities.call_entity or ui.render_page. It is just Call with the
// json.RawMessage -> *errors.Error return shape dispatch expects.
func (h *Host) InvokeEntity(ctx context.Context, entityID tlock.EntityID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
	result, err := h.Call(ctx, entityID, method, params)
	if err != nil {
		if derr, ok := err.(*errors.Error); ok {
			return nil, derr
		}
		return nil, errors.Wrap(errors.ComponentHost, errors.KindInternal, err, "nested entity invocation")
	}
	return result, nil
}

// Resolve returns the single best-matching entity for domain.method under
// scope, per the router's specificity rules. Unlike the routing.resolve
// host call (which a guest uses and which returns every match for a
// Broadcast method), this external surface always answers with one
// entity, since an operator driving the administrative CLI wants a single
// target to call, not a routing table dump.
func (h *Host) Resolve(domain tlock.Domain, method string, scope []string) (tlock.EntityID, error) {
	entities, _, err := h.router.Resolve(domain, method, scope)
	if err != nil {
		return "", err
	}
	return entities[0].ID, nil
}

// CallDomain resolves domain.method against scope and executes it per the
// method's declared routing strategy (spec §4.5). A Singleton method runs
// through Call against the one resolved entity, with the usual
// session/semaphore/metrics/tracing bookkeeping. A Broadcast method fans
// the call out to every resolved entity and combines their results per
// MethodDescriptor.Aggregate via dispatch.BroadcastInvoke (§8 scenario 7:
// three entities returning 1/2/3 yields an aggregated result containing
// all three), reusing h itself as the dispatch.PluginInvoker so each
// entity still runs its own full session through Call.
func (h *Host) CallDomain(ctx context.Context, domain tlock.Domain, method string, scope []string, params json.RawMessage) (json.RawMessage, error) {
	entities, desc, err := h.router.Resolve(domain, method, scope)
	if err != nil {
		return nil, err
	}

	if desc.Strategy != tlock.RoutingBroadcast {
		return h.Call(ctx, entities[0].ID, method, params)
	}

	result, derr := dispatch.BroadcastInvoke(ctx, h, entities, method, params, desc)
	if derr != nil {
		return nil, derr
	}
	return result, nil
}

// runSession wires one session's stdio pipes, transport.Conn, and
// scheduler.Runner together and drives the RPC call initiated by the
// host, under the wall-clock deadline spec §4.1 requires of every
// session.
func (h *Host) runSession(ctx context.Context, rec *pluginRecord, entityID tlock.EntityID, method string, params json.RawMessage) (json.RawMessage, error) {
	sessionID := h.sched.NewSessionID()

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, h.cfg.SessionDeadline)
	defer cancelDeadline()

	stdin := iopipe.New()
	stdout := iopipe.New()
	stderr := iopipe.New()

	conn := transport.NewConn(stdin, stdout, h.caller, rec.id, sessionID)

	sessionCtx, span := h.startSessionSpan(deadlineCtx, rec.id, sessionID, method)
	defer span.End()

	callCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()
	go conn.Pump(callCtx)
	go h.drainStderr(callCtx, rec.id, sessionID, stderr)

	runDone := make(chan error, 1)
	go func() {
		runDone <- h.runner.Run(sessionCtx, scheduler.RunConfig{
			SessionID:     sessionID,
			PluginID:      rec.id,
			Module:        rec.module,
			Stdio:         scheduler.Stdio{Stdin: stdin, Stdout: stdout, Stderr: stderr},
			StdoutLimiter: rec.stdoutLimiter,
			OnSessionEnd: func(info scheduler.SessionInfo) {
				h.cfg.Metrics.recordFuel(string(rec.id), info.Quanta)
			},
		})
	}()

	callDone := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		result, callErr = conn.Call(callCtx, method, params)
		close(callDone)
	}()

	// A guest that returns from _start (cleanly, trapped, or errored)
	// without ever writing a response means conn.Call would otherwise
	// wait on callCtx forever; cancel it the moment the run side finishes
	// first so the pending Call unblocks immediately instead of waiting
	// out the caller's full deadline.
	var runErr error
	select {
	case runErr = <-runDone:
		cancel()
		<-callDone
	case <-callDone:
		runErr = <-runDone
	}
	_ = stdin.Close()

	// Lock release on cancellation is mandatory (spec §4.4/§5) whether the
	// session ended in a trap, a clean exit, or a deadline expiry.
	h.state.ForceUnlockSession(rec.id, sessionID)

	// deadlineCtx's own Err, not callCtx's (which cancel() above also
	// marks Canceled on the ordinary completion path), is what tells a
	// real deadline expiry apart from a guest that simply finished first:
	// cancel() always fires on that path, so checking callCtx/sessionCtx
	// would mislabel every clean exit as a timeout.
	timedOut := deadlineCtx.Err() == context.DeadlineExceeded

	outcome := OutcomeOK
	switch {
	case timedOut:
		outcome = OutcomeTimeout
	case runErr != nil:
		outcome = OutcomeTrap
	case callErr != nil:
		outcome = OutcomeNoResponse
	}
	h.cfg.Metrics.recordSession(string(rec.id), outcome)

	if timedOut {
		span.RecordError(context.DeadlineExceeded)
		h.logger().Warn("plugin session deadline exceeded",
			engine.PluginField(string(rec.id)), engine.SessionField(sessionID.String()),
			engine.EntityField(string(entityID)))
		return nil, errors.Timeout(string(rec.id), sessionID.String())
	}
	if runErr != nil {
		span.RecordError(runErr)
		h.logger().Error("plugin session trapped",
			engine.PluginField(string(rec.id)), engine.SessionField(sessionID.String()),
			engine.EntityField(string(entityID)), zap.Error(runErr))
		return nil, runErr
	}
	if callErr != nil {
		span.RecordError(callErr)
		return nil, callErr
	}
	return result, nil
}

func (h *Host) drainStderr(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, p *iopipe.Pipe) {
	lr := iopipe.NewLineReader(p)
	for {
		lines, closed := lr.Next()
		for _, line := range lines {
			h.logger().Info("plugin stderr",
				engine.PluginField(string(pluginID)), engine.SessionField(sessionID.String()),
				zap.ByteString("line", line))
		}
		if closed {
			return
		}
		select {
		case <-p.WaitChan():
		case <-ctx.Done():
			return
		}
	}
}
