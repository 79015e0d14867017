package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/iopipe"
)

// HostCaller answers a "host.*" request a guest sent on its own
// initiative. dispatch (C3) satisfies this interface structurally; this
// package never imports dispatch, which keeps transport -> dispatch ->
// {state,registry} acyclic.
type HostCaller interface {
	Dispatch(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error)
}

// Conn is the host's side of one session's JSON-RPC connection: it owns
// the pipe pair bound to the guest's stdin/stdout, makes the single
// outer Call the host initiates, and answers every host.* request the
// guest sends back on the same wire while that call is outstanding.
type Conn struct {
	stdin  *iopipe.Pipe // host writes here; guest's fd_read drains it
	stdout *iopipe.Pipe // guest's fd_write fills this; host reads it

	caller    HostCaller
	pluginID  tlock.PluginID
	sessionID tlock.SessionID

	idCounter atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *Envelope
}

func NewConn(stdin, stdout *iopipe.Pipe, caller HostCaller, pluginID tlock.PluginID, sessionID tlock.SessionID) *Conn {
	return &Conn{
		stdin:     stdin,
		stdout:    stdout,
		caller:    caller,
		pluginID:  pluginID,
		sessionID: sessionID,
		pending:   make(map[string]chan *Envelope),
	}
}

func (c *Conn) nextID() *RequestID {
	return NewNumericID(c.idCounter.Add(1))
}

// Call sends method/params to the guest and blocks for its response.
// Exactly one Call is outstanding per session in this host's usage (the
// entity invocation that started the session), but the map keyed by id
// supports more without any protocol change.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID()
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, errors.Wrap(errors.ComponentTransport, errors.KindTransport, err, "marshal request")
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[id.String()] = ch
	c.mu.Unlock()

	if err := c.writeLine(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errorFromObject(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pump drains stdout, dispatching guest-initiated requests and
// delivering responses to their waiting Call, until stdout closes or ctx
// is done. The caller runs this in its own goroutine for the session's
// lifetime; it does not touch the scheduler's turnstile, since dispatch
// may need to block on a state lock held by another session.
func (c *Conn) Pump(ctx context.Context) {
	lr := iopipe.NewLineReader(c.stdout)
	for {
		lines, closed := lr.Next()
		for _, line := range lines {
			c.handleLine(ctx, line)
		}
		if closed {
			c.failPending(errors.ClosedSession(c.sessionID.String()))
			return
		}
		select {
		case <-c.stdout.WaitChan():
		case <-ctx.Done():
			c.failPending(ctx.Err())
			return
		}
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- &Envelope{Error: &ErrorObject{Message: err.Error()}}
	}
}

func (c *Conn) handleLine(ctx context.Context, line []byte) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		engineLogParseError(c, line, err)
		return
	}

	if env.IsRequest() {
		result, derr := c.caller.Dispatch(ctx, c.pluginID, c.sessionID, env.Method, env.Params)
		if env.IsNotification() {
			return
		}
		var resp *Envelope
		if derr != nil {
			resp = newErrorResponse(env.ID, derr.Code(), derr.Error(), derr.Data)
		} else {
			var mErr error
			resp, mErr = newResponse(env.ID, result)
			if mErr != nil {
				resp = newErrorResponse(env.ID, errors.New(errors.ComponentTransport, errors.KindInternal, "").Code(), mErr.Error(), nil)
			}
		}
		c.writeLine(resp)
		return
	}

	if env.ID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID.String()]
	if ok {
		delete(c.pending, env.ID.String())
	}
	c.mu.Unlock()
	if ok {
		e := env
		ch <- &e
	}
}

func (c *Conn) writeLine(env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(errors.ComponentTransport, errors.KindTransport, err, "marshal envelope")
	}
	b = append(b, '\n')
	if _, err := c.stdin.Write(b); err != nil {
		return errors.Wrap(errors.ComponentTransport, errors.KindTransport, err, "write to guest stdin")
	}
	return nil
}

func errorFromObject(e *ErrorObject) error {
	return fmt.Errorf("guest error %d: %s", e.Code, e.Message)
}

// engineLogParseError is split out so tests can intercept malformed lines
// without wiring a full logger.
var engineLogParseError = func(c *Conn, line []byte, err error) {}
