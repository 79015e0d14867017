package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/iopipe"
)

type stubCaller struct {
	fn func(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error)
}

func (s stubCaller) Dispatch(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
	return s.fn(ctx, pluginID, sessionID, method, params)
}

// guestEcho simulates a plugin that answers the host's initial call by
// first making its own "host.double" request, then replying with the
// doubled value, driven off raw pipe reads/writes the way the wasi
// package's fd_read/fd_write would in the real stack.
func guestEcho(t *testing.T, stdin, stdout *iopipe.Pipe) {
	lr := iopipe.NewLineReader(stdin)
	var line []byte
	require.Eventually(t, func() bool {
		lines, _ := lr.Next()
		if len(lines) > 0 {
			line = lines[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	var req Envelope
	require.NoError(t, json.Unmarshal(line, &req))

	hostReq, err := newRequest(NewNumericID(1), "host.double", json.RawMessage(`{"n":21}`))
	require.NoError(t, err)
	b, _ := json.Marshal(hostReq)
	stdout.Write(append(b, '\n'))

	require.Eventually(t, func() bool {
		lines, _ := lr.Next()
		if len(lines) > 0 {
			line = lines[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	var hostResp Envelope
	require.NoError(t, json.Unmarshal(line, &hostResp))
	require.Nil(t, hostResp.Error)

	resp, err := newResponse(req.ID, hostResp.Result)
	require.NoError(t, err)
	rb, _ := json.Marshal(resp)
	stdout.Write(append(rb, '\n'))
}

func TestConnCallRoundtripWithNestedHostCall(t *testing.T) {
	stdin := iopipe.New()
	stdout := iopipe.New()

	caller := stubCaller{fn: func(ctx context.Context, pluginID tlock.PluginID, sessionID tlock.SessionID, method string, params json.RawMessage) (json.RawMessage, *errors.Error) {
		require.Equal(t, "host.double", method)
		var p struct{ N int }
		require.NoError(t, json.Unmarshal(params, &p))
		b, jerr := json.Marshal(map[string]int{"result": p.N * 2})
		require.NoError(t, jerr)
		return b, nil
	}}

	conn := NewConn(stdin, stdout, caller, tlock.PluginID("p1"), tlock.SessionID(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Pump(ctx)
	go guestEcho(t, stdin, stdout)

	result, err := conn.Call(ctx, "vault.getBalance", nil)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, 42, got["result"])
}

func TestConnCallSurfacesGuestError(t *testing.T) {
	stdin := iopipe.New()
	stdout := iopipe.New()
	conn := NewConn(stdin, stdout, stubCaller{fn: func(context.Context, tlock.PluginID, tlock.SessionID, string, json.RawMessage) (json.RawMessage, *errors.Error) {
		return nil, nil
	}}, tlock.PluginID("p1"), tlock.SessionID(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Pump(ctx)

	go func() {
		lr := iopipe.NewLineReader(stdin)
		var line []byte
		require.Eventually(t, func() bool {
			lines, _ := lr.Next()
			if len(lines) > 0 {
				line = lines[0]
				return true
			}
			return false
		}, time.Second, time.Millisecond)
		var req Envelope
		json.Unmarshal(line, &req)
		errResp := newErrorResponse(req.ID, -31002, "boom", nil)
		b, _ := json.Marshal(errResp)
		stdout.Write(append(b, '\n'))
	}()

	_, err := conn.Call(ctx, "vault.withdraw", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
