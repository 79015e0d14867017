// Package transport implements the C2 wire protocol: JSON-RPC 2.0 framed
// as newline-delimited lines over a plugin's own stdin/stdout, the
// convention original_source/host/plugin.rs uses via
// BufRead::lines()/println!. The host writes the single call it is
// making into the plugin's stdin; the plugin may, before producing its
// final response, write any number of "host.*" requests of its own to
// stdout, each of which the host must answer by writing a response back
// into stdin before the plugin's next fd_read will return.
package transport

import (
	"encoding/json"
)

// Envelope is a JSON-RPC 2.0 message in either direction. Exactly one of
// (Method set) or (Result set or Error set) holds for any real message;
// Method+ID with no Result/Error identifies a request, Method alone a
// notification, and Result/Error alone a response.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// RequestID wraps a JSON-RPC id, which the spec allows to be a number or
// string on the wire. The host always emits numeric ids; RequestID
// accepts either so a plugin's own id choices still round-trip.
type RequestID struct {
	raw json.RawMessage
}

func NewNumericID(n uint64) *RequestID {
	b, _ := json.Marshal(n)
	return &RequestID{raw: b}
}

func (r *RequestID) MarshalJSON() ([]byte, error) {
	if r == nil || r.raw == nil {
		return []byte("null"), nil
	}
	return r.raw, nil
}

func (r *RequestID) UnmarshalJSON(b []byte) error {
	r.raw = append([]byte(nil), b...)
	return nil
}

func (r *RequestID) String() string {
	if r == nil {
		return "<nil>"
	}
	return string(r.raw)
}

func (r *RequestID) Equal(other *RequestID) bool {
	if r == nil || other == nil {
		return r == other
	}
	return string(r.raw) == string(other.raw)
}

// ErrorObject is a JSON-RPC 2.0 error object, shaped to carry the fields
// errors.Error exposes (spec §6).
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IsRequest reports whether e carries a method, i.e. is a request or
// notification rather than a response.
func (e *Envelope) IsRequest() bool { return e.Method != "" }

// IsNotification reports whether e is a method call with no id, which the
// receiver must not answer.
func (e *Envelope) IsNotification() bool { return e.Method != "" && e.ID == nil }

func newRequest(id *RequestID, method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

func newResponse(id *RequestID, result any) (*Envelope, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

func newErrorResponse(id *RequestID, code int, message string, data any) *Envelope {
	return &Envelope{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
