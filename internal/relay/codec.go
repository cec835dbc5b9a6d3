package relay

import (
	"encoding/json"
	"fmt"
)

// rpcError is the {code, message} payload carried by a failed DBG response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope is a single DBG message. It keeps every field it was decoded
// with — including ones this relay never inspects — as raw JSON so that
// forwarding a message preserves fields verbatim, per spec.md §3 and §6.
type envelope struct {
	fields map[string]json.RawMessage
}

// decodeEnvelope parses one WebSocket text frame as a DBG message envelope.
// A frame that isn't a JSON object is rejected as malformed.
func decodeEnvelope(data []byte) (*envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed DBG frame: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("malformed DBG frame: not a JSON object")
	}
	return &envelope{fields: fields}, nil
}

func newEnvelope() *envelope {
	return &envelope{fields: make(map[string]json.RawMessage)}
}

// encode serializes the envelope back to a single JSON object, preserving
// every field it carries.
func (e *envelope) encode() ([]byte, error) {
	return json.Marshal(e.fields)
}

func (e *envelope) set(key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		// All callers pass values that always marshal (strings, structs of
		// basic types, or already-decoded json.RawMessage); a failure here
		// indicates a programming error.
		panic(fmt.Sprintf("relay: marshaling %s: %v", key, err))
	}
	e.fields[key] = raw
}

func (e *envelope) setRaw(key string, raw json.RawMessage) {
	if raw == nil {
		return
	}
	e.fields[key] = raw
}

func (e *envelope) has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

// id returns the request/response correlator, if present.
func (e *envelope) id() (int64, bool) {
	raw, ok := e.fields["id"]
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

func (e *envelope) method() string {
	raw, ok := e.fields["method"]
	if !ok {
		return ""
	}
	var m string
	_ = json.Unmarshal(raw, &m)
	return m
}

func (e *envelope) sessionID() string {
	raw, ok := e.fields["sessionId"]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func (e *envelope) params() json.RawMessage {
	return e.fields["params"]
}

// messageType returns the "type" discriminator used by non-DBG agent
// control messages such as connection_info.
func (e *envelope) messageType() string {
	raw, ok := e.fields["type"]
	if !ok {
		return ""
	}
	var t string
	_ = json.Unmarshal(raw, &t)
	return t
}

// decodeInto re-marshals the envelope's fields and unmarshals them into v.
func (e *envelope) decodeInto(v interface{}) error {
	data, err := e.encode()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (e *envelope) result() json.RawMessage {
	return e.fields["result"]
}

// rpcErr decodes the error envelope, if the message carries one.
func (e *envelope) rpcErr() *rpcError {
	raw, ok := e.fields["error"]
	if !ok {
		return nil
	}
	var re rpcError
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil
	}
	return &re
}

// isResponse reports whether this message is a command response: it carries
// an id and no method.
func (e *envelope) isResponse() bool {
	return e.has("id") && !e.has("method")
}

// isEvent reports whether this message is an unsolicited event: it carries a
// method and no id.
func (e *envelope) isEvent() bool {
	return e.has("method") && !e.has("id")
}

// frameIDHint reports whether the response's result object carries a
// frameId field, used to trigger an opportunistic target-info refresh.
func (e *envelope) frameIDHint() bool {
	raw, ok := e.fields["result"]
	if !ok {
		return false
	}
	var probe struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.FrameID != ""
}

// newResponse builds a successful command response envelope.
func newResponse(id int64, sessionID string, result interface{}) *envelope {
	e := newEnvelope()
	e.set("id", id)
	if sessionID != "" {
		e.set("sessionId", sessionID)
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	e.set("result", result)
	return e
}

// newErrorResponse builds a failed command response envelope.
func newErrorResponse(id int64, code int, message string) *envelope {
	e := newEnvelope()
	e.set("id", id)
	e.set("error", rpcError{Code: code, Message: message})
	return e
}

// newEvent builds an unsolicited event envelope.
func newEvent(method string, sessionID string, params interface{}) *envelope {
	e := newEnvelope()
	e.set("method", method)
	if sessionID != "" {
		e.set("sessionId", sessionID)
	}
	if params != nil {
		e.set("params", params)
	}
	return e
}
