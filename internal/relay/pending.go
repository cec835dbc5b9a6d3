package relay

import (
	"encoding/json"
	"time"
)

// pendingResult is delivered exactly once to the waiter of a relay-initiated
// command: either a decoded result or a terminal error.
type pendingResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one entry in the relay's pending request table — either
// a real relay-initiated command awaiting completion (done != nil) or a
// diagnostic entry recorded for a driver command the relay merely forwarded
// (done == nil). Per spec.md §9's open question, diagnostic entries are
// never subject to the timeout.
type pendingRequest struct {
	id             uint64
	done           chan pendingResult
	sessionID      string
	originalMethod string
	originalParams json.RawMessage
	timer          *time.Timer
}

// newDiagnosticPending records a forwarded driver command for diagnostics
// and target-refresh triggering only; it has no waiter and never times out.
func newDiagnosticPending(id uint64, sessionID, method string, params json.RawMessage) *pendingRequest {
	return &pendingRequest{
		id:             id,
		sessionID:      sessionID,
		originalMethod: method,
		originalParams: params,
	}
}

// newWaitingPending records a relay-initiated command with a real one-shot
// completion channel.
func newWaitingPending(id uint64, sessionID, method string, params json.RawMessage) *pendingRequest {
	return &pendingRequest{
		id:             id,
		done:           make(chan pendingResult, 1),
		sessionID:      sessionID,
		originalMethod: method,
		originalParams: params,
	}
}

// complete delivers a terminal result to a waiting pendingRequest. It is a
// no-op for diagnostic entries. Callers must remove the entry from the table
// before or while calling complete so it is never completed twice.
func (p *pendingRequest) complete(res pendingResult) {
	if p.done == nil {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}
