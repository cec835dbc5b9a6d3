package relay

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// serveAgent handles the agent endpoint's WebSocket upgrade, per spec.md §4.2.
// A new agent evicts whatever agent is currently bound — this is an eviction,
// not a rejection.
func (r *Relay) serveAgent(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("agent upgrade failed", "error", err)
		return
	}

	ac := &activeConnection{conn: conn, connID: uuid.New()}
	r.bindAgent(ac)
	defer r.unbindAgent(ac)

	r.log.Info("agent connected", "connId", ac.connID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.log.Info("agent disconnected", "connId", ac.connID, "error", err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			r.log.Warn("malformed agent message", "connId", ac.connID, "error", err)
			continue
		}

		r.handleAgentMessage(ac, env)
	}
}

// bindAgent installs ac as the active agent, evicting and closing whatever
// agent was previously bound and discarding its pending requests — the new
// agent starts against an empty pending table, per spec.md §4.2.
func (r *Relay) bindAgent(ac *activeConnection) {
	r.mu.Lock()
	old := r.active
	r.active = ac
	oldPending := r.pending
	r.pending = make(map[uint64]*pendingRequest)
	r.mu.Unlock()

	if old != nil {
		closeConn(old.conn, &old.writeMu, websocket.CloseNormalClosure, "new agent connected")
	}
	for _, pr := range oldPending {
		pr.complete(pendingResult{err: ErrConnectionClosed})
	}
}

// unbindAgent clears the active slot and rejects all pending requests, but
// only if ac is still the currently bound agent — a stale connection that
// was already evicted by a newer bindAgent must not clobber the newcomer's
// state.
func (r *Relay) unbindAgent(ac *activeConnection) {
	r.mu.Lock()
	isCurrent := r.active == ac
	var pending map[uint64]*pendingRequest
	if isCurrent {
		r.active = nil
		pending = r.pending
		r.pending = make(map[uint64]*pendingRequest)
	}
	r.mu.Unlock()

	if !isCurrent {
		return
	}
	for _, pr := range pending {
		pr.complete(pendingResult{err: ErrConnectionClosed})
	}
}

// handleAgentMessage classifies an inbound agent frame into exactly one of
// ConnectionInfo, Response, or Event, per spec.md §4.2.
func (r *Relay) handleAgentMessage(ac *activeConnection, env *envelope) {
	switch {
	case env.messageType() == "connection_info":
		r.handleConnectionInfo(ac, env)
	case env.isResponse():
		r.handleAgentResponse(ac, env)
	case env.isEvent():
		r.handleAgentEvent(ac, env)
	default:
		r.log.Warn("unclassifiable agent message, discarding")
	}
}

func (r *Relay) handleConnectionInfo(ac *activeConnection, env *envelope) {
	var payload struct {
		SessionID  string                 `json:"sessionId"`
		TargetInfo map[string]interface{} `json:"targetInfo"`
	}
	if err := env.decodeInto(&payload); err != nil {
		r.log.Warn("malformed connection_info message", "error", err)
		return
	}
	if payload.SessionID == "" {
		return
	}

	r.mu.Lock()
	if r.active == ac {
		ac.sessionID = payload.SessionID
		if payload.TargetInfo != nil {
			ac.target = payload.TargetInfo
		} else {
			ac.target = map[string]interface{}{}
		}
	}
	r.mu.Unlock()

	r.log.Info("agent session established", "sessionId", payload.SessionID)
}

// handleAgentResponse reconciles a response against the pending table. A
// response bound to a relay-initiated waiter completes it and is never
// forwarded; a response bound to a diagnostic entry (a command the relay
// merely forwarded from the driver) is forwarded to the driver verbatim; a
// response matching nothing is discarded. Per spec.md §4.2 and §4.4.
func (r *Relay) handleAgentResponse(ac *activeConnection, env *envelope) {
	id, ok := env.id()
	if !ok || id < 0 {
		return
	}

	r.mu.Lock()
	pr, found := r.pending[uint64(id)]
	if found {
		delete(r.pending, uint64(id))
	}
	r.mu.Unlock()

	if !found {
		return
	}

	if pr.done != nil {
		var res pendingResult
		if rerr := env.rpcErr(); rerr != nil {
			res.err = &RemoteError{Code: rerr.Code, Message: rerr.Message}
		} else {
			res.result = env.result()
		}
		pr.complete(res)
	} else {
		r.writeToDriver(env)
	}

	if env.frameIDHint() && pr.sessionID != "" {
		r.scheduleRefresh(pr.sessionID)
	}
}

func (r *Relay) handleAgentEvent(ac *activeConnection, env *envelope) {
	r.writeToDriver(env)

	if env.method() == "Page.frameNavigated" {
		r.mu.Lock()
		sid := ""
		if r.active == ac {
			sid = ac.sessionID
		}
		r.mu.Unlock()
		r.scheduleRefresh(sid)
	}
}
