package relay

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// serveDriver handles the driver endpoint's WebSocket upgrade, per spec.md
// §4.3. A new driver connection evicts whatever driver is currently bound.
// The agent connection, and its pending table, are unaffected by driver
// churn.
func (r *Relay) serveDriver(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("driver upgrade failed", "error", err)
		return
	}

	dc := &driverConnection{conn: conn, connID: uuid.New()}
	r.bindDriver(dc)
	defer r.unbindDriver(dc)

	r.log.Info("driver connected", "connId", dc.connID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.log.Info("driver disconnected", "connId", dc.connID, "error", err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			r.log.Warn("malformed driver message", "connId", dc.connID, "error", err)
			continue
		}

		r.handleDriverCommand(env)
	}
}

func (r *Relay) bindDriver(dc *driverConnection) {
	r.mu.Lock()
	old := r.driver
	r.driver = dc
	r.mu.Unlock()

	if old != nil {
		closeConn(old.conn, &old.writeMu, websocket.CloseNormalClosure, "New connection established")
	}
}

func (r *Relay) unbindDriver(dc *driverConnection) {
	r.mu.Lock()
	if r.driver == dc {
		r.driver = nil
	}
	r.mu.Unlock()
}

// handleDriverCommand dispatches one driver-issued command. Browser.* and
// Target.* methods are answered locally when the relay can synthesize a
// faithful response; everything else is forwarded to the agent, per spec.md
// §4.6.
func (r *Relay) handleDriverCommand(env *envelope) {
	method := env.method()
	if method == "" {
		r.log.Warn("driver command missing method, discarding")
		return
	}

	switch {
	case strings.HasPrefix(method, "Browser."):
		r.handleBrowserMethod(env, method)
	case strings.HasPrefix(method, "Target."):
		r.handleTargetMethod(env, method)
	default:
		r.forwardToAgent(env)
	}
}

// forwardToAgent sends a driver command to the active agent. If no agent is
// attached, a command carrying an id gets a synthesized "Extension not
// connected" error; a command with no id is simply dropped, per spec.md §4.6.
func (r *Relay) forwardToAgent(env *envelope) {
	id, hasID := env.id()

	r.mu.Lock()
	active := r.active
	if hasID && id >= 0 {
		r.pending[uint64(id)] = newDiagnosticPending(uint64(id), env.sessionID(), env.method(), env.params())
	}
	r.mu.Unlock()

	if active == nil {
		if hasID {
			r.writeToDriver(newErrorResponse(id, -32000, "Extension not connected"))
		}
		return
	}

	data, err := env.encode()
	if err != nil {
		r.log.Warn("failed to encode command for agent", "error", err)
		return
	}

	active.writeMu.Lock()
	err = active.conn.WriteMessage(websocket.TextMessage, data)
	active.writeMu.Unlock()
	if err != nil {
		r.log.Warn("failed writing command to agent", "error", err)
	}
}

// writeToDriver sends an envelope to whatever driver is currently bound. If
// no driver is bound, the message is dropped — per spec.md §4.3, an
// in-flight response or event with nowhere to go is simply lost.
func (r *Relay) writeToDriver(env *envelope) {
	r.mu.Lock()
	d := r.driver
	r.mu.Unlock()

	if d == nil {
		return
	}

	data, err := env.encode()
	if err != nil {
		r.log.Warn("failed to encode message for driver", "error", err)
		return
	}

	d.writeMu.Lock()
	err = d.conn.WriteMessage(websocket.TextMessage, data)
	d.writeMu.Unlock()
	if err != nil {
		r.log.Warn("failed writing message to driver", "error", err)
	}
}
