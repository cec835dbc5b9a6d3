package relay

// handleBrowserMethod answers the two Browser.* methods a driver needs to
// see a plausible browser behind the relay, per spec.md §4.6. Every other
// Browser.* method is forwarded to the agent unchanged.
func (r *Relay) handleBrowserMethod(env *envelope, method string) {
	switch method {
	case "Browser.getVersion":
		id, _ := env.id()
		r.writeToDriver(newResponse(id, env.sessionID(), map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/Extension-Bridge",
			"userAgent":       "CDP-Bridge-Server/1.0.0",
		}))
	case "Browser.setDownloadBehavior":
		id, _ := env.id()
		r.writeToDriver(newResponse(id, env.sessionID(), map[string]interface{}{}))
	default:
		r.forwardToAgent(env)
	}
}

// handleTargetMethod answers Target.setAutoAttach and Target.getTargets
// locally using the cached target info, and forwards everything else, per
// spec.md §4.6.
func (r *Relay) handleTargetMethod(env *envelope, method string) {
	switch method {
	case "Target.setAutoAttach":
		r.handleSetAutoAttach(env)
	case "Target.getTargets":
		r.handleGetTargets(env)
	default:
		r.forwardToAgent(env)
	}
}

// handleSetAutoAttach simulates the attach handshake a real browser target
// would perform: if the driver is attaching to the top-level target (no
// sessionId on the command) and an agent is already connected, the relay
// emits a synthetic Target.attachedToTarget event for the agent's session
// instead of forwarding — the agent never sees or answers setAutoAttach.
func (r *Relay) handleSetAutoAttach(env *envelope) {
	id, hasID := env.id()

	if env.sessionID() == "" && r.IsConnected() {
		sessionID, _ := r.SessionID()
		target, _ := r.TargetInfo()
		attached := cloneAttrs(target)
		attached["attached"] = true

		r.writeToDriver(newEvent("Target.attachedToTarget", "", map[string]interface{}{
			"sessionId":          sessionID,
			"targetInfo":         attached,
			"waitingForDebugger": false,
		}))
		if hasID {
			r.writeToDriver(newResponse(id, "", map[string]interface{}{}))
		}
		return
	}

	r.forwardToAgent(env)
}

// handleGetTargets answers with a single-entry target list describing the
// active agent's tab, or an empty list when no agent is attached.
func (r *Relay) handleGetTargets(env *envelope) {
	id, _ := env.id()

	targets := []map[string]interface{}{}
	if r.IsConnected() {
		target, _ := r.TargetInfo()
		t := cloneAttrs(target)
		t["attached"] = true
		targets = append(targets, t)
	}

	r.writeToDriver(newResponse(id, env.sessionID(), map[string]interface{}{
		"targetInfos": targets,
	}))
}
