package relay

import "encoding/json"

// scheduleRefresh kicks off a best-effort target-info refresh for the given
// session in the background. Per spec.md §4.5, refresh failures are
// swallowed and the cache simply keeps its last known values.
func (r *Relay) scheduleRefresh(sessionID string) {
	if sessionID == "" {
		return
	}
	go r.refreshTargetInfo(sessionID)
}

// refreshTargetInfo issues two relay-initiated Runtime.evaluate commands to
// read the current URL and title, and patches the cached target info if
// both succeed and the URL changed. Per spec.md §4.5.
func (r *Relay) refreshTargetInfo(sessionID string) {
	urlRes, err := r.SendCommand("Runtime.evaluate", map[string]interface{}{
		"expression":    "window.location.href",
		"returnByValue": true,
	}, sessionID)
	if err != nil {
		return
	}

	titleRes, err := r.SendCommand("Runtime.evaluate", map[string]interface{}{
		"expression":    "document.title",
		"returnByValue": true,
	}, sessionID)
	if err != nil {
		return
	}

	url, ok := extractEvalStringResult(urlRes)
	if !ok {
		return
	}
	title, ok := extractEvalStringResult(titleRes)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || r.active.sessionID != sessionID || r.active.target == nil {
		return
	}

	cachedURL, _ := r.active.target["url"].(string)
	if url == cachedURL {
		return
	}

	r.active.target["url"] = url
	r.active.target["title"] = title
}

// extractEvalStringResult pulls the string value out of a
// Runtime.evaluate response shaped {"result":{"type":"string","value":"..."}}.
func extractEvalStringResult(raw json.RawMessage) (string, bool) {
	var wrapper struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", false
	}
	return wrapper.Result.Value, true
}
