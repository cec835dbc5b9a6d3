package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(Options{
		Host:   "127.0.0.1",
		Port:   0,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func dialEndpoint(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func agentWSURL(r *Relay) string { return fmt.Sprintf("ws://%s/agent", r.Addr().String()) }
func driverWSURL(r *Relay) string { return fmt.Sprintf("ws://%s/driver", r.Addr().String()) }

func announceConnectionInfo(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	msg := map[string]interface{}{
		"type":      "connection_info",
		"sessionId": sessionID,
		"targetInfo": map[string]interface{}{
			"targetId": "T1",
			"url":      "about:blank",
			"title":    "",
			"type":     "page",
		},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRelay_StartStopIdempotent(t *testing.T) {
	r := newTestRelay(t)
	assert.NoError(t, r.Stop())
	assert.NoError(t, r.Stop())
}

func TestRelay_InvalidPathClosesWith4004(t *testing.T) {
	r := newTestRelay(t)
	url := fmt.Sprintf("ws://%s/nonsense", r.Addr().String())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, 4004, closeErr.Code)
}

func TestRelay_AgentEvictsPriorAgent(t *testing.T) {
	r := newTestRelay(t)
	first := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, first, "s-1")

	// Give the relay a moment to process the connection_info message before
	// the second agent evicts it.
	time.Sleep(50 * time.Millisecond)

	second := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, second, "s-2")

	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected first agent to be evicted with a close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	time.Sleep(50 * time.Millisecond)
	sid, ok := r.SessionID()
	require.True(t, ok)
	assert.Equal(t, "s-2", sid)
}

func TestRelay_DriverEvictsPriorDriver(t *testing.T) {
	r := newTestRelay(t)
	first := dialEndpoint(t, driverWSURL(r))
	time.Sleep(20 * time.Millisecond)
	_ = dialEndpoint(t, driverWSURL(r))

	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestRelay_DriverCommandForwardedWithoutAgent(t *testing.T) {
	r := newTestRelay(t)
	driver := dialEndpoint(t, driverWSURL(r))

	cmd := map[string]interface{}{"id": 1, "method": "DOM.querySelector", "params": map[string]interface{}{}}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, data))

	resp := readJSON(t, driver)
	assert.Equal(t, float64(1), resp["id"])
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Extension not connected", errObj["message"])
}

func TestRelay_DriverCommandForwardedToAgentAndBack(t *testing.T) {
	r := newTestRelay(t)
	agent := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, agent, "s-1")
	time.Sleep(50 * time.Millisecond)

	driver := dialEndpoint(t, driverWSURL(r))

	cmd := map[string]interface{}{"id": 9, "method": "DOM.querySelector", "sessionId": "s-1", "params": map[string]interface{}{"nodeId": 1}}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, data))

	forwarded := readJSON(t, agent)
	assert.Equal(t, "DOM.querySelector", forwarded["method"])
	assert.Equal(t, float64(9), forwarded["id"])

	agentResp := map[string]interface{}{"id": 9, "result": map[string]interface{}{"nodeId": 42}}
	respData, err := json.Marshal(agentResp)
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, respData))

	driverResp := readJSON(t, driver)
	assert.Equal(t, float64(9), driverResp["id"])
	result, ok := driverResp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), result["nodeId"])
}

func TestRelay_AgentEventForwardedToDriver(t *testing.T) {
	r := newTestRelay(t)
	agent := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, agent, "s-1")
	time.Sleep(50 * time.Millisecond)

	driver := dialEndpoint(t, driverWSURL(r))

	event := map[string]interface{}{"method": "Console.messageAdded", "params": map[string]interface{}{"text": "hi"}}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, data))

	got := readJSON(t, driver)
	assert.Equal(t, "Console.messageAdded", got["method"])
}

func TestRelay_SendCommand_NotConnected(t *testing.T) {
	r := newTestRelay(t)
	_, err := r.SendCommand("Runtime.evaluate", nil, "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRelay_SendCommand_Success(t *testing.T) {
	r := newTestRelay(t)
	agent := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, agent, "s-1")
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct {
		result json.RawMessage
		err    error
	}, 1)
	go func() {
		result, err := r.SendCommand("Runtime.evaluate", map[string]interface{}{"expression": "1+1"}, "s-1")
		done <- struct {
			result json.RawMessage
			err    error
		}{result, err}
	}()

	cmd := readJSON(t, agent)
	id := cmd["id"]

	reply := map[string]interface{}{"id": id, "result": map[string]interface{}{"result": map[string]interface{}{"value": 2}}}
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, data))

	select {
	case outcome := <-done:
		require.NoError(t, outcome.err)
		assert.Contains(t, string(outcome.result), "value")
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand did not complete")
	}
}

func TestRelay_SynthesizedBrowserGetVersion(t *testing.T) {
	r := newTestRelay(t)
	driver := dialEndpoint(t, driverWSURL(r))

	cmd := map[string]interface{}{"id": 1, "method": "Browser.getVersion"}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, data))

	resp := readJSON(t, driver)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1.3", result["protocolVersion"])
	assert.Equal(t, "CDP-Bridge-Server/1.0.0", result["userAgent"])
}

func TestRelay_SynthesizedGetTargets_NoAgent(t *testing.T) {
	r := newTestRelay(t)
	driver := dialEndpoint(t, driverWSURL(r))

	cmd := map[string]interface{}{"id": 2, "method": "Target.getTargets"}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, data))

	resp := readJSON(t, driver)
	result := resp["result"].(map[string]interface{})
	targets := result["targetInfos"].([]interface{})
	assert.Empty(t, targets)
}

func TestRelay_SynthesizedSetAutoAttach_EmitsAttachedEvent(t *testing.T) {
	r := newTestRelay(t)
	agent := dialEndpoint(t, agentWSURL(r))
	announceConnectionInfo(t, agent, "s-1")
	time.Sleep(50 * time.Millisecond)

	driver := dialEndpoint(t, driverWSURL(r))

	cmd := map[string]interface{}{"id": 3, "method": "Target.setAutoAttach", "params": map[string]interface{}{"autoAttach": true}}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, data))

	event := readJSON(t, driver)
	assert.Equal(t, "Target.attachedToTarget", event["method"])

	resp := readJSON(t, driver)
	assert.Equal(t, float64(3), resp["id"])
}
