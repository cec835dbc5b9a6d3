// Package relay implements the CDP Relay: a concurrent, stateful
// message-routing engine that bridges a browser-automation driver to a
// remote browser tab controlled through a host-side agent, both connected
// over WebSocket.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// commandTimeout is the fixed deadline for relay-initiated commands, per
// spec.md §4.7.
const commandTimeout = 30 * time.Second

// Options configures a Relay. Host/Port are used unless HTTPServer is
// supplied, in which case the relay registers its routes on that server
// instead of binding its own listener.
type Options struct {
	Host       string
	Port       int
	AgentPath  string
	DriverPath string

	// HTTPServer, if non-nil, is used instead of a relay-owned listener.
	// The relay sets its Handler and does not close it on Stop.
	HTTPServer *http.Server

	// ExtraRoutes, if set, is invoked with the relay's router before it
	// starts serving, so callers can mount additional HTTP surfaces (such
	// as the inspection routes in internal/httpapi) on the same listener.
	ExtraRoutes func(*mux.Router)

	Logger *slog.Logger
}

// activeConnection is the single bound agent, per spec.md §3.
type activeConnection struct {
	conn      *websocket.Conn
	connID    uuid.UUID
	writeMu   sync.Mutex
	sessionID string
	target    map[string]interface{}
}

// driverConnection is the single bound driver, per spec.md §3.
type driverConnection struct {
	conn    *websocket.Conn
	connID  uuid.UUID
	writeMu sync.Mutex
}

// Relay is the CDP Relay core described by spec.md §2–§9.
type Relay struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	active  *activeConnection
	driver  *driverConnection
	pending map[uint64]*pendingRequest
	nextID  uint64

	started    bool
	stopped    bool
	ownsServer bool
	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Relay. Call Start to begin serving.
func New(opts Options) *Relay {
	if opts.AgentPath == "" {
		opts.AgentPath = "/agent"
	}
	if opts.DriverPath == "" {
		opts.DriverPath = "/driver"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[uint64]*pendingRequest),
		nextID:  1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds the relay's HTTP listener (or attaches to the supplied one)
// and begins accepting agent and driver WebSocket upgrades.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}

	router := mux.NewRouter()
	router.HandleFunc(r.opts.AgentPath, r.serveAgent).Methods(http.MethodGet)
	router.HandleFunc(r.opts.DriverPath, r.serveDriver).Methods(http.MethodGet)
	if r.opts.ExtraRoutes != nil {
		r.opts.ExtraRoutes(router)
	}
	router.PathPrefix("/").HandlerFunc(r.handleInvalidPath)

	ownsServer := r.opts.HTTPServer == nil
	var srv *http.Server
	if ownsServer {
		srv = &http.Server{Handler: router}
	} else {
		srv = r.opts.HTTPServer
		srv.Handler = router
	}

	addr := fmt.Sprintf("%s:%d", r.opts.Host, r.opts.Port)
	var ln net.Listener
	if ownsServer {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			r.mu.Unlock()
			return &BindError{Addr: addr, Err: err}
		}
	}

	r.httpServer = srv
	r.listener = ln
	r.ownsServer = ownsServer
	r.started = true
	r.mu.Unlock()

	if !ownsServer {
		return nil
	}

	r.log.Info("relay listening", "addr", addr, "agentPath", r.opts.AgentPath, "driverPath", r.opts.DriverPath)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			r.log.Error("relay http server error", "error", err)
		}
	}()

	return nil
}

// Stop closes both sockets, rejects all pending requests, and closes the
// listener if the relay owns it. Idempotent.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true

	active := r.active
	driver := r.driver
	r.active = nil
	r.driver = nil

	pending := r.pending
	r.pending = make(map[uint64]*pendingRequest)

	ownsServer := r.ownsServer
	srv := r.httpServer
	r.mu.Unlock()

	if active != nil {
		closeConn(active.conn, &active.writeMu, websocket.CloseNormalClosure, "relay stopping")
	}
	if driver != nil {
		closeConn(driver.conn, &driver.writeMu, websocket.CloseNormalClosure, "relay stopping")
	}
	for _, pr := range pending {
		pr.complete(pendingResult{err: ErrConnectionClosed})
	}

	if ownsServer && srv != nil {
		return srv.Close()
	}
	return nil
}

// IsConnected reports whether an agent is bound and has announced a session.
func (r *Relay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && r.active.sessionID != ""
}

// SessionID returns the active agent's session id, if any.
func (r *Relay) SessionID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.sessionID == "" {
		return "", false
	}
	return r.active.sessionID, true
}

// TargetInfo returns a copy of the active agent's cached target attribute
// bag, if any.
func (r *Relay) TargetInfo() (map[string]interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.target == nil {
		return nil, false
	}
	return cloneAttrs(r.active.target), true
}

// DriverConnected reports whether a driver is currently bound.
func (r *Relay) DriverConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver != nil
}

// Addr returns the relay's bound listener address. Only meaningful after a
// successful Start with a relay-owned listener; useful when Port was 0 and
// the OS picked an ephemeral port.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// AgentURL returns the advertisement string for the agent endpoint.
func (r *Relay) AgentURL() string {
	return fmt.Sprintf("ws://%s%s", r.hostPort(), r.opts.AgentPath)
}

// DriverURL returns the advertisement string for the driver endpoint.
func (r *Relay) DriverURL() string {
	return fmt.Sprintf("ws://%s%s", r.hostPort(), r.opts.DriverPath)
}

func (r *Relay) hostPort() string {
	if addr := r.Addr(); addr != nil {
		return addr.String()
	}
	return fmt.Sprintf("%s:%d", r.opts.Host, r.opts.Port)
}

// SendCommand dispatches a command to the agent on the relay's own behalf
// and blocks until the agent answers, the command times out, or the agent
// disconnects. Per spec.md §4.1.
func (r *Relay) SendCommand(method string, params interface{}, sessionID string) (json.RawMessage, error) {
	r.mu.Lock()
	if r.active == nil || r.active.sessionID == "" {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	active := r.active

	id := r.nextID
	r.nextID++

	var paramsRaw json.RawMessage
	if params != nil {
		paramsRaw, _ = json.Marshal(params)
	}

	pr := newWaitingPending(id, sessionID, method, paramsRaw)
	pr.timer = time.AfterFunc(commandTimeout, func() {
		r.resolvePending(id, pendingResult{err: ErrTimeout})
	})
	r.pending[id] = pr
	r.mu.Unlock()

	e := newEnvelope()
	e.set("id", id)
	e.set("method", method)
	if paramsRaw != nil {
		e.setRaw("params", paramsRaw)
	}
	if sessionID != "" {
		e.set("sessionId", sessionID)
	}

	data, err := e.encode()
	if err != nil {
		r.resolvePending(id, pendingResult{err: err})
		return nil, err
	}

	active.writeMu.Lock()
	err = active.conn.WriteMessage(websocket.TextMessage, data)
	active.writeMu.Unlock()
	if err != nil {
		wrapped := fmt.Errorf("relay: writing command to agent: %w", err)
		r.resolvePending(id, pendingResult{err: wrapped})
		return nil, wrapped
	}

	res := <-pr.done
	if res.err != nil {
		return nil, res.err
	}
	return res.result, nil
}

// resolvePending atomically removes a pending entry (if still present) and
// completes its waiter exactly once. Returns whether an entry was found.
func (r *Relay) resolvePending(id uint64, res pendingResult) bool {
	r.mu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pr.complete(res)
	return true
}

// handleInvalidPath upgrades (if possible) and immediately closes with
// 4004, per spec.md §4.1 and §6.
func (r *Relay) handleInvalidPath(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4004, "Invalid path"))
	_ = conn.Close()
}

func closeConn(conn *websocket.Conn, mu *sync.Mutex, code int, reason string) {
	if conn == nil {
		return
	}
	mu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	mu.Unlock()
	_ = conn.Close()
}

func cloneAttrs(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
