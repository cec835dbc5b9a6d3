// Package httpapi provides the relay's inspection HTTP surface: liveness and
// status routes mounted alongside the agent/driver WebSocket endpoints.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// RelayInspector is the subset of Relay the inspection routes read. It lets
// this package stay independent of internal/relay's import graph.
type RelayInspector interface {
	IsConnected() bool
	SessionID() (string, bool)
	TargetInfo() (map[string]interface{}, bool)
	DriverConnected() bool
}

// StatusResponse is the payload returned by GET /status.
type StatusResponse struct {
	Connected       bool                   `json:"connected"`
	SessionID       string                 `json:"sessionId"`
	TargetInfo      map[string]interface{} `json:"targetInfo"`
	DriverConnected bool                   `json:"driverConnected"`
	UptimeSeconds   float64                `json:"uptimeSeconds"`
}

// Register mounts /healthz and /status on router. statusToken, if non-empty,
// is required as a Bearer token on /status.
func Register(router *mux.Router, relay RelayInspector, statusToken string, startedAt time.Time) {
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	status := http.HandlerFunc(handleStatus(relay, startedAt))
	if statusToken != "" {
		status = authMiddleware(statusToken, status)
	}
	router.Handle("/status", status).Methods(http.MethodGet)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(relay RelayInspector, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, _ := relay.SessionID()
		target, _ := relay.TargetInfo()

		writeJSON(w, http.StatusOK, StatusResponse{
			Connected:       relay.IsConnected(),
			SessionID:       sessionID,
			TargetInfo:      target,
			DriverConnected: relay.DriverConnected(),
			UptimeSeconds:   time.Since(startedAt).Seconds(),
		})
	}
}

func authMiddleware(token string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] != token {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}

		next.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
