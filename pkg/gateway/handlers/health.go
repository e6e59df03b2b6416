// Package handlers implements the hub's HTTP surface: health and capacity
// probes plus the satellite websocket endpoint.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/assistkit/groundstation/pkg/bus"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/sessions"
)

// BusStatus reports the broker connection state.
type BusStatus interface {
	State() bus.State
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the hub can currently serve commands end to
// end. A broker outage makes the hub unready but does not kill it.
type ReadyHandler struct {
	Bus     BusStatus
	Manager *sessions.Manager
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool   `json:"ok"`
		BusState string `json:"bus_state"`
		Sessions int    `json:"sessions"`
	}

	state := h.Bus.State()
	ok := state == bus.StateConnected

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		BusState: state.String(),
		Sessions: h.Manager.ActiveConnections(),
	})
}

// AcceptsConnectionsHandler lets satellites probe for capacity before
// dialing the websocket endpoint.
type AcceptsConnectionsHandler struct {
	Manager *sessions.Manager
}

func (h AcceptsConnectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type capacityResp struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"active_connections"`
		MaxConnections    int    `json:"max_connections"`
	}

	resp := capacityResp{
		Status:            "ok",
		ActiveConnections: h.Manager.ActiveConnections(),
		MaxConnections:    h.Manager.MaxConnections(),
	}
	status := http.StatusOK
	if !h.Manager.AcceptsConnections() {
		resp.Status = "full"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
