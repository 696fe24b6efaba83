package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"surfacebroker/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Broker   BrokerStatus   `json:"broker"`
	Sessions SessionStatus  `json:"sessions"`
	Surfaces SurfacesStatus `json:"surfaces"`
	Tools    ToolStatus     `json:"tools"`
}

// BrokerStatus holds process overview info.
type BrokerStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active int      `json:"active"`
	Total  int64    `json:"total"`
	IDs    []string `json:"ids"`
}

// SurfacesStatus lists live surfaces and counts persisted definitions.
type SurfacesStatus struct {
	Live        []string `json:"live"`
	Definitions int      `json:"definitions"`
}

// ToolStatus holds invocation stats. CallsPersisted is the lifetime counter
// kept in the preference store; -1 when no store is configured.
type ToolStatus struct {
	CallsTotal     int64 `json:"calls_total"`
	ErrorsTotal    int64 `json:"errors_total"`
	CallsPersisted int64 `json:"calls_persisted"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ToolCallsTotal  atomic.Int64
	ToolErrorsTotal atomic.Int64
}

func (m *Metrics) observeToolCall(_ context.Context, ev domain.Event) {
	m.ToolCallsTotal.Add(1)
	var p struct {
		IsError bool `json:"is_error"`
	}
	if json.Unmarshal(ev.Payload, &p) == nil && p.IsError {
		m.ToolErrorsTotal.Add(1)
	}
}

func (s *Server) status(ctx context.Context) StatusResponse {
	live := s.deps.Surfaces.LiveSurfaces()
	if live == nil {
		live = []string{}
	}
	defs := 0
	if list, err := s.deps.Store.List(ctx); err == nil {
		defs = len(list)
	} else {
		s.logger.Warn("status: list definitions failed", "error", err)
	}

	persisted := int64(-1)
	if s.deps.Prefs != nil {
		if v, ok, err := s.deps.Prefs.Get(ctx, domain.PrefToolCalls); err == nil && ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				persisted = n
			}
		}
	}

	return StatusResponse{
		Broker: BrokerStatus{
			Name:          "surfaced",
			Version:       s.version,
			UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		},
		Sessions: SessionStatus{
			Active: s.transport.Count(),
			Total:  s.transport.OpenedTotal(),
			IDs:    s.transport.Sessions(),
		},
		Surfaces: SurfacesStatus{
			Live:        live,
			Definitions: defs,
		},
		Tools: ToolStatus{
			CallsTotal:     s.metrics.ToolCallsTotal.Load(),
			ErrorsTotal:    s.metrics.ToolErrorsTotal.Load(),
			CallsPersisted: persisted,
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}
