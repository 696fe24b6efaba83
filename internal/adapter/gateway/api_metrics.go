package gateway

import (
	"fmt"
	"net/http"
	"runtime"
)

// handleMetrics serves GET /metrics in the Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.status(r.Context())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	gauge(w, "surfaced_sessions_active", "Number of open sessions.", st.Sessions.Active)
	counter(w, "surfaced_sessions_total", "Total number of sessions opened.", st.Sessions.Total)
	counter(w, "surfaced_session_frames_dropped_total", "Broadcast frames dropped for slow sessions.",
		s.transport.DroppedTotal())

	gauge(w, "surfaced_surfaces_live", "Number of live surfaces.", len(st.Surfaces.Live))
	gauge(w, "surfaced_definitions", "Number of persisted definitions.", st.Surfaces.Definitions)

	counter(w, "surfaced_tool_calls_total", "Total surface invocations.", st.Tools.CallsTotal)
	counter(w, "surfaced_tool_errors_total", "Total surface invocations that returned an error.", st.Tools.ErrorsTotal)

	gauge(w, "surfaced_uptime_seconds", "Seconds since the broker started.", st.Broker.UptimeSeconds)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge(w, "go_goroutines", "Number of goroutines.", runtime.NumGoroutine())
	gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", mem.Alloc)
	gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", mem.Sys)
}

func gauge(w http.ResponseWriter, name, help string, v any) {
	metric(w, "gauge", name, help, v)
}

func counter(w http.ResponseWriter, name, help string, v any) {
	metric(w, "counter", name, help, v)
}

func metric(w http.ResponseWriter, typ, name, help string, v any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
