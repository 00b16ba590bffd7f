package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmshard/blockserver/internal/logger"
)

// TierUsage is one memory tier's cache occupancy.
type TierUsage struct {
	CapacityBytes int64 `json:"capacity_bytes"`
	UsedBytes     int64 `json:"used_bytes"`
}

// Probes are read-only callbacks the monitor polls; the core never pushes.
type Probes struct {
	QueueDepths func() map[string]int
	CacheUsage  func() map[string]TierUsage
	Sessions    func() int
}

// Status is the poll-style health snapshot served on /status.
type Status struct {
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    string               `json:"uptime"`
	GoVersion string               `json:"go_version"`
	NumCPU    int                  `json:"num_cpu"`
	Queues    map[string]int       `json:"queue_depths"`
	Cache     map[string]TierUsage `json:"cache"`
	Sessions  int                  `json:"sessions"`
}

// Monitor serves health, status and Prometheus metrics endpoints.
type Monitor struct {
	start  time.Time
	probes Probes
	server *http.Server
	log    *logger.Logger
}

func NewMonitor(probes Probes) *Monitor {
	return &Monitor{
		start:  time.Now(),
		probes: probes,
		log:    logger.Log.Named("monitoring"),
	}
}

// Start serves the endpoints on addr until Shutdown.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{Addr: addr, Handler: mux}
	m.log.Info("monitoring endpoints listening", "addr", addr)
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(m.start).String(),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}
	if m.probes.QueueDepths != nil {
		st.Queues = m.probes.QueueDepths()
	}
	if m.probes.CacheUsage != nil {
		st.Cache = m.probes.CacheUsage()
	}
	if m.probes.Sessions != nil {
		st.Sessions = m.probes.Sessions()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
