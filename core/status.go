package core

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// status.go exposes the node's admin HTTP surface: /status (a snapshot
// mirroring the MCP status tool's output contract), /metrics (the
// governor's own prometheus registry), and /healthz (liveness only — no
// dependency checks, since a degraded peer should still answer).

// StatusProvider supplies the fields shown by the admin status endpoint.
// Server implements it so status.go stays decoupled from exact component
// wiring.
type StatusProvider interface {
	StatusSnapshot() StatusSnapshot
}

// StatusSnapshot is the JSON body served at GET /status, matching the MCP
// status tool's response shape.
type StatusSnapshot struct {
	PeerID           string  `json:"peer_id"`
	IndexSize        int     `json:"index_size"`
	PeerCount        int     `json:"peer_count"`
	CreditBalance    float64 `json:"credit_balance"`
	TrustTier        string  `json:"trust_tier"`
	LedgerState      string  `json:"ledger_state"`
	DegradationLevel string  `json:"degradation_level"`
	ExternalAddr     string  `json:"external_addr,omitempty"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
}

// NewAdminRouter builds the chi router serving the admin surface against sp
// and reg (the governor's prometheus registry; nil disables /metrics).
func NewAdminRouter(sp StatusProvider, reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap := sp.StatusSnapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}
