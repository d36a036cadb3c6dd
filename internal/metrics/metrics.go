// Package metrics exposes agent counters on a small HTTP mux alongside the
// health and version endpoints.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's counters.
type Metrics struct {
	registry *prometheus.Registry

	ConfigRefreshes *prometheus.CounterVec
	JobsDispatched  *prometheus.CounterVec
	JobsCancelled   prometheus.Counter
	ClaimAttempts   *prometheus.CounterVec
	Executions      *prometheus.CounterVec
	PublishFailures prometheus.Counter
	RunningJobs     prometheus.Gauge
}

// New creates and registers the agent metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConfigRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kash_stash_config_refreshes_total",
			Help: "Config blob refresh attempts by outcome.",
		}, []string{"outcome"}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kash_stash_jobs_dispatched_total",
			Help: "Jobs dispatched by class.",
		}, []string{"class"}),
		JobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kash_stash_jobs_cancelled_total",
			Help: "Job pools cancelled after removal from the config.",
		}),
		ClaimAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kash_stash_claim_attempts_total",
			Help: "Queue claim attempts by outcome (won, lost_local, lost_remote).",
		}, []string{"outcome"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kash_stash_executions_total",
			Help: "Script executions by job class and result.",
		}, []string{"class", "result"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kash_stash_publish_failures_total",
			Help: "Digest publishes that failed and were not retried.",
		}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kash_stash_running_jobs",
			Help: "Job pools currently running.",
		}),
	}
	reg.MustRegister(
		m.ConfigRefreshes, m.JobsDispatched, m.JobsCancelled,
		m.ClaimAttempts, m.Executions, m.PublishFailures, m.RunningJobs,
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer builds the health/version/metrics HTTP server.
func NewServer(addr, version, commit, device string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"commit":  commit,
			"device":  device,
		})
	})
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
