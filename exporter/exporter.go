// Package exporter serves the supervisor's own Prometheus metrics (C8),
// per spec.md §4.8: one-hot state gauges, a restart counter, an uptime
// gauge, a Consul session-renewal-failure counter, and a /neard-pid
// route. Built on github.com/prometheus/client_golang, the same
// instrumentation library the rest of the Prometheus-aware examples in
// this codebase depend on, via promhttp for /metrics and promauto for
// registration.
package exporter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kuutamo/kneard/statemachine"
)

// Backend supplies the live values the exporter's handlers read. All
// reads happen from a shared snapshot, per spec.md §4.8's "none take long
// locks" rule — Backend implementations must be cheap and non-blocking.
type Backend interface {
	Snapshot() statemachine.Snapshot
	NeardPID() int
}

// Exporter owns the Prometheus registry and HTTP server.
type Exporter struct {
	backend Backend
	addr    string

	registry *prometheus.Registry
	state    *prometheus.GaugeVec
	restarts prometheus.Gauge
	uptime   prometheus.Gauge
	renewFailures prometheus.Gauge

	server *http.Server
}

// New builds an Exporter bound to addr, reading live values from backend.
func New(addr string, backend Backend) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		backend:  backend,
		addr:     addr,
		registry: registry,
		state: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kneard",
			Name:      "state",
			Help:      "One-hot gauge over the leader state machine's states.",
		}, []string{"type"}),
		restarts: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "kneard",
			Name:      "neard_restarts",
			Help:      "Number of times the supervised neard process has been restarted.",
		}),
		uptime: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "kneard",
			Name:      "uptime",
			Help:      "Seconds since this supervisor instance started.",
		}),
		renewFailures: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "kneard",
			Name:      "consul_session_renew_failures_total",
			Help:      "Count of consecutive Consul session renewal failures observed.",
		}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metricsHandler())
	mux.HandleFunc("/neard-pid", e.neardPIDHandler)

	e.server = &http.Server{Addr: addr, Handler: mux}
	return e
}

// metricsHandler refreshes the gauges from the backend snapshot on every
// scrape, then delegates rendering to promhttp.
func (e *Exporter) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := e.backend.Snapshot()

		for _, st := range statemachine.AllStates {
			v := 0.0
			if st == snap.State {
				v = 1
			}
			e.state.WithLabelValues(st.String()).Set(v)
		}
		e.restarts.Set(float64(snap.Restarts))
		if !snap.StartedAt.IsZero() {
			e.uptime.Set(time.Since(snap.StartedAt).Seconds())
		}
		e.renewFailures.Set(float64(snap.ConsulSessionRenewFailures))

		inner.ServeHTTP(w, r)
	})
}

func (e *Exporter) neardPIDHandler(w http.ResponseWriter, r *http.Request) {
	pid := e.backend.NeardPID()
	if pid == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	fmt.Fprintf(w, "%d", pid)
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (e *Exporter) ListenAndServe() error {
	err := e.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (e *Exporter) Shutdown() error {
	return e.server.Close()
}
