// Package telemetry exposes pipeline and search activity as Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipeweaver/internal/logging"
	"pipeweaver/internal/trace"
)

// Metrics is a trace.Sink that counts the events it receives.
type Metrics struct {
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	stageEvents   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	candidates    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New registers the pipeweaver collectors on reg. A nil reg uses a fresh
// registry, which is what tests want.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		logger:   logging.L(),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeweaver",
			Name:      "stage_events_total",
			Help:      "Stage transitions by stage name and event kind.",
		}, []string{"stage", "kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeweaver",
			Name:      "cache_lookups_total",
			Help:      "Stage output cache lookups by result (hit or miss).",
		}, []string{"result"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeweaver",
			Name:      "search_candidates_total",
			Help:      "Evaluated search candidates by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeweaver",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of executed (not cached) stages.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{m.stageEvents, m.cacheLookups, m.candidates, m.stageDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Record implements trace.Sink.
func (m *Metrics) Record(ev trace.Event) {
	switch ev.Kind {
	case trace.EventCandidateScored:
		m.candidates.WithLabelValues("scored").Inc()
		return
	case trace.EventCandidateFailed:
		m.candidates.WithLabelValues("failed").Inc()
		return
	}

	m.stageEvents.WithLabelValues(ev.Stage, string(ev.Kind)).Inc()
	switch ev.Kind {
	case trace.EventStageCached:
		m.cacheLookups.WithLabelValues("hit").Inc()
	case trace.EventStageExecuted, trace.EventStageFailed:
		// Stages only carry a key when a cache was consulted.
		if ev.Key != "" {
			m.cacheLookups.WithLabelValues("miss").Inc()
		}
		if ev.Kind == trace.EventStageExecuted {
			m.stageDuration.WithLabelValues(ev.Stage).Observe(ev.Elapsed.Seconds())
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. The listener is bound
// before Serve returns, so bind errors surface immediately.
func (m *Metrics) Serve(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m.serve(ctx, ln)
	return ln.Addr(), nil
}

// SetLogger replaces the logger used for server errors.
func (m *Metrics) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// serve runs the HTTP server on ln. The returned channel is closed once the
// server has stopped.
func (m *Metrics) serve(ctx context.Context, ln net.Listener) <-chan struct{} {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server stopped", "addr", ln.Addr().String(), "err", err)
			_ = ln.Close()
		}
	}()
	return done
}
