// Package metrics holds the prometheus collectors of a node.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yac"

// Metrics groups the collectors of one node. Each node registers on its own
// registry so several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	DroppedVotes        *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
	SyncStalls          *prometheus.CounterVec
	Rollbacks           prometheus.Counter
	CommittedHeight     prometheus.Gauge
	FetchedBlocks       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DroppedVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_votes_total",
			Help:      "Votes discarded by the tally, by reason.",
		}, []string{"reason"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decided rounds, by outcome kind.",
		}, []string{"kind"}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Safety invariant violations observed, by kind.",
		}, []string{"kind"}),
		SyncStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_stalls_total",
			Help:      "Synchronization attempts that found no usable peer, by reason.",
		}, []string{"reason"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Local chain tails replaced by a committed fork.",
		}),
		CommittedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_height",
			Help:      "Highest block height in local storage.",
		}),
		FetchedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_blocks_total",
			Help:      "Blocks received from peers during synchronization.",
		}),
	}
	m.Registry.MustRegister(
		m.DroppedVotes,
		m.Decisions,
		m.InvariantViolations,
		m.SyncStalls,
		m.Rollbacks,
		m.CommittedHeight,
		m.FetchedBlocks,
	)
	return m
}

// Serve exposes the registry on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
