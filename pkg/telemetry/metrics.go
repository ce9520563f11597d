// Package telemetry exposes prometheus metrics for the graph store and the
// components that read and maintain it.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mindmap_store_nodes",
		Help: "Nodes in the graph store by type",
	}, []string{"type"})

	storeEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_store_edges",
		Help: "Edges in the graph store, dangling ones included",
	})

	storeDangling = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_store_dangling_edges",
		Help: "Edges whose source or target node is missing",
	})

	storeGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_store_generation",
		Help: "Current mutation generation of the graph store",
	})

	storeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_store_estimated_bytes",
		Help: "Estimated in-memory footprint of the graph",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mindmap_query_duration_seconds",
		Help:    "Query evaluation time",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	}, []string{"kind", "status"})

	queryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_query_cache_total",
		Help: "Query cache lookups by cache and outcome",
	}, []string{"cache", "outcome"})

	maintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_maintenance_runs_total",
		Help: "Maintenance runs by operation and status",
	}, []string{"operation", "status"})

	maintenanceRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_maintenance_removed_total",
		Help: "Entities removed or compressed by maintenance",
	}, []string{"operation"})

	maintenanceBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_maintenance_reclaimed_bytes_total",
		Help: "Estimated bytes reclaimed by maintenance",
	}, []string{"operation"})

	snapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mindmap_snapshot_duration_seconds",
		Help:    "Time to save or load a snapshot file",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation", "status"})

	snapshotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmap_snapshot_size_bytes",
		Help: "Size of the most recently written snapshot file",
	})

	ingestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmap_ingest_batches_total",
		Help: "Batches accepted at the upsert boundary by source and status",
	}, []string{"source", "status"})
)

// StoreStats is the subset of store statistics exported as gauges
type StoreStats struct {
	Generation     uint64
	NodesByType    map[string]int
	Edges          int
	DanglingEdges  int
	EstimatedBytes int64
}

// ObserveStore updates the store gauges
func ObserveStore(st StoreStats) {
	storeNodes.Reset()
	for typ, n := range st.NodesByType {
		storeNodes.WithLabelValues(typ).Set(float64(n))
	}
	storeEdges.Set(float64(st.Edges))
	storeDangling.Set(float64(st.DanglingEdges))
	storeGeneration.Set(float64(st.Generation))
	storeBytes.Set(float64(st.EstimatedBytes))
}

// ObserveQuery records one query evaluation. kind is "structured" or "relevance".
func ObserveQuery(kind string, d time.Duration, err error) {
	queryDuration.WithLabelValues(kind, status(err)).Observe(d.Seconds())
}

// CacheLookup records a plan or result cache lookup
func CacheLookup(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	queryCache.WithLabelValues(cache, outcome).Inc()
}

// ObserveMaintenance records a prune or compress run
func ObserveMaintenance(operation string, removed int, reclaimed int64, err error) {
	maintenanceRuns.WithLabelValues(operation, status(err)).Inc()
	if removed > 0 {
		maintenanceRemoved.WithLabelValues(operation).Add(float64(removed))
	}
	if reclaimed > 0 {
		maintenanceBytes.WithLabelValues(operation).Add(float64(reclaimed))
	}
}

// ObserveSnapshot records a snapshot save or load
func ObserveSnapshot(operation string, d time.Duration, size int64, err error) {
	snapshotDuration.WithLabelValues(operation, status(err)).Observe(d.Seconds())
	if operation == "save" && err == nil {
		snapshotSize.Set(float64(size))
	}
}

// ObserveIngest records a batch arriving at the upsert boundary
func ObserveIngest(source string, err error) {
	ingestBatches.WithLabelValues(source, status(err)).Inc()
}

// Handler serves the default registry in the prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
