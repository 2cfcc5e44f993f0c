package metrics

import (
	"strconv"

	"profilestore/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "profilestore"

type Metrics struct {
	Registry *prometheus.Registry

	EventsApplied   *prometheus.CounterVec
	CorruptEvents   *prometheus.CounterVec
	StorageFailures *prometheus.CounterVec
	Lookups         *prometheus.CounterVec
	ForwardDuration prometheus.Histogram
	OwnedPartitions prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Change events applied to the local store.",
		}, []string{"partition"}),
		CorruptEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_events_total",
			Help:      "Change events skipped because they could not be decoded.",
		}, []string{"partition"}),
		StorageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Partitions stopped because the local store failed.",
		}, []string{"partition"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Routed queries by route and result.",
		}, []string{"route", "result"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Latency of queries forwarded to the owning instance.",
			Buckets:   prometheus.DefBuckets,
		}),
		OwnedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_partitions",
			Help:      "Partitions currently materialized by this instance.",
		}),
	}
	m.Registry.MustRegister(
		m.EventsApplied,
		m.CorruptEvents,
		m.StorageFailures,
		m.Lookups,
		m.ForwardDuration,
		m.OwnedPartitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func PartitionLabel(p domain.PartitionID) string {
	return strconv.Itoa(int(p))
}
