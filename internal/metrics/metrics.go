// Package metrics holds the process-wide prometheus collectors of the ingestion worker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carriersync"

type Collectors struct {
	FilesProcessed   *prometheus.CounterVec
	UnitsDispatched  *prometheus.CounterVec
	UnitsHandled     *prometheus.CounterVec
	TrackingOutcomes *prometheus.CounterVec
	RefCacheLookups  *prometheus.CounterVec
	ChargesInserted  *prometheus.CounterVec
	AlertsSent       *prometheus.CounterVec
	ErrorsRecorded   *prometheus.CounterVec

	TrackingLatency *prometheus.HistogramVec
}

var collectors = sync.OnceValue(func() *Collectors {
	return &Collectors{
		FilesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_files_processed_total",
			Help:      "Invoice files finished by the batch loop.",
		}, []string{"carrier", "status"}),
		UnitsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_dispatched_total",
			Help:      "Units of work submitted to the queue.",
		}, []string{"topic", "result"}),
		UnitsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_handled_total",
			Help:      "Units of work consumed from the queue.",
		}, []string{"topic", "result"}),
		TrackingOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_checks_total",
			Help:      "Provider tracking checks by outcome.",
		}, []string{"carrier", "result"}),
		RefCacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refcache_lookups_total",
			Help:      "Reference data cache lookups.",
		}, []string{"kind", "result"}),
		ChargesInserted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_charges_inserted_total",
			Help:      "Invoice charge rows written.",
		}, []string{"carrier"}),
		AlertsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by site.",
		}, []string{"site"}),
		ErrorsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_errors_total",
			Help:      "Error records written by scope.",
		}, []string{"scope", "kind"}),
		TrackingLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tracking_check_seconds",
			Help:      "Latency of one tracking number check.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"carrier"}),
	}
})

func Get() *Collectors {
	return collectors()
}
