package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cindervm/cinder/internal/model"
)

var (
	vmsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_pool_vms_created_total",
			Help: "Total number of microVMs created, by language.",
		},
		[]string{"language"},
	)

	vmsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_pool_vms_destroyed_total",
			Help: "Total number of microVMs destroyed, by language.",
		},
		[]string{"language"},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_pool_executions_total",
			Help: "Total number of executions dispatched, by language.",
		},
		[]string{"language"},
	)

	acquireHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_pool_acquire_hits_total",
			Help: "Acquires served from the warm queue, by language.",
		},
		[]string{"language"},
	)

	acquireMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_pool_acquire_misses_total",
			Help: "Acquires that had to create a VM on demand, by language.",
		},
		[]string{"language"},
	)

	queueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cinder_pool_queue_length",
			Help: "Warm VMs currently queued, by language.",
		},
		[]string{"language"},
	)

	activeVMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cinder_pool_active_vms",
			Help: "VMs currently checked out, by language.",
		},
		[]string{"language"},
	)

	vmCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cinder_pool_vm_create_seconds",
			Help:    "Time from create request to guest-ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(vmsCreated)
	prometheus.MustRegister(vmsDestroyed)
	prometheus.MustRegister(executions)
	prometheus.MustRegister(acquireHits)
	prometheus.MustRegister(acquireMisses)
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCreateDuration)

	// Pre-initialize label combinations so every series exists from startup.
	for _, lang := range model.Languages {
		vmsCreated.WithLabelValues(lang.String())
		vmsDestroyed.WithLabelValues(lang.String())
		executions.WithLabelValues(lang.String())
		acquireHits.WithLabelValues(lang.String())
		acquireMisses.WithLabelValues(lang.String())
		queueLength.WithLabelValues(lang.String())
		activeVMs.WithLabelValues(lang.String())
	}
}
