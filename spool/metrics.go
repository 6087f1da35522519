package spool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on a registry owned by the queue, so several queues
// can live in one process.
type metrics struct {
	enqueued prometheus.Counter
	dequeued prometheus.Counter
	rejected prometheus.Counter
	faults   prometheus.Counter
	wait     *prometheus.HistogramVec

	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

func newMetrics(reg prometheus.Registerer, q *Queue) (*metrics, error) {
	labels := prometheus.Labels{"queue": q.cfg.Name}
	m := &metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "printq",
			Name:        "jobs_enqueued_total",
			Help:        "Jobs placed into the shared queue by this process.",
			ConstLabels: labels,
		}),
		dequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "printq",
			Name:        "jobs_dequeued_total",
			Help:        "Jobs taken from the shared queue by this process.",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "printq",
			Name:        "jobs_rejected_total",
			Help:        "Job records refused because they do not fit a slot.",
			ConstLabels: labels,
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "printq",
			Name:        "ipc_faults_total",
			Help:        "Operations that failed because a shared resource became invalid.",
			ConstLabels: labels,
		}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "printq",
			Name:        "semaphore_wait_seconds",
			Help:        "Time spent blocked on a queue semaphore.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"semaphore"}),
	}
	length := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "printq",
		Name:        "queue_length",
		Help:        "Occupied slots of the shared queue.",
		ConstLabels: labels,
	}, q.lengthHint)
	capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "printq",
		Name:        "queue_capacity",
		Help:        "Slots of the shared queue.",
		ConstLabels: labels,
	}, func() float64 { return float64(q.store.Capacity()) })

	m.reg = reg
	for _, c := range []prometheus.Collector{m.enqueued, m.dequeued, m.rejected, m.faults, m.wait, length, capacity} {
		if err := reg.Register(c); err != nil {
			m.unregister()
			return nil, err
		}
		m.collectors = append(m.collectors, c)
	}
	return m, nil
}

// unregister removes the collectors so the registry can take another handle
// of the same queue.
func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
	m.collectors = nil
}
