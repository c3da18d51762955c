package pubsub

import "github.com/prometheus/client_golang/prometheus"

const (
	resultDelivered = "delivered"
	resultFailed    = "failed"
	resultDropped   = "dropped"
)

// Metrics groups the engine and dispatcher collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	published     prometheus.Counter
	notifications *prometheus.CounterVec
	subscriptions prometheus.Gauge
	kits          prometheus.Gauge
	evicted       prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kitstream",
			Name:      "measurements_published_total",
			Help:      "Measurements published to the engine.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kitstream",
			Name:      "notifications_total",
			Help:      "Notification attempts by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kitstream",
			Name:      "subscriptions_active",
			Help:      "Currently registered subscriptions.",
		}),
		kits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kitstream",
			Name:      "kits_active",
			Help:      "Kits with in-memory subscription state.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kitstream",
			Name:      "kits_evicted_total",
			Help:      "Idle kit states removed by the sweeper.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			metrics.published,
			metrics.notifications,
			metrics.subscriptions,
			metrics.kits,
			metrics.evicted,
		)
	}
	return metrics
}

func (metrics *Metrics) measurementPublished() {
	if metrics == nil {
		return
	}
	metrics.published.Inc()
}

func (metrics *Metrics) notification(result string) {
	if metrics == nil {
		return
	}
	metrics.notifications.WithLabelValues(result).Inc()
}

func (metrics *Metrics) subscriptionsChanged(delta float64) {
	if metrics == nil {
		return
	}
	metrics.subscriptions.Add(delta)
}

func (metrics *Metrics) kitsChanged(delta float64) {
	if metrics == nil {
		return
	}
	metrics.kits.Add(delta)
}

func (metrics *Metrics) kitsEvicted(count int) {
	if metrics == nil {
		return
	}
	metrics.evicted.Add(float64(count))
}
