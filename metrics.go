package workerpool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds Prometheus metrics for pool monitoring. A nil *metrics is
// valid and records nothing.
type metrics struct {
	liveWorkers      prometheus.Gauge
	created          prometheus.Counter
	failed           prometheus.Counter
	delivered        prometheus.Counter
	deliveryFailures prometheus.Counter
	dropped          prometheus.Counter
	bubbled          prometheus.Counter
	topLevel         prometheus.Counter
	handlerDuration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workerpool",
			Name:      "live_workers",
			Help:      "Number of created workers whose thread is running",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "workers_created_total",
			Help:      "Workers that completed initialization",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "workers_failed_total",
			Help:      "Workers that failed initialization",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "messages_sent_total",
			Help:      "Messages accepted into a mailbox",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "send_failures_total",
			Help:      "SendMessage calls that returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "messages_dropped_total",
			Help:      "Messages discarded without reaching a handler",
		}),
		bubbled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "errors_bubbled_total",
			Help:      "Runtime errors forwarded to the owning worker",
		}),
		topLevel: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerpool",
			Name:      "errors_top_level_total",
			Help:      "Runtime errors raised to the hosting environment",
		}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workerpool",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.liveWorkers, m.created, m.failed, m.delivered, m.deliveryFailures,
		m.dropped, m.bubbled, m.topLevel, m.handlerDuration,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("workerpool metrics already registered on this registerer")
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) setLive(n int) {
	if m != nil {
		m.liveWorkers.Set(float64(n))
	}
}

func (m *metrics) observeHandler(d time.Duration) {
	if m != nil {
		m.handlerDuration.Observe(d.Seconds())
	}
}

// counter keeps an in-process count for Stats and mirrors it to Prometheus
// when metrics are enabled.
type counter struct {
	n    atomic.Uint64
	prom prometheus.Counter
}

func (c *counter) add(n int) {
	if n <= 0 {
		return
	}
	c.n.Add(uint64(n))
	if c.prom != nil {
		c.prom.Add(float64(n))
	}
}

func (c *counter) load() uint64 { return c.n.Load() }

type poolCounters struct {
	created          counter
	failed           counter
	delivered        counter
	deliveryFailures counter
	dropped          counter
	bubbled          counter
	topLevel         counter
}

func (pc *poolCounters) bind(m *metrics) {
	if m == nil {
		return
	}
	pc.created.prom = m.created
	pc.failed.prom = m.failed
	pc.delivered.prom = m.delivered
	pc.deliveryFailures.prom = m.deliveryFailures
	pc.dropped.prom = m.dropped
	pc.bubbled.prom = m.bubbled
	pc.topLevel.prom = m.topLevel
}
