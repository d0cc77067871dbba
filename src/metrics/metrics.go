// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatrelay"

// Recorder implements hub.Recorder on top of Prometheus collectors.
type Recorder struct {
	connections  prometheus.Gauge
	accepted     prometheus.Counter
	rejected     prometheus.Counter
	broadcasts   prometheus.Counter
	deliveries   *prometheus.CounterVec
	writeFailure prometheus.Counter
	fanOut       prometheus.Histogram
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections in the registry.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted into the registry.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the registry was full.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages fanned out.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts by outcome.",
		}, []string{"outcome"}),
		writeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Transport writes that failed and ended a connection.",
		}),
		fanOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_recipients",
			Help:      "Recipients per broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{
		r.connections, r.accepted, r.rejected, r.broadcasts,
		r.deliveries, r.writeFailure, r.fanOut,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ConnectionOpened() {
	r.connections.Inc()
	r.accepted.Inc()
}

func (r *Recorder) ConnectionClosed()   { r.connections.Dec() }
func (r *Recorder) ConnectionRejected() { r.rejected.Inc() }
func (r *Recorder) WriteFailed()        { r.writeFailure.Inc() }

func (r *Recorder) Broadcast(res types.BroadcastResult) {
	r.broadcasts.Inc()
	r.fanOut.Observe(float64(res.Recipients))
	r.deliveries.WithLabelValues("delivered").Add(float64(res.Delivered))
	r.deliveries.WithLabelValues("failed").Add(float64(res.Failed))
}
