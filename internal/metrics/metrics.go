// Package metrics holds the prometheus collectors of both benchmark roles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jitterbench"

// Latency buckets from 10µs to ~160ms, in seconds.
var latencyBuckets = prometheus.ExponentialBuckets(10e-6, 2, 15)

const (
	OverrunBatch    = "batch"
	OverrunDelivery = "delivery"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Publisher collects scheduler measurements.
type Publisher struct {
	Ticks          prometheus.Counter
	Sent           prometheus.Counter
	EncodeErrors   prometheus.Counter
	DeliveryErrors prometheus.Counter
	Overruns       *prometheus.CounterVec
	SendJitter     prometheus.Histogram
	DeliveryTime   prometheus.Histogram
	BatchTime      prometheus.Histogram
	Lateness       prometheus.Gauge
}

// NewPublisher registers the publisher collectors on reg. A nil reg creates
// unregistered collectors.
func NewPublisher(reg prometheus.Registerer) *Publisher {
	f := promauto.With(reg)
	return &Publisher{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "ticks_total",
			Help:      "Scheduler ticks completed.",
		}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport.",
		}),
		EncodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "encode_errors_total",
			Help:      "Messages dropped because they could not be encoded.",
		}),
		DeliveryErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "delivery_errors_total",
			Help:      "Messages the transport refused.",
		}),
		Overruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "overruns_total",
			Help:      "Blocking-time warnings by kind (batch or delivery).",
		}, []string{"kind"}),
		SendJitter: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "send_jitter_seconds",
			Help:      "Deviation of the send instant from the tick deadline.",
			Buckets:   latencyBuckets,
		}),
		DeliveryTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "delivery_seconds",
			Help:      "Time spent blocked in a single transport put.",
			Buckets:   latencyBuckets,
		}),
		BatchTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "batch_seconds",
			Help:      "Time spent encoding and delivering one batch.",
			Buckets:   latencyBuckets,
		}),
		Lateness: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "wake_lateness_seconds",
			Help:      "How late the last tick started relative to its deadline.",
		}),
	}
}

// Subscriber collects receive-side measurements.
type Subscriber struct {
	Received     prometheus.Counter
	DecodeErrors prometheus.Counter
	Delay        prometheus.Histogram
	SendJitter   prometheus.Histogram
}

func NewSubscriber(reg prometheus.Registerer) *Subscriber {
	f := promauto.With(reg)
	return &Subscriber{
		Received: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "messages_received_total",
			Help:      "Messages decoded and reported.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "decode_errors_total",
			Help:      "Payloads dropped because they could not be decoded.",
		}),
		Delay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "delay_seconds",
			Help:      "End-to-end delay from send timestamp to receive time.",
			Buckets:   latencyBuckets,
		}),
		SendJitter: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "send_jitter_seconds",
			Help:      "Send jitter reported by the publisher.",
			Buckets:   latencyBuckets,
		}),
	}
}
