package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_submissions_total",
			Help: "Messages handed to the publisher, by result",
		},
		[]string{"result"},
	)

	PublishQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_publish_queue_depth",
			Help: "Submissions waiting for the publisher's send worker",
		},
	)

	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Records sent to the stream, by outcome",
		},
		[]string{"outcome"},
	)

	Consumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_consumed_total",
			Help: "Records read from the stream, by outcome",
		},
		[]string{"outcome"},
	)

	ConsumerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_consumer_restarts_total",
			Help: "Consumer loop restarts after a failure",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current RabbitMQ queue depth per consumer group queue",
		},
		[]string{"queue"},
	)

	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(Submissions)
	prometheus.MustRegister(PublishQueueDepth)
	prometheus.MustRegister(Published)
	prometheus.MustRegister(Consumed)
	prometheus.MustRegister(ConsumerRestarts)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StoreLatency)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
