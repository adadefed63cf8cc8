// Package metrics exposes Prometheus collectors for the log pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	logsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_logs_published_total",
		Help: "Log messages handed to a transport publisher by outcome",
	}, []string{"publisher", "outcome"}) // outcome=success|failure

	ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_ingestor_messages_total",
		Help: "Transport messages handled by the ingestor by disposition",
	}, []string{"partition", "disposition"}) // disposition=stored|duplicate|skipped|status|retry

	ingestBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buildstream_ingestor_batch_size",
		Help:    "Number of messages per fetched batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	})

	gatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildstream_gateway_sessions",
		Help: "Connected realtime sessions",
	})

	gatewayBroadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildstream_gateway_broadcast_total",
		Help: "Feed messages received by the gateway",
	})

	gatewayDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_gateway_drop_total",
		Help: "Messages dropped for a session by reason",
	}, []string{"reason"}) // reason=slow_consumer

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_dispatch_total",
		Help: "Build job launch requests by outcome",
	}, []string{"outcome"})

	uploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_upload_files_total",
		Help: "Artifact files uploaded by outcome",
	}, []string{"outcome"})
)

// IncPublished records one publish attempt.
func IncPublished(publisher string, ok bool) {
	logsPublishedTotal.WithLabelValues(publisher, outcome(ok)).Inc()
}

// IncIngested records one handled message.
func IncIngested(partition, disposition string) {
	ingestedTotal.WithLabelValues(partition, disposition).Inc()
}

// ObserveBatch records the size of a fetched batch.
func ObserveBatch(n int) {
	ingestBatchSize.Observe(float64(n))
}

// SessionOpened and SessionClosed track connected gateway sessions.
func SessionOpened() { gatewaySessions.Inc() }
func SessionClosed() { gatewaySessions.Dec() }

// IncBroadcast records one feed message received by the gateway.
func IncBroadcast() { gatewayBroadcastTotal.Inc() }

// IncGatewayDrop records a message dropped for a session.
func IncGatewayDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	gatewayDropsTotal.WithLabelValues(reason).Inc()
}

// IncDispatch records one launch request.
func IncDispatch(ok bool) {
	dispatchTotal.WithLabelValues(outcome(ok)).Inc()
}

// IncUpload records one file upload.
func IncUpload(ok bool) {
	uploadTotal.WithLabelValues(outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
