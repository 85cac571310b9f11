package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "camstream"

var (
	BindFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bind_failures_total",
		Help:      "number of camera servers that failed to bind their port",
	}, []string{"camera"})
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_errors_total",
		Help:      "number of stream creations that were aborted",
	}, []string{"camera", "reason"})
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "number of registered media sessions",
	}, []string{"camera"})
	Clients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients",
		Help:      "number of connected RTSP clients",
	}, []string{"camera"})
	FramesReplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_replicated_total",
		Help:      "number of upstream frames pulled by replicators",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "number of frames dropped because a tap queue was full",
	})
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "number of RTP packets dropped because a client queue was full",
	})
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "number of RTP packets written to clients",
	})
)
