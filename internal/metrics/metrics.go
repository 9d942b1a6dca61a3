package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transport
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_messages_received_total",
		Help: "Raw messages received per transport source",
	}, []string{"source"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_messages_dropped_total",
		Help: "Messages dropped before reaching the history buffer",
	}, []string{"reason"})

	// pipeline
	ReadingsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowguard_readings_processed_total",
		Help: "Readings normalized and recorded in history",
	})

	ReadingsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowguard_readings_persisted_total",
		Help: "Readings committed to the store",
	})

	ReadingsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_readings_skipped_total",
		Help: "Readings not persisted",
	}, []string{"reason"})

	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_persistence_errors_total",
		Help: "Failed store operations",
	}, []string{"op"})

	NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_notification_errors_total",
		Help: "Failed or dropped live notifications",
	}, []string{"event"})

	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowguard_message_processing_seconds",
		Help:    "Time spent handling one message end to end",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	HistorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowguard_history_size",
		Help: "Entries currently held in the recent-history buffer",
	})

	// leak detection
	LeakAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowguard_leak_alerts_total",
		Help: "Leak alerts raised",
	})

	LeakWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowguard_leak_windows_open",
		Help: "Serials currently at or above the leak flow threshold",
	})

	// http
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowguard_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowguard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowguard_websocket_clients",
		Help: "Connected live-update viewers",
	})
)
