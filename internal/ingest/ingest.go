package ingest

import (
	"context"
	"log/slog"
	"time"

	"flowguard/internal/metrics"
	"flowguard/internal/model"
)

const (
	SourceMQTT  = "mqtt"
	SourceKafka = "kafka"
	SourceREST  = "rest"
)

// SendNonBlocking hands msg to the pipeline, dropping it when the queue is full.
func SendNonBlocking(ctx context.Context, out chan<- model.Message, msg model.Message, logger *slog.Logger) bool {
	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}
	select {
	case out <- msg:
		metrics.MessagesReceived.WithLabelValues(msg.Source).Inc()
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		if logger != nil {
			logger.Warn("message channel full, dropping message", "source", msg.Source, "topic", msg.Topic)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
