package outbox

import (
	"context"
	"time"

	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/rs/zerolog/log"
)

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordEventProcessed(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordOutboxLag(lag int)
	RecordPublishAttempt(eventType string, attempt int, success bool)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventProcessed(string, bool, time.Duration) {}
func (NoOpMetricsCollector) RecordBatchProcessed(int, time.Duration)          {}
func (NoOpMetricsCollector) RecordOutboxLag(int)                              {}
func (NoOpMetricsCollector) RecordPublishAttempt(string, int, bool)           {}

// LogMetricsCollector writes metrics as debug log lines.
type LogMetricsCollector struct{}

func (LogMetricsCollector) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	log.Debug().Str("event_type", eventType).Bool("success", success).Dur("duration", duration).Msg("outbox event processed")
}

func (LogMetricsCollector) RecordBatchProcessed(count int, duration time.Duration) {
	log.Debug().Int("count", count).Dur("duration", duration).Msg("outbox batch processed")
}

func (LogMetricsCollector) RecordOutboxLag(lag int) {
	if lag > 0 {
		log.Debug().Int("pending", lag).Msg("outbox lag")
	}
}

func (LogMetricsCollector) RecordPublishAttempt(eventType string, attempt int, success bool) {
	if !success {
		log.Debug().Str("event_type", eventType).Int("attempt", attempt).Msg("outbox publish attempt failed")
	}
}

// MetricPublisher wraps a Publisher with metrics collection
type MetricPublisher struct {
	publisher Publisher
	metrics   MetricsCollector
}

func NewMetricPublisher(publisher Publisher, metrics MetricsCollector) *MetricPublisher {
	return &MetricPublisher{
		publisher: publisher,
		metrics:   metrics,
	}
}

func (p *MetricPublisher) Publish(ctx context.Context, env events.Envelope) error {
	start := time.Now()
	err := p.publisher.Publish(ctx, env)
	p.metrics.RecordEventProcessed(string(env.Type), err == nil, time.Since(start))
	return err
}
