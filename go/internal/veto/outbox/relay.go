package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int // Max events to fetch per poll
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "veto_outbox_events",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Relay moves outbox rows to the publisher.
type Relay struct {
	source    Source
	publisher Publisher
	metrics   MetricsCollector
	cfg       ListenerConfig

	listener *pq.Listener

	mu        sync.Mutex
	running   bool
	processed uint64
	lastEvent time.Time
}

func NewRelay(source Source, publisher Publisher, metrics MetricsCollector, cfg ListenerConfig) *Relay {
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &Relay{
		source:    source,
		publisher: NewMetricPublisher(publisher, metrics),
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Listen subscribes to the notify channel. Without it Start only polls.
func (r *Relay) Listen() error {
	l := pq.NewListener(
		r.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(r.cfg.NotifyChannel); err != nil {
		l.Close()
		return fmt.Errorf("failed to listen to channel: %w", err)
	}
	r.listener = l

	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Msg("listening for notifications")
	return nil
}

// Start relays until ctx is done. Rows left behind by a previous run are
// drained first.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("relay started")

	if err := r.processUnsent(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process unsent events")
	}

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	fallbackTicker := time.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	var notify <-chan *pq.Notification
	if r.listener != nil {
		notify = r.listener.Notify
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return r.Stop()
		case note := <-notify:
			if note == nil {
				// the listener reconnected; anything missed is picked up by polling
				if err := r.processUnsent(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unsent events")
				}
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := r.processUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent events")
			}
		case <-pingTicker.C:
			if r.listener == nil {
				continue
			}
			if err := r.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (r *Relay) Stop() error {
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// handleNotification relays the row whose id is the notification payload.
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	event, err := r.source.FetchOutboxByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadySent) {
			return nil
		}
		return fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	return r.relay(ctx, event)
}

// processUnsent relays one batch of unsent rows in creation order. It stops
// at the first failure so a later event of a session never overtakes an
// earlier one.
func (r *Relay) processUnsent(ctx context.Context) error {
	start := time.Now()
	unsent, err := r.source.FetchUnsentOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	sent := 0
	for _, event := range unsent {
		if err := r.relay(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to relay event")
			break
		}
		sent++
	}
	r.metrics.RecordBatchProcessed(sent, time.Since(start))

	if pending, err := r.source.CountPending(ctx); err == nil {
		r.metrics.RecordOutboxLag(pending)
	}
	return nil
}

func (r *Relay) relay(ctx context.Context, event OutboxEvent) error {
	if err := r.publishWithRetry(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if err := r.source.MarkOutboxSent(ctx, event.ID); err != nil {
		return err
	}

	r.mu.Lock()
	r.processed++
	r.lastEvent = time.Now()
	r.mu.Unlock()

	log.Info().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Str("session_id", event.SessionID.String()).
		Msg("published and marked event as sent")
	return nil
}

// publishWithRetry attempts to publish an outbox event with a linear backoff.
func (r *Relay) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	env, err := event.Envelope()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := r.publisher.Publish(ctx, env); err != nil {
			lastErr = err
			r.metrics.RecordPublishAttempt(event.EventType, attempt+1, false)
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		r.metrics.RecordPublishAttempt(event.EventType, attempt+1, true)
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

// Stats returns how many events were relayed and when the last one was.
func (r *Relay) Stats() (uint64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed, r.lastEvent
}

func (r *Relay) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
