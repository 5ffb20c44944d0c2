package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/sqlc-dev/pqtype"
)

type fakeSource struct {
	mu      sync.Mutex
	rows    []OutboxEvent
	sent    map[uuid.UUID]bool
	pingErr error
}

func newFakeSource(rows ...OutboxEvent) *fakeSource {
	return &fakeSource{rows: rows, sent: make(map[uuid.UUID]bool)}
}

func (f *fakeSource) FetchOutboxByID(_ context.Context, id uuid.UUID) (OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == id && !f.sent[id] {
			return r, nil
		}
	}
	return OutboxEvent{}, ErrAlreadySent
}

func (f *fakeSource) FetchUnsentOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutboxEvent
	for _, r := range f.rows {
		if !f.sent[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) MarkOutboxSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = true
	return nil
}

func (f *fakeSource) CountPending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows) - len(f.sent), nil
}

func (f *fakeSource) Ping(context.Context) error { return f.pingErr }

type fakePublisher struct {
	mu        sync.Mutex
	published []events.Envelope
	// fail returns an error for the given attempt of an event type
	fail      func(env events.Envelope, attempt int) error
	tries     map[string]int
}

func (p *fakePublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tries == nil {
		p.tries = make(map[string]int)
	}
	p.tries[env.DedupeKey()]++
	if p.fail != nil {
		if err := p.fail(env, p.tries[env.DedupeKey()]); err != nil {
			return err
		}
	}
	p.published = append(p.published, env)
	return nil
}

func outboxRow(t *testing.T, sessionID uuid.UUID, version int64, typ events.EventType) OutboxEvent {
	t.Helper()
	s := models.VetoSession{ID: sessionID, Version: version}
	env, err := events.New(typ, s, time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC), map[string]string{"session_id": sessionID.String()})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	payload, _ := json.Marshal(env)
	headers, _ := json.Marshal(map[string]string{"Event-Type": string(typ), "Session-ID": env.SessionID, "Dedupe-Key": env.DedupeKey()})
	return OutboxEvent{
		ID:        uuid.MustParse(env.ID),
		SessionID: sessionID,
		EventType: string(typ),
		Payload:   payload,
		Headers:   pqtype.NullRawMessage{RawMessage: headers, Valid: true},
		CreatedAt: env.Timestamp,
	}
}

func testConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestHandleNotification(t *testing.T) {
	ctx := context.Background()
	row := outboxRow(t, uuid.New(), 7, events.EventTypeSessionCompleted)
	src := newFakeSource(row)
	pub := &fakePublisher{}
	r := NewRelay(src, pub, LogMetricsCollector{}, testConfig())

	if err := r.handleNotification(ctx, row.ID.String()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !src.sent[row.ID] || len(pub.published) != 1 || pub.published[0].Type != events.EventTypeSessionCompleted {
		t.Fatalf("sent=%v published=%v", src.sent, pub.published)
	}

	// the fallback poll already relayed it
	if err := r.handleNotification(ctx, row.ID.String()); err != nil {
		t.Fatalf("second notification: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published twice")
	}
	if err := r.handleNotification(ctx, "not-a-uuid"); err == nil {
		t.Fatal("expected error for bad payload")
	}
	if n, last := r.Stats(); n != 1 || last.IsZero() {
		t.Fatalf("stats = %d, %v", n, last)
	}
}

func TestProcessUnsentKeepsOrderOnFailure(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()
	rows := []OutboxEvent{
		outboxRow(t, sessionID, 7, events.EventTypeSessionCompleted),
		outboxRow(t, uuid.New(), 3, events.EventTypeSessionAborted),
		outboxRow(t, uuid.New(), 5, events.EventTypeSessionAborted),
	}
	src := newFakeSource(rows...)
	down := true
	pub := &fakePublisher{fail: func(env events.Envelope, _ int) error {
		if down && env.Sequence == 3 {
			return errors.New("nats unavailable")
		}
		return nil
	}}
	r := NewRelay(src, pub, nil, testConfig())

	if err := r.processUnsent(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.published) != 1 || src.sent[rows[1].ID] || src.sent[rows[2].ID] {
		t.Fatalf("relay skipped past a failed event: %v", src.sent)
	}
	if got := pub.tries[mustEnvelope(t, rows[1]).DedupeKey()]; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	down = false
	if err := r.processUnsent(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.published) != 3 || pub.published[1].Sequence != 3 || pub.published[2].Sequence != 5 {
		t.Fatalf("published = %v", pub.published)
	}
}

func TestPublishSucceedsAfterRetry(t *testing.T) {
	row := outboxRow(t, uuid.New(), 2, events.EventTypeSessionAborted)
	pub := &fakePublisher{fail: func(_ events.Envelope, attempt int) error {
		if attempt < 2 {
			return errors.New("timeout")
		}
		return nil
	}}
	r := NewRelay(newFakeSource(row), pub, nil, testConfig())
	if err := r.publishWithRetry(context.Background(), row); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d", len(pub.published))
	}
}

func TestEnvelopeChecksHeaders(t *testing.T) {
	row := outboxRow(t, uuid.New(), 4, events.EventTypeSessionCompleted)
	if _, err := row.Envelope(); err != nil {
		t.Fatalf("envelope: %v", err)
	}

	row.Headers = pqtype.NullRawMessage{RawMessage: json.RawMessage(`{"Dedupe-Key":"other"}`), Valid: true}
	if _, err := row.Envelope(); err == nil {
		t.Fatal("expected mismatch error")
	}

	row.Headers = pqtype.NullRawMessage{}
	if _, err := row.Envelope(); err != nil {
		t.Fatalf("envelope without headers: %v", err)
	}
}

func TestHealthChecker(t *testing.T) {
	src := newFakeSource(outboxRow(t, uuid.New(), 1, events.EventTypeSessionAborted))
	r := NewRelay(src, &fakePublisher{}, nil, testConfig())
	h := NewHealthChecker(r, src, func() bool { return true }, time.Minute)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped relay reported %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.RelayActive || status.PendingEvents != 1 || !status.DatabaseConnected || !status.BusConnected {
		t.Fatalf("status = %+v", status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !h.Check(context.Background()).Healthy {
		if time.Now().After(deadline) {
			t.Fatalf("relay never became healthy: %+v", h.Check(context.Background()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func mustEnvelope(t *testing.T, e OutboxEvent) events.Envelope {
	t.Helper()
	env, err := e.Envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}
