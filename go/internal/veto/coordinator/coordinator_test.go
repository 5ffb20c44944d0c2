package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/veto/go/internal/matchctx"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/mcdev12/veto/go/internal/veto/store/memory"
	"github.com/mcdev12/veto/go/internal/veto/timer"
)

var (
	t0       = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	turnTime = 30 * time.Second

	playerA = models.Actor{ID: "alice", TeamID: "team-a", Role: models.RolePlayer}
	playerB = models.Actor{ID: "bob", TeamID: "team-b", Role: models.RolePlayer}
	viewer  = models.Actor{ID: "carol", Role: models.RoleViewer}
)

type recorder struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recorder) Broadcast(_ uuid.UUID, envs []events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, envs...)
}

func (r *recorder) all() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.envs)
}

func (r *recorder) count(t events.EventType) int {
	n := 0
	for _, env := range r.all() {
		if env.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	c     *Coordinator
	st    *memory.Store
	clock *clockwork.FakeClock
	rec   *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		st:    memory.New(),
		clock: clockwork.NewFakeClockAt(t0),
		rec:   &recorder{},
	}
	base := []Option{
		WithClock(h.clock),
		WithBroadcaster(h.rec),
		WithMatchContext(nil, matchctx.DefaultRulesets()),
		WithRetryDelay(time.Second),
	}
	h.c = New(h.st, append(base, opts...)...)
	t.Cleanup(h.c.Close)
	return h
}

// run processes timeouts in the background until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) create(t *testing.T) models.VetoSession {
	t.Helper()
	s, err := h.c.Create(context.Background(), CreateRequest{
		MatchRef: "match-1",
		TeamAID:  "team-a",
		TeamBID:  "team-b",
		Ruleset:  "bo1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func (h *harness) started(t *testing.T) models.VetoSession {
	t.Helper()
	s, err := h.c.Start(context.Background(), h.create(t).ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

// advanceTurn waits for the armed timer and lets it expire.
func (h *harness) advanceTurn(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("no timer armed: %v", err)
	}
	h.clock.Advance(d)
}

func ban(side models.Side, mapID string) models.Action {
	return models.Action{Side: side, Kind: models.ActionBan, MapID: mapID}
}

func actorFor(side models.Side) models.Actor {
	if side == models.SideTeamA {
		return playerA
	}
	return playerB
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) state(t *testing.T, id uuid.UUID) models.VetoSession {
	t.Helper()
	s, err := h.c.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return s
}

func TestBestOfOneScenarios(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)

	// A bans mirage.
	got, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage"))
	if err != nil {
		t.Fatalf("A ban: %v", err)
	}
	if got.TurnIndex != 1 || len(got.RemainingMaps) != 6 {
		t.Fatalf("after first ban: turn %d, remaining %v", got.TurnIndex, got.RemainingMaps)
	}
	if turn, _ := got.CurrentTurn(); turn != (models.TurnSpec{Side: models.SideTeamB, Kind: models.ActionBan}) {
		t.Fatalf("next turn = %s", turn)
	}
	if got.ResolvedMaps[0].ActorID != "alice" || got.ResolvedMaps[0].Source != models.SourceManual {
		t.Fatalf("resolved = %+v", got.ResolvedMaps[0])
	}
	broadcasts := len(h.rec.all())

	// B bans mirage again.
	_, err = h.c.SubmitAction(ctx, s.ID, playerB, ban(models.SideTeamB, "mirage"))
	if !errors.Is(err, veto.ErrMapNotAvailable) {
		t.Fatalf("repeat ban err = %v", err)
	}
	// A acts on B's turn.
	_, err = h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "dust2"))
	if !errors.Is(err, veto.ErrWrongTurn) {
		t.Fatalf("wrong side err = %v", err)
	}
	if cur := h.state(t, s.ID); cur.TurnIndex != 1 || cur.Version != got.Version {
		t.Fatalf("rejections changed state: %+v", cur)
	}
	if n := len(h.rec.all()); n != broadcasts {
		t.Fatalf("rejections broadcast %d events", n-broadcasts)
	}

	// Remaining bans alternate until one map is left.
	for i, m := range []string{"dust2", "anubis", "inferno", "overpass", "nuke"} {
		side := models.SideTeamB
		if i%2 == 1 {
			side = models.SideTeamA
		}
		if got, err = h.c.SubmitAction(ctx, s.ID, actorFor(side), ban(side, m)); err != nil {
			t.Fatalf("ban %s: %v", m, err)
		}
	}
	if got.Status != models.SessionStatusCompleted || !slices.Equal(got.FinalMaps, []string{"ancient"}) {
		t.Fatalf("final = %s %v", got.Status, got.FinalMaps)
	}
	if len(got.ResolvedMaps) != 6 {
		t.Fatalf("resolved %d maps", len(got.ResolvedMaps))
	}
	if _, armed := h.c.sched.Armed(s.ID); armed {
		t.Fatal("timer still armed after completion")
	}

	envs := h.rec.all()
	var types []events.EventType
	for i, env := range envs {
		types = append(types, env.Type)
		if i > 0 && env.Sequence <= envs[i-1].Sequence {
			t.Fatalf("sequence went from %d to %d", envs[i-1].Sequence, env.Sequence)
		}
	}
	want := []events.EventType{events.EventTypeSessionStarted}
	for range 6 {
		want = append(want, events.EventTypeTurnResolved)
	}
	want = append(want, events.EventTypeSessionCompleted)
	if !slices.Equal(types, want) {
		t.Fatalf("events = %v", types)
	}

	outbox := h.st.Outbox()
	if len(outbox) != 1 || outbox[0].Type != events.EventTypeSessionCompleted {
		t.Fatalf("outbox = %v", outbox)
	}
	if err := h.c.Verify(ctx, s.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTimeoutAutoResolvesInPoolOrder(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx := context.Background()
	s := h.started(t)

	if _, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
		t.Fatalf("A ban: %v", err)
	}
	h.advanceTurn(t, turnTime)
	waitFor(t, "timeout resolution", func() bool { return h.state(t, s.ID).TurnIndex == 2 })

	got := h.state(t, s.ID)
	last := got.ResolvedMaps[1]
	if last.MapID != "dust2" || last.Side != models.SideTeamB || last.Kind != models.ActionBan {
		t.Fatalf("auto action = %+v", last)
	}
	if last.Source != models.SourceTimeout || last.ActorID != models.SystemTimeoutActor {
		t.Fatalf("auto action source = %s actor %s", last.Source, last.ActorID)
	}
	if turn, _ := got.CurrentTurn(); turn.Side != models.SideTeamA {
		t.Fatalf("turn did not advance normally: %s", turn)
	}
	if got.TurnDeadline == nil || !got.TurnDeadline.Equal(h.clock.Now().Add(turnTime)) {
		t.Fatalf("deadline = %v", got.TurnDeadline)
	}
}

func TestUnattendedSessionCompletes(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	s := h.started(t)

	for i := range 6 {
		h.advanceTurn(t, turnTime)
		waitFor(t, "turn resolution", func() bool { return h.state(t, s.ID).TurnIndex == i+1 })
	}

	got := h.state(t, s.ID)
	if got.Status != models.SessionStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	var banned []string
	for _, r := range got.ResolvedMaps {
		banned = append(banned, r.MapID)
		if r.Source != models.SourceTimeout {
			t.Fatalf("turn %d source = %s", r.TurnIndex, r.Source)
		}
	}
	if !slices.Equal(banned, []string{"mirage", "dust2", "anubis", "inferno", "overpass", "nuke"}) {
		t.Fatalf("banned = %v", banned)
	}
	if !slices.Equal(got.FinalMaps, []string{"ancient"}) {
		t.Fatalf("final = %v", got.FinalMaps)
	}
}

func TestStaleTimeoutIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)

	if _, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "nuke")); err != nil {
		t.Fatalf("A ban: %v", err)
	}
	before := h.state(t, s.ID)
	broadcasts := len(h.rec.all())

	err := h.c.HandleTimeout(ctx, timer.TurnTimedOut{SessionID: s.ID, TurnIndex: 0})
	if !errors.Is(err, veto.ErrStaleTimeout) {
		t.Fatalf("err = %v", err)
	}
	after := h.state(t, s.ID)
	if after.Version != before.Version || after.TurnIndex != 1 {
		t.Fatalf("stale timeout changed state: %+v", after)
	}
	if len(h.rec.all()) != broadcasts {
		t.Fatal("stale timeout broadcast")
	}
}

func TestManualActionRacesTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := range 50 {
		s := h.started(t)
		before := h.rec.count(events.EventTypeTurnResolved)

		var (
			wg                  sync.WaitGroup
			submitErr, timedErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, submitErr = h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "inferno"))
		}()
		go func() {
			defer wg.Done()
			timedErr = h.c.HandleTimeout(ctx, timer.TurnTimedOut{SessionID: s.ID, TurnIndex: 0})
		}()
		wg.Wait()

		got := h.state(t, s.ID)
		if got.TurnIndex != 1 || len(got.ResolvedMaps) != 1 {
			t.Fatalf("run %d: turn %d with %d resolved", i, got.TurnIndex, len(got.ResolvedMaps))
		}
		if n := h.rec.count(events.EventTypeTurnResolved) - before; n != 1 {
			t.Fatalf("run %d: %d TurnResolved broadcasts", i, n)
		}
		switch got.ResolvedMaps[0].Source {
		case models.SourceManual:
			if submitErr != nil || !errors.Is(timedErr, veto.ErrStaleTimeout) {
				t.Fatalf("run %d: manual won but submit=%v timeout=%v", i, submitErr, timedErr)
			}
		case models.SourceTimeout:
			if timedErr != nil || !errors.Is(submitErr, veto.ErrWrongTurn) {
				t.Fatalf("run %d: timeout won but submit=%v timeout=%v", i, submitErr, timedErr)
			}
		}
	}
}

func TestAbortMidSession(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx := context.Background()
	s := h.started(t)

	if _, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
		t.Fatalf("A ban: %v", err)
	}
	got, err := h.c.Abort(ctx, s.ID, "server crash")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got.Status != models.SessionStatusAborted || got.AbortReason != "server crash" || got.TurnDeadline != nil {
		t.Fatalf("aborted = %+v", got)
	}
	if _, armed := h.c.sched.Armed(s.ID); armed {
		t.Fatal("timer still armed after abort")
	}
	broadcasts := len(h.rec.all())

	_, err = h.c.SubmitAction(ctx, s.ID, playerB, ban(models.SideTeamB, "dust2"))
	if !errors.Is(err, veto.ErrSessionNotActive) {
		t.Fatalf("submit after abort err = %v", err)
	}
	if _, err := h.c.Abort(ctx, s.ID, "again"); !errors.Is(err, veto.ErrSessionNotActive) {
		t.Fatalf("second abort err = %v", err)
	}
	h.clock.Advance(10 * turnTime)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.rec.all()); n != broadcasts {
		t.Fatalf("%d broadcasts after abort", n-broadcasts)
	}

	last := h.rec.all()[broadcasts-1]
	if last.Type != events.EventTypeSessionAborted {
		t.Fatalf("last event = %s", last.Type)
	}
	p, err := events.Decode[events.SessionAbortedPayload](last)
	if err != nil || p.Reason != "server crash" {
		t.Fatalf("aborted payload = %+v, %v", p, err)
	}
}

func TestAbortBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)

	if _, err := h.c.Abort(ctx, s.ID, "forfeit"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := h.c.Start(ctx, s.ID); !errors.Is(err, veto.ErrAlreadyStarted) {
		t.Fatalf("start after abort err = %v", err)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)
	broadcasts := len(h.rec.all())

	h.st.FailCommits(errors.New("disk full"))
	_, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage"))
	if !errors.Is(err, veto.ErrPersistenceFailure) {
		t.Fatalf("err = %v", err)
	}
	if got := h.state(t, s.ID); got.TurnIndex != 0 || got.Version != s.Version || len(got.RemainingMaps) != 7 {
		t.Fatalf("failed commit leaked into state: %+v", got)
	}
	if len(h.rec.all()) != broadcasts {
		t.Fatal("failed commit was broadcast")
	}
	if idx, armed := h.c.sched.Armed(s.ID); !armed || idx != 0 {
		t.Fatalf("timer = %d %v, want turn 0 still armed", idx, armed)
	}

	h.st.FailCommits(nil)
	got, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.TurnIndex != 1 {
		t.Fatalf("turn = %d", got.TurnIndex)
	}
}

func TestTimeoutPersistenceFailureRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)

	h.st.FailCommits(errors.New("connection reset"))
	err := h.c.HandleTimeout(ctx, timer.TurnTimedOut{SessionID: s.ID, TurnIndex: 0})
	if !errors.Is(err, veto.ErrPersistenceFailure) {
		t.Fatalf("err = %v", err)
	}
	if idx, armed := h.c.sched.Armed(s.ID); !armed || idx != 0 {
		t.Fatalf("retry timer = %d %v", idx, armed)
	}

	h.st.FailCommits(nil)
	h.run(t)
	h.advanceTurn(t, time.Second)
	waitFor(t, "retried timeout", func() bool { return h.state(t, s.ID).TurnIndex == 1 })
	if src := h.state(t, s.ID).ResolvedMaps[0].Source; src != models.SourceTimeout {
		t.Fatalf("source = %s", src)
	}
}

func TestUnauthorizedActors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)
	broadcasts := len(h.rec.all())

	tests := []struct {
		name  string
		actor models.Actor
	}{
		{"viewer", viewer},
		{"other team", playerB},
		{"anonymous", models.Anonymous},
		{"admin without team", models.Actor{ID: "root", Role: models.RoleAdmin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.SubmitAction(ctx, s.ID, tt.actor, ban(models.SideTeamA, "mirage"))
			if !errors.Is(err, veto.ErrUnauthorizedActor) {
				t.Fatalf("err = %v", err)
			}
		})
	}
	if got := h.state(t, s.ID); got.TurnIndex != 0 {
		t.Fatalf("turn = %d", got.TurnIndex)
	}
	if len(h.rec.all()) != broadcasts {
		t.Fatal("unauthorized actions were broadcast")
	}
}

func TestStartAndLookupErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)

	if _, err := h.c.Start(ctx, s.ID); !errors.Is(err, veto.ErrAlreadyStarted) {
		t.Fatalf("second start err = %v", err)
	}
	if _, err := h.c.Start(ctx, uuid.New()); !errors.Is(err, veto.ErrSessionNotFound) {
		t.Fatalf("unknown start err = %v", err)
	}
	if _, err := h.c.GetState(ctx, uuid.New()); !errors.Is(err, veto.ErrSessionNotFound) {
		t.Fatalf("unknown state err = %v", err)
	}
	if _, err := h.c.SubmitAction(ctx, uuid.New(), playerA, ban(models.SideTeamA, "mirage")); !errors.Is(err, veto.ErrSessionNotFound) {
		t.Fatalf("unknown submit err = %v", err)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Run("rejected without auto start", func(t *testing.T) {
		h := newHarness(t)
		s := h.create(t)
		_, err := h.c.SubmitAction(context.Background(), s.ID, playerA, ban(models.SideTeamA, "mirage"))
		if !errors.Is(err, veto.ErrSessionNotActive) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("auto start", func(t *testing.T) {
		h := newHarness(t, WithAutoStart(true))
		ctx := context.Background()
		s := h.create(t)

		_, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "vertigo"))
		if !errors.Is(err, veto.ErrMapNotAvailable) {
			t.Fatalf("bad map err = %v", err)
		}
		if got := h.state(t, s.ID); got.Status != models.SessionStatusNotStarted {
			t.Fatalf("rejected action started the session: %s", got.Status)
		}

		got, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if got.Status != models.SessionStatusInProgress || got.TurnIndex != 1 || got.Version != 2 {
			t.Fatalf("auto started = %s turn %d version %d", got.Status, got.TurnIndex, got.Version)
		}
		envs := h.rec.all()
		if len(envs) != 2 || envs[0].Type != events.EventTypeSessionStarted || envs[1].Type != events.EventTypeTurnResolved {
			t.Fatalf("events = %v", envs)
		}
		if envs[0].Sequence != 1 || envs[1].Sequence != 2 {
			t.Fatalf("sequences = %d, %d", envs[0].Sequence, envs[1].Sequence)
		}
		if err := h.c.Verify(ctx, s.ID); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})
}

func TestCreateFromMatchContext(t *testing.T) {
	lookup := matchctx.StaticLookup{
		"major-qf-1": {TeamAID: "navi", TeamBID: "faze", Ruleset: "bo3"},
		"odd-rules":  {TeamAID: "navi", TeamBID: "faze", Ruleset: "bo9"},
	}
	h := newHarness(t, WithMatchContext(lookup, matchctx.DefaultRulesets()))
	ctx := context.Background()

	s, err := h.c.Create(ctx, CreateRequest{MatchRef: "major-qf-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.TeamAID != "navi" || s.TeamBID != "faze" || s.Ruleset != "bo3" || s.Status != models.SessionStatusNotStarted {
		t.Fatalf("session = %+v", s)
	}
	if s.TurnDuration != 45*time.Second || len(s.Format) != 6 {
		t.Fatalf("ruleset not applied: %s, %d turns", s.TurnDuration, len(s.Format))
	}
	if stored, err := h.st.GetSession(ctx, s.ID); err != nil || stored.Version != 0 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	for _, ref := range []string{"", "unknown", "odd-rules"} {
		if _, err := h.c.Create(ctx, CreateRequest{MatchRef: ref}); !errors.Is(err, veto.ErrInvalidRequest) {
			t.Fatalf("create %q err = %v", ref, err)
		}
	}
	if _, err := h.c.Create(ctx, CreateRequest{MatchRef: "x", TeamAID: "a", TeamBID: "a", Ruleset: "bo1"}); !errors.Is(err, veto.ErrInvalidRequest) {
		t.Fatalf("same teams err = %v", err)
	}
}

func TestCompletionListener(t *testing.T) {
	got := make(chan models.VetoSession, 1)
	h := newHarness(t, WithCompletionListener(CompletionListenerFunc(func(_ context.Context, s models.VetoSession) error {
		got <- s
		return nil
	})))
	ctx := context.Background()
	s := h.started(t)

	order := []string{"mirage", "dust2", "anubis", "inferno", "overpass", "nuke"}
	for i, m := range order {
		side := models.SideTeamA
		if i%2 == 1 {
			side = models.SideTeamB
		}
		if _, err := h.c.SubmitAction(ctx, s.ID, actorFor(side), ban(side, m)); err != nil {
			t.Fatalf("ban %s: %v", m, err)
		}
	}

	select {
	case done := <-got:
		if done.ID != s.ID || !slices.Equal(done.SeriesMaps(), []string{"ancient"}) {
			t.Fatalf("listener got %+v", done)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
}

func TestRecover(t *testing.T) {
	st := memory.New()
	clock := clockwork.NewFakeClockAt(t0)
	rulesets := matchctx.DefaultRulesets()
	ctx := context.Background()

	first := New(st, WithClock(clock), WithMatchContext(nil, rulesets))
	create := func() models.VetoSession {
		s, err := first.Create(ctx, CreateRequest{MatchRef: "m", TeamAID: "team-a", TeamBID: "team-b", Ruleset: "bo1"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if s, err = first.Start(ctx, s.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
		return s
	}

	healthy := create()
	if _, err := first.SubmitAction(ctx, healthy.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
		t.Fatalf("ban: %v", err)
	}
	create()
	tampered := create()
	bad := tampered.Clone()
	bad.RemainingMaps = bad.RemainingMaps[1:]
	bad.Version++
	if err := st.Commit(ctx, store.Commit{Session: bad, ExpectedVersion: tampered.Version}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	first.Close()

	second := New(st, WithClock(clock), WithMatchContext(nil, rulesets))
	defer second.Close()
	report, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Recovered != 2 || report.Quarantined != 1 {
		t.Fatalf("report = %+v", report)
	}
	if idx, armed := second.sched.Armed(healthy.ID); !armed || idx != 1 {
		t.Fatalf("healthy timer = %d %v", idx, armed)
	}
	if _, armed := second.sched.Armed(tampered.ID); armed {
		t.Fatal("tampered session was rearmed")
	}
	if err := second.Verify(ctx, tampered.ID); !errors.Is(err, veto.ErrReplayMismatch) {
		t.Fatalf("verify tampered err = %v", err)
	}
}

func TestListActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.started(t)
	h.create(t)
	c := h.started(t)
	if _, err := h.c.Abort(ctx, c.ID, "test"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	active, err := h.c.ListActive(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active = %v", active)
	}
}

func TestSubscribeSeesCommittedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.started(t)
	if _, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
		t.Fatalf("ban: %v", err)
	}

	var snap models.VetoSession
	err := h.c.Subscribe(ctx, s.ID, func(cur models.VetoSession) error {
		snap = cur
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	envs := h.rec.all()
	if snap.Version != envs[len(envs)-1].Sequence {
		t.Fatalf("snapshot version %d, last broadcast %d", snap.Version, envs[len(envs)-1].Sequence)
	}
	if err := h.c.Subscribe(ctx, uuid.New(), func(models.VetoSession) error { return nil }); !errors.Is(err, veto.ErrSessionNotFound) {
		t.Fatalf("unknown subscribe err = %v", err)
	}
}

func TestSessionLocksReleaseEntries(t *testing.T) {
	l := newSessionLocks()
	id := uuid.New()

	var wg sync.WaitGroup
	counter := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock(id)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 20 {
		t.Fatalf("counter = %d", counter)
	}
	if n := l.len(); n != 0 {
		t.Fatalf("%d lock entries left", n)
	}
}

func TestPoolOrderResolver(t *testing.T) {
	s := models.VetoSession{
		Pool:          models.MapPool{Maps: []string{"mirage", "dust2", "anubis"}, FinalMapCount: 1},
		Format:        models.VetoFormat{{Side: models.SideTeamA, Kind: models.ActionBan}, {Side: models.SideTeamB, Kind: models.ActionPick}},
		RemainingMaps: []string{"anubis", "dust2"},
		TurnIndex:     1,
	}
	a, err := PoolOrderResolver{}.Resolve(s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.MapID != "dust2" || a.Side != models.SideTeamB || a.Kind != models.ActionPick || a.Source != models.SourceTimeout {
		t.Fatalf("action = %+v", a)
	}

	s.TurnIndex = 2
	if _, err := (PoolOrderResolver{}).Resolve(s); err == nil {
		t.Fatal("expected error past the last turn")
	}
}

// racingStore lets another writer commit right before the wrapped Commit.
type racingStore struct {
	*memory.Store
	once   sync.Once
	before func()
}

func (s *racingStore) Commit(ctx context.Context, c store.Commit) error {
	s.once.Do(s.before)
	return s.Store.Commit(ctx, c)
}

func TestInstancesShareStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recB := &recorder{}
	b := New(h.st,
		WithClock(h.clock),
		WithBroadcaster(recB),
		WithMatchContext(nil, matchctx.DefaultRulesets()),
	)
	t.Cleanup(b.Close)

	s := h.started(t)
	var snap models.VetoSession
	if err := b.Subscribe(ctx, s.ID, func(cur models.VetoSession) error {
		snap = cur
		return nil
	}); err != nil {
		t.Fatalf("subscribe on b: %v", err)
	}
	if snap.Version != s.Version {
		t.Fatalf("b snapshot version %d, want %d", snap.Version, s.Version)
	}

	if _, err := h.c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
		t.Fatalf("a ban: %v", err)
	}
	stored, err := h.st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if got := b.mustState(t, s.ID); got.Version != stored.Version || got.TurnIndex != 1 {
		t.Fatalf("b state turn=%d version=%d, store turn=%d version=%d", got.TurnIndex, got.Version, stored.TurnIndex, stored.Version)
	}
	if err := b.Subscribe(ctx, s.ID, func(cur models.VetoSession) error {
		snap = cur
		return nil
	}); err != nil {
		t.Fatalf("resubscribe on b: %v", err)
	}
	if snap.Version != stored.Version {
		t.Fatalf("late joiner on b got version %d, want %d", snap.Version, stored.Version)
	}

	// acting side is derived from the actor's team when omitted
	next, err := b.SubmitAction(ctx, s.ID, playerB, models.Action{Kind: models.ActionBan, MapID: "dust2"})
	if err != nil {
		t.Fatalf("b ban: %v", err)
	}
	if next.TurnIndex != 2 || next.ResolvedMaps[1].Side != models.SideTeamB {
		t.Fatalf("b result = %+v", next.ResolvedMaps)
	}
	if got := h.state(t, s.ID); got.TurnIndex != 2 {
		t.Fatalf("a sees turn %d after b committed", got.TurnIndex)
	}
	if recB.count(events.EventTypeTurnResolved) != 1 {
		t.Fatalf("b broadcast %d bans", recB.count(events.EventTypeTurnResolved))
	}

	err = h.c.HandleTimeout(ctx, timer.TurnTimedOut{SessionID: s.ID, TurnIndex: 1})
	if !errors.Is(err, veto.ErrStaleTimeout) {
		t.Fatalf("a timeout for turn b resolved: err = %v", err)
	}
	if got := h.state(t, s.ID); len(got.ResolvedMaps) != 2 {
		t.Fatalf("stale timeout changed log: %+v", got.ResolvedMaps)
	}
}

func TestSubmitRecheckedAfterLosingRace(t *testing.T) {
	mem := memory.New()
	clock := clockwork.NewFakeClockAt(t0)
	other := New(mem, WithClock(clock), WithMatchContext(nil, matchctx.DefaultRulesets()))
	t.Cleanup(other.Close)

	ctx := context.Background()
	s, err := other.Create(ctx, CreateRequest{MatchRef: "match-1", TeamAID: "team-a", TeamBID: "team-b", Ruleset: "bo1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := other.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	racing := &racingStore{Store: mem}
	racing.before = func() {
		if _, err := other.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "mirage")); err != nil {
			t.Errorf("other ban: %v", err)
		}
	}
	rec := &recorder{}
	c := New(racing, WithClock(clock), WithBroadcaster(rec))
	t.Cleanup(c.Close)

	_, err = c.SubmitAction(ctx, s.ID, playerA, ban(models.SideTeamA, "dust2"))
	if !errors.Is(err, veto.ErrWrongTurn) {
		t.Fatalf("err = %v, want wrong turn after reload", err)
	}
	got, err := mem.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if got.TurnIndex != 1 || got.ResolvedMaps[0].MapID != "mirage" {
		t.Fatalf("store = turn %d %+v", got.TurnIndex, got.ResolvedMaps)
	}
	if len(rec.all()) != 0 {
		t.Fatal("losing writer broadcast")
	}
}

func TestCreatedSessionsFollowStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)

	other := New(h.st, WithClock(h.clock))
	t.Cleanup(other.Close)
	if _, err := other.Abort(ctx, s.ID, "match cancelled"); err != nil {
		t.Fatalf("abort elsewhere: %v", err)
	}

	if got := h.state(t, s.ID); got.Status != models.SessionStatusAborted {
		t.Fatalf("status = %s, want aborted", got.Status)
	}
	if _, err := h.c.Start(ctx, s.ID); !errors.Is(err, veto.ErrAlreadyStarted) {
		t.Fatalf("start after abort elsewhere err = %v", err)
	}
}

func (c *Coordinator) mustState(t *testing.T, id uuid.UUID) models.VetoSession {
	t.Helper()
	s, err := c.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return s
}
