// Package storetest runs the same behavioural checks against every Store.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/mcdev12/veto/go/internal/veto/machine"
	"github.com/mcdev12/veto/go/internal/veto/store"
)

var (
	start = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	pool  = []string{"mirage", "dust2", "anubis", "inferno", "overpass", "nuke", "ancient"}
)

func bo1() models.VetoFormat {
	f := make(models.VetoFormat, 6)
	for i := range f {
		f[i] = models.TurnSpec{Side: models.SideTeamA, Kind: models.ActionBan}
		if i%2 == 1 {
			f[i].Side = models.SideTeamB
		}
	}
	return f
}

// NewSession builds a NOT_STARTED best-of-one session.
func NewSession(t *testing.T, createdAt time.Time) models.VetoSession {
	t.Helper()
	s, err := machine.New(uuid.New(), machine.Params{
		MatchRef:     "match-" + uuid.NewString()[:8],
		TeamAID:      "team-a",
		TeamBID:      "team-b",
		Ruleset:      "bo1",
		Pool:         models.MapPool{Maps: pool, FinalMapCount: 1},
		Format:       bo1(),
		TurnDuration: 30 * time.Second,
	}, createdAt)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

// Run exercises newStore. Each call must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("CommitAppendsLog", func(t *testing.T) { testCommitAppendsLog(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("ReplayMatchesSnapshot", func(t *testing.T) { testReplayMatchesSnapshot(t, newStore(t)) })
}

func commit(t *testing.T, st store.Store, prev, next models.VetoSession, action *models.ResolvedAction) {
	t.Helper()
	envs, err := events.ForTransition(prev, next, action, start)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Commit(context.Background(), store.Commit{
		Session:         next,
		ExpectedVersion: prev.Version,
		Action:          action,
		Outbox:          envs,
	}); err != nil {
		t.Fatalf("commit version %d: %v", next.Version, err)
	}
}

func play(t *testing.T, st store.Store, s models.VetoSession, maps ...string) models.VetoSession {
	t.Helper()
	for i, m := range maps {
		turn, _ := s.CurrentTurn()
		a := models.Action{Side: turn.Side, Kind: turn.Kind, MapID: m, ActorID: "p-" + string(turn.Side)}
		if i == 1 {
			a.Source = models.SourceTimeout
			a.ActorID = models.SystemTimeoutActor
		}
		next, resolved, err := machine.Apply(s, a, start.Add(time.Duration(i+1)*time.Second))
		if err != nil {
			t.Fatalf("apply %s: %v", m, err)
		}
		commit(t, st, s, next, &resolved)
		s = next
	}
	return s
}

func startSession(t *testing.T, st store.Store, s models.VetoSession) models.VetoSession {
	t.Helper()
	next, err := machine.Start(s, start)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, st, s, next, nil)
	return next
}

func testCreateAndGet(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := NewSession(t, start)
	if err := st.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := machine.Equivalent(s, got); err != nil {
		t.Fatalf("stored session differs: %v", err)
	}
	if got.MatchRef != s.MatchRef || !slices.Equal(got.Pool.Maps, pool) || len(got.Format) != 6 || got.TurnDuration != s.TurnDuration {
		t.Fatalf("header fields lost: %+v", got)
	}
	if err := st.CreateSession(ctx, s); err == nil {
		t.Fatalf("duplicate create accepted")
	}
}

func testNotFound(t *testing.T, st store.Store) {
	_, err := st.GetSession(context.Background(), uuid.New())
	if !errors.Is(err, veto.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func testCommitAppendsLog(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := NewSession(t, start)
	if err := st.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	s = startSession(t, st, s)
	s = play(t, st, s, "mirage", "dust2", "nuke")

	log, err := st.ListActions(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 {
		t.Fatalf("log has %d entries", len(log))
	}
	for i, want := range []string{"mirage", "dust2", "nuke"} {
		if log[i].TurnIndex != i || log[i].MapID != want {
			t.Fatalf("log[%d] = %+v", i, log[i])
		}
	}
	if log[1].Source != models.SourceTimeout || log[1].ActorID != models.SystemTimeoutActor {
		t.Fatalf("timeout entry lost its source: %+v", log[1])
	}
	if !log[2].ResolvedAt.Equal(start.Add(3 * time.Second)) {
		t.Fatalf("resolved_at = %v", log[2].ResolvedAt)
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != s.Version || got.TurnIndex != 3 || !got.TurnDeadline.Equal(*s.TurnDeadline) {
		t.Fatalf("snapshot not updated: %+v", got)
	}
}

func testVersionConflict(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := NewSession(t, start)
	if err := st.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	started := startSession(t, st, s)

	// a second writer that still believes the session is NOT_STARTED
	stale, _ := machine.Start(s, start.Add(time.Second))
	err := st.Commit(ctx, store.Commit{Session: stale, ExpectedVersion: s.Version})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}
	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.StartedAt.Equal(*started.StartedAt) {
		t.Fatalf("stale commit overwrote the snapshot")
	}
}

func testListSessions(t *testing.T, st store.Store) {
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		s := NewSession(t, start.Add(time.Duration(i)*time.Minute))
		if err := st.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			startSession(t, st, s)
		}
		ids = append(ids, s.ID)
	}

	active, err := st.ListSessions(ctx, models.SessionStatusInProgress, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != ids[1] || active[1].ID != ids[2] {
		t.Fatalf("active sessions = %v", sessionIDs(active))
	}
	all, err := st.ListSessions(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != ids[0] {
		t.Fatalf("limited listing = %v", sessionIDs(all))
	}
}

func testReplayMatchesSnapshot(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := NewSession(t, start)
	if err := st.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	s = startSession(t, st, s)
	s = play(t, st, s, "ancient", "mirage", "dust2", "nuke", "anubis", "inferno")
	if s.Status != models.SessionStatusCompleted {
		t.Fatalf("status = %s", s.Status)
	}

	stored, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	log, err := st.ListActions(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := machine.Verify(stored, log); err != nil {
		t.Fatalf("stored snapshot does not replay: %v", err)
	}
	if !slices.Equal(stored.FinalMaps, []string{"overpass"}) {
		t.Fatalf("final maps = %v", stored.FinalMaps)
	}
}

func sessionIDs(ss []models.VetoSession) []uuid.UUID {
	out := make([]uuid.UUID, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
