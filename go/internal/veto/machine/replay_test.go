package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
)

func playBans(t *testing.T, s models.VetoSession, maps ...string) models.VetoSession {
	t.Helper()
	for i, m := range maps {
		turn, _ := s.CurrentTurn()
		a := ban(turn.Side, m)
		if i%3 == 2 {
			a.Source = models.SourceTimeout
			a.ActorID = models.SystemTimeoutActor
		}
		s = mustApply(t, s, a, t0.Add(time.Duration(i+1)*1500*time.Millisecond))
	}
	return s
}

func TestReplayRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		build func(t *testing.T) models.VetoSession
	}{
		{"not started", newSession},
		{"started without actions", startedSession},
		{"mid session", func(t *testing.T) models.VetoSession {
			return playBans(t, startedSession(t), "nuke", "mirage", "dust2")
		}},
		{"completed", func(t *testing.T) models.VetoSession {
			return playBans(t, startedSession(t), "nuke", "mirage", "dust2", "ancient", "anubis", "inferno")
		}},
		{"aborted mid session", func(t *testing.T) models.VetoSession {
			s := playBans(t, startedSession(t), "nuke", "mirage")
			s, err := Abort(s, "server maintenance", t0.Add(time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
		{"aborted before start", func(t *testing.T) models.VetoSession {
			s, _ := Abort(newSession(t), "no show", t0)
			return s
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stored := tc.build(t)
			replayed, err := Replay(stored, stored.ResolvedMaps)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if err := Equivalent(stored, replayed); err != nil {
				t.Fatalf("round trip: %v", err)
			}
			if err := Verify(stored, stored.ResolvedMaps); err != nil {
				t.Fatalf("verify: %v", err)
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	stored := playBans(t, startedSession(t), "nuke", "mirage", "dust2")

	cases := []struct {
		name   string
		tamper func(log []models.ResolvedAction, s *models.VetoSession) []models.ResolvedAction
	}{
		{"missing entry", func(log []models.ResolvedAction, _ *models.VetoSession) []models.ResolvedAction {
			return log[:2]
		}},
		{"swapped map", func(log []models.ResolvedAction, _ *models.VetoSession) []models.ResolvedAction {
			log[1].MapID = "overpass"
			return log
		}},
		{"reordered", func(log []models.ResolvedAction, _ *models.VetoSession) []models.ResolvedAction {
			log[0], log[1] = log[1], log[0]
			return log
		}},
		{"snapshot edited", func(log []models.ResolvedAction, s *models.VetoSession) []models.ResolvedAction {
			s.RemainingMaps = append(s.RemainingMaps, "nuke")
			return log
		}},
		{"source rewritten", func(log []models.ResolvedAction, _ *models.VetoSession) []models.ResolvedAction {
			log[2].Source = models.SourceManual
			return log
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := stored.Clone()
			log := tc.tamper(s.Clone().ResolvedMaps, &s)
			if err := Verify(s, log); !errors.Is(err, veto.ErrReplayMismatch) {
				t.Fatalf("got %v, want ErrReplayMismatch", err)
			}
		})
	}
}
