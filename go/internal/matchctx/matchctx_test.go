package matchctx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcdev12/veto/go/internal/models"
)

func TestDefaultRulesets(t *testing.T) {
	rs := DefaultRulesets()

	if got := rs.Names(); len(got) != 3 || got[0] != "bo1" || got[1] != "bo3" || got[2] != "bo5" {
		t.Fatalf("names = %v", got)
	}

	bo1, err := rs.Ruleset("bo1")
	if err != nil {
		t.Fatalf("bo1: %v", err)
	}
	if len(bo1.Format) != 6 || bo1.Pool.FinalMapCount != 1 || bo1.TurnDuration != 30*time.Second {
		t.Fatalf("bo1 = %+v", bo1)
	}
	for i, turn := range bo1.Format {
		want := models.SideTeamA
		if i%2 == 1 {
			want = models.SideTeamB
		}
		if turn.Side != want || turn.Kind != models.ActionBan {
			t.Fatalf("bo1 turn %d = %s", i, turn)
		}
	}
	if bo1.Pool.Maps[0] != "mirage" || bo1.Pool.Maps[6] != "ancient" {
		t.Fatalf("bo1 pool order = %v", bo1.Pool.Maps)
	}

	bo3, err := rs.Ruleset("bo3")
	if err != nil {
		t.Fatalf("bo3: %v", err)
	}
	picks := 0
	for _, turn := range bo3.Format {
		if turn.Kind == models.ActionPick {
			picks++
		}
	}
	if picks != 2 {
		t.Fatalf("bo3 picks = %d, want 2", picks)
	}
}

func TestRulesetIsCopied(t *testing.T) {
	rs := DefaultRulesets()
	a, _ := rs.Ruleset("bo1")
	a.Pool.Maps[0] = "cache"
	a.Format[0].Kind = models.ActionPick

	b, _ := rs.Ruleset("bo1")
	if b.Pool.Maps[0] != "mirage" || b.Format[0].Kind != models.ActionBan {
		t.Fatal("caller mutation leaked into the ruleset set")
	}
}

func TestParseRulesetsErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "rulesets: {}"},
		{"bad turn", "rulesets:\n  x:\n    maps: [a, b]\n    final_maps: 1\n    format: [C-BAN]"},
		{"wrong length", "rulesets:\n  x:\n    maps: [a, b, c]\n    final_maps: 1\n    format: [A-BAN]"},
		{"bad duration", "rulesets:\n  x:\n    maps: [a, b]\n    final_maps: 1\n    turn_duration: soon\n    format: [A-BAN]"},
		{"not yaml", "rulesets: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRulesets([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUnknownRuleset(t *testing.T) {
	_, err := DefaultRulesets().Ruleset("bo7")
	if !errors.Is(err, ErrUnknownRuleset) {
		t.Fatalf("err = %v", err)
	}
}

func TestClientLookupMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/matches/m-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"team_a_id":"navi","team_b_id":"faze","ruleset":"bo3"}`))
		case "/matches/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetHeader("Authorization", "Bearer svc")
	ctx := context.Background()

	m, err := c.LookupMatch(ctx, "m-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m != (Match{Ref: "m-1", TeamAID: "navi", TeamBID: "faze", Ruleset: "bo3"}) {
		t.Fatalf("match = %+v", m)
	}

	if _, err := c.LookupMatch(ctx, "m-2"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("missing match err = %v", err)
	}
	if _, err := c.LookupMatch(ctx, "broken"); err == nil || errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("upstream failure err = %v", err)
	}
}

func TestStaticLookup(t *testing.T) {
	l := StaticLookup{"m-1": {TeamAID: "a", TeamBID: "b", Ruleset: "bo1"}}
	m, err := l.LookupMatch(context.Background(), "m-1")
	if err != nil || m.Ref != "m-1" || m.TeamAID != "a" {
		t.Fatalf("lookup = %+v, %v", m, err)
	}
	if _, err := l.LookupMatch(context.Background(), "nope"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("err = %v", err)
	}
}
