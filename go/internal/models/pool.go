package models

import (
	"errors"
	"fmt"
	"strings"
)

// MapPool is the ordered set of maps a ruleset vetoes over.
// Declaration order is the canonical order used for deterministic timeouts.
type MapPool struct {
	Maps          []string `json:"maps" yaml:"maps"`
	FinalMapCount int      `json:"final_map_count" yaml:"final_map_count"`
}

func (p MapPool) Clone() MapPool {
	return MapPool{Maps: append([]string(nil), p.Maps...), FinalMapCount: p.FinalMapCount}
}

// Contains reports whether id is declared in the pool.
func (p MapPool) Contains(id string) bool {
	for _, m := range p.Maps {
		if m == id {
			return true
		}
	}
	return false
}

// Validate checks the pool on its own.
func (p MapPool) Validate() error {
	if len(p.Maps) == 0 {
		return errors.New("map pool is empty")
	}
	seen := make(map[string]struct{}, len(p.Maps))
	for _, m := range p.Maps {
		if strings.TrimSpace(m) == "" {
			return errors.New("map pool contains an empty map id")
		}
		if _, ok := seen[m]; ok {
			return fmt.Errorf("map pool contains duplicate map %q", m)
		}
		seen[m] = struct{}{}
	}
	if p.FinalMapCount < 1 || p.FinalMapCount >= len(p.Maps) {
		return fmt.Errorf("final_map_count %d must be between 1 and %d", p.FinalMapCount, len(p.Maps)-1)
	}
	return nil
}

// ValidateFormat checks that format fits pool: every turn is well formed and
// exactly pool size minus final_map_count turns are defined.
func ValidateFormat(pool MapPool, format VetoFormat) error {
	if err := pool.Validate(); err != nil {
		return err
	}
	if want := len(pool.Maps) - pool.FinalMapCount; len(format) != want {
		return fmt.Errorf("format has %d turns, pool requires %d", len(format), want)
	}
	for i, t := range format {
		if !t.Side.Valid() {
			return fmt.Errorf("turn %d: invalid side %q", i, t.Side)
		}
		if !t.Kind.Valid() {
			return fmt.Errorf("turn %d: invalid action kind %q", i, t.Kind)
		}
	}
	return nil
}

// ParseTurn parses the short form used in rulesets, e.g. "A-BAN" or "B-pick".
func ParseTurn(s string) (TurnSpec, error) {
	side, kind, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-")
	if !ok {
		return TurnSpec{}, fmt.Errorf("invalid turn %q", s)
	}
	var t TurnSpec
	switch side {
	case "A":
		t.Side = SideTeamA
	case "B":
		t.Side = SideTeamB
	default:
		return TurnSpec{}, fmt.Errorf("invalid turn side in %q", s)
	}
	t.Kind = ActionKind(kind)
	if !t.Kind.Valid() {
		return TurnSpec{}, fmt.Errorf("invalid turn kind in %q", s)
	}
	return t, nil
}

// String renders the short form accepted by ParseTurn.
func (t TurnSpec) String() string {
	side := "A"
	if t.Side == SideTeamB {
		side = "B"
	}
	return side + "-" + string(t.Kind)
}
