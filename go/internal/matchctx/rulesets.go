package matchctx

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mcdev12/veto/go/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed rulesets.yaml
var defaultRulesets []byte

// ErrUnknownRuleset is returned for a ruleset name that is not configured.
var ErrUnknownRuleset = errors.New("unknown ruleset")

// Ruleset is the pool, turn order and clock a session is created with.
type Ruleset struct {
	Name         string
	Pool         models.MapPool
	Format       models.VetoFormat
	TurnDuration time.Duration
}

// Rulesets is an immutable set of rulesets keyed by name.
type Rulesets struct {
	byName map[string]Ruleset
}

type rulesetFile struct {
	Rulesets map[string]struct {
		Maps         []string `yaml:"maps"`
		FinalMaps    int      `yaml:"final_maps"`
		TurnDuration string   `yaml:"turn_duration"`
		Format       []string `yaml:"format"`
	} `yaml:"rulesets"`
}

// DefaultRulesets returns the rulesets shipped with the binary.
func DefaultRulesets() *Rulesets {
	rs, err := ParseRulesets(defaultRulesets)
	if err != nil {
		panic(fmt.Sprintf("embedded rulesets: %v", err))
	}
	return rs
}

// LoadRulesets reads a rulesets file. An empty path yields the defaults.
func LoadRulesets(path string) (*Rulesets, error) {
	if path == "" {
		return DefaultRulesets(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rulesets file: %w", err)
	}
	return ParseRulesets(data)
}

// ParseRulesets decodes and validates a rulesets document.
func ParseRulesets(data []byte) (*Rulesets, error) {
	var f rulesetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rulesets: %w", err)
	}
	if len(f.Rulesets) == 0 {
		return nil, errors.New("no rulesets defined")
	}

	rs := &Rulesets{byName: make(map[string]Ruleset, len(f.Rulesets))}
	for name, raw := range f.Rulesets {
		r := Ruleset{
			Name: name,
			Pool: models.MapPool{Maps: raw.Maps, FinalMapCount: raw.FinalMaps},
		}
		for _, t := range raw.Format {
			turn, err := models.ParseTurn(t)
			if err != nil {
				return nil, fmt.Errorf("ruleset %s: %w", name, err)
			}
			r.Format = append(r.Format, turn)
		}
		if raw.TurnDuration != "" {
			d, err := time.ParseDuration(raw.TurnDuration)
			if err != nil {
				return nil, fmt.Errorf("ruleset %s: turn_duration: %w", name, err)
			}
			r.TurnDuration = d
		}
		if err := models.ValidateFormat(r.Pool, r.Format); err != nil {
			return nil, fmt.Errorf("ruleset %s: %w", name, err)
		}
		rs.byName[name] = r
	}
	return rs, nil
}

// Ruleset returns the named ruleset.
func (rs *Rulesets) Ruleset(name string) (Ruleset, error) {
	r, ok := rs.byName[name]
	if !ok {
		return Ruleset{}, fmt.Errorf("%w: %q", ErrUnknownRuleset, name)
	}
	r.Pool = r.Pool.Clone()
	r.Format = slices.Clone(r.Format)
	return r, nil
}

// Names lists the configured rulesets in sorted order.
func (rs *Rulesets) Names() []string {
	names := make([]string, 0, len(rs.byName))
	for name := range rs.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
