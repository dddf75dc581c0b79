package maintainer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

var (
	// ErrNoEntries is returned for a policy without entries.
	ErrNoEntries = errors.New("policy has no entries")
	// ErrNoDimensions is returned for an entry that selects no dimension.
	ErrNoDimensions = errors.New("policy entry selects no dimensions")
)

// Dimensions selects which parts of a failed job item an entry carries into
// the rule it generates. Unselected parts become wildcards.
type Dimensions uint8

const (
	MatchFunction Dimensions = 1 << iota
	MatchParameters
	MatchTarget
	MatchInputs
	MatchOutputs
)

var dimensionNames = []struct {
	d    Dimensions
	name string
}{
	{MatchFunction, "function"},
	{MatchParameters, "parameters"},
	{MatchTarget, "target"},
	{MatchInputs, "inputs"},
	{MatchOutputs, "outputs"},
}

// Has reports whether every dimension in o is selected.
func (d Dimensions) Has(o Dimensions) bool { return d&o == o }

// String renders the selection as "function|target".
func (d Dimensions) String() string {
	var parts []string
	for _, dn := range dimensionNames {
		if d.Has(dn.d) {
			parts = append(parts, dn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseDimensions converts names such as "function" or "inputs"
// (case-insensitive) to a selection.
func ParseDimensions(names ...string) (Dimensions, error) {
	var d Dimensions
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		found := false
		for _, dn := range dimensionNames {
			if dn.name == n {
				d |= dn.d
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown match dimension %q", n)
		}
	}
	return d, nil
}

// Entry turns a failed job item into one rule. TTL <= 0 falls back to the
// policy default.
type Entry struct {
	Match Dimensions
	TTL   time.Duration
}

// Rule builds the rule this entry generates for item. Selected inputs and
// outputs become exact-match sets. ok is false when a selected function,
// parameters or target is empty on item, since the rule would turn that
// dimension into a wildcard.
func (e Entry) Rule(item domain.JobItem) (r domain.Rule, ok bool) {
	if e.Match.Has(MatchFunction) {
		if item.FunctionID == "" {
			return domain.Rule{}, false
		}
		r.FunctionID = item.FunctionID
	}
	if e.Match.Has(MatchParameters) {
		if item.Parameters == "" {
			return domain.Rule{}, false
		}
		r.Parameters = item.Parameters
	}
	if e.Match.Has(MatchTarget) {
		if item.Target == "" {
			return domain.Rule{}, false
		}
		r.Target = item.Target
	}
	if e.Match.Has(MatchInputs) {
		r.Inputs = domain.Exactly(item.Inputs...)
	}
	if e.Match.Has(MatchOutputs) {
		r.Outputs = domain.Exactly(item.Outputs...)
	}
	return r, true
}

// Policy is a named list of entries. Several entries may generate rules of
// different breadth for the same failure.
type Policy struct {
	Name       string
	DefaultTTL time.Duration
	Entries    []Entry
}

// Validate checks that the policy can generate rules.
func (p Policy) Validate() error {
	if len(p.Entries) == 0 {
		return ErrNoEntries
	}
	for i, e := range p.Entries {
		if e.Match == 0 {
			return fmt.Errorf("entry %d: %w", i, ErrNoDimensions)
		}
	}
	return nil
}

// ttl returns the effective TTL of e. Zero means the blacklist
// default.
func (p Policy) ttl(e Entry) time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return p.DefaultTTL
}
