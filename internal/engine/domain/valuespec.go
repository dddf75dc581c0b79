package domain

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ValueSpec identifies one value a job consumes or produces: the value name,
// the target it is computed on, and a canonical encoding of its properties.
// It is comparable and can be used as a map key.
type ValueSpec struct {
	Name       string
	Target     string
	Properties string
}

// String renders the spec as name[@target][{properties}]. ParseValueSpec
// accepts the same form.
func (v ValueSpec) String() string {
	var b strings.Builder
	b.WriteString(v.Name)
	if v.Target != "" {
		b.WriteByte('@')
		b.WriteString(v.Target)
	}
	if v.Properties != "" {
		b.WriteByte('{')
		b.WriteString(v.Properties)
		b.WriteByte('}')
	}
	return b.String()
}

// key is an unambiguous encoding used inside rule keys.
func (v ValueSpec) key() string {
	return strconv.Quote(v.Name) + "@" + strconv.Quote(v.Target) + "#" + strconv.Quote(v.Properties)
}

// ParseValueSpec parses name[@target][{properties}].
func ParseValueSpec(s string) (ValueSpec, error) {
	s = strings.TrimSpace(s)
	var v ValueSpec
	if i := strings.IndexByte(s, '{'); i >= 0 {
		if !strings.HasSuffix(s, "}") {
			return ValueSpec{}, fmt.Errorf("value spec %q: unterminated properties", s)
		}
		v.Properties = s[i+1 : len(s)-1]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		v.Target = s[i+1:]
		s = s[:i]
	}
	v.Name = s
	if err := v.Validate(); err != nil {
		return ValueSpec{}, err
	}
	return v, nil
}

// Validate checks that the spec names a value.
func (v ValueSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("value spec name must not be empty")
	}
	return nil
}

func compareSpecs(a, b ValueSpec) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Target, b.Target); c != 0 {
		return c
	}
	return cmp.Compare(a.Properties, b.Properties)
}

// MatchMode defines how a rule's input or output set matches an operand set.
//
// exact   - the operand set must equal the rule's set
// partial - the rule's set must be a subset of the operand set
type MatchMode uint8

const (
	// MatchExact requires set equality.
	MatchExact MatchMode = iota
	// MatchPartial requires the rule's specs to all be present in the operand.
	MatchPartial
)

// String returns a stable string representation of the mode.
func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPartial:
		return "partial"
	default:
		return fmt.Sprintf("MatchMode(%d)", m)
	}
}

// ParseMatchMode converts "exact" or "partial" (case-insensitive).
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact":
		return MatchExact, nil
	case "partial":
		return MatchPartial, nil
	default:
		return 0, fmt.Errorf("unsupported MatchMode: %q", s)
	}
}

// SpecSet is the inputs or outputs constraint of a rule. Specs are sorted
// and free of duplicates; construct it with Exactly, Including or NewSpecSet
// to keep that true.
type SpecSet struct {
	Specs []ValueSpec
	Mode  MatchMode
}

// NewSpecSet returns a normalized set.
func NewSpecSet(mode MatchMode, specs ...ValueSpec) *SpecSet {
	return &SpecSet{Specs: normalizeSpecs(specs), Mode: mode}
}

// Exactly returns a set matching operands equal to specs.
func Exactly(specs ...ValueSpec) *SpecSet { return NewSpecSet(MatchExact, specs...) }

// Including returns a set matching any operand containing all of specs.
func Including(specs ...ValueSpec) *SpecSet { return NewSpecSet(MatchPartial, specs...) }

// IsPartial reports whether the set uses subset matching.
func (s *SpecSet) IsPartial() bool { return s.Mode == MatchPartial }

// Len returns the number of specs in the set.
func (s *SpecSet) Len() int { return len(s.Specs) }

// Key returns the canonical encoding of the set's members, ignoring the mode.
// Two operand collections are equal as sets iff their keys are equal.
func (s *SpecSet) Key() string {
	return SpecsKey(s.Specs)
}

// SubsetOf reports whether every spec in s is present in operand.
func (s *SpecSet) SubsetOf(operand map[ValueSpec]struct{}) bool {
	if len(s.Specs) > len(operand) {
		return false
	}
	for _, spec := range s.Specs {
		if _, ok := operand[spec]; !ok {
			return false
		}
	}
	return true
}

// Equal compares members and mode.
func (s *SpecSet) Equal(o *SpecSet) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Mode == o.Mode && slices.Equal(s.Specs, o.Specs)
}

// normalized returns a copy with sorted, de-duplicated specs.
func (s *SpecSet) normalized() *SpecSet {
	if s == nil {
		return nil
	}
	return &SpecSet{Specs: normalizeSpecs(s.Specs), Mode: s.Mode}
}

// Normalized returns a sorted, de-duplicated copy. Nil stays nil.
func (s *SpecSet) Normalized() *SpecSet { return s.normalized() }

func (s *SpecSet) String() string {
	parts := make([]string, len(s.Specs))
	for i, spec := range s.Specs {
		parts[i] = spec.String()
	}
	prefix := ""
	if s.IsPartial() {
		prefix = "~"
	}
	return prefix + "[" + strings.Join(parts, ",") + "]"
}

// SpecsKey is the canonical set encoding of an arbitrary spec collection.
func SpecsKey(specs []ValueSpec) string {
	norm := normalizeSpecs(specs)
	var b strings.Builder
	b.WriteByte('[')
	for i, spec := range norm {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(spec.key())
	}
	b.WriteByte(']')
	return b.String()
}

func normalizeSpecs(specs []ValueSpec) []ValueSpec {
	out := slices.Clone(specs)
	if out == nil {
		out = []ValueSpec{}
	}
	slices.SortFunc(out, compareSpecs)
	return slices.Compact(out)
}
