package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Function is a function identifier together with the canonical encoding of
// its parameters.
type Function struct {
	ID         string
	Parameters string
}

// Rule marks matching computations as forbidden.
//
// Every field is optional. An empty scalar field or a nil SpecSet is a
// wildcard that matches any value of that dimension. The empty string is
// never a concrete function id, parameter encoding or target.
//
// Rules are values: treat them as immutable once handed to a blacklist.
type Rule struct {
	FunctionID string
	Parameters string
	Target     string
	Inputs     *SpecSet
	Outputs    *SpecSet
}

// NewRule constructs a validated rule with normalized spec sets. Identifiers
// are opaque and kept byte for byte.
func NewRule(functionID, parameters, target string, inputs, outputs *SpecSet) (Rule, error) {
	r := Rule{
		FunctionID: functionID,
		Parameters: parameters,
		Target:     target,
		Inputs:     inputs.normalized(),
		Outputs:    outputs.normalized(),
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// FunctionRule returns a rule blacklisting fn for every target, input and
// output.
func FunctionRule(fn Function) Rule {
	return Rule{FunctionID: fn.ID, Parameters: fn.Parameters}
}

// TargetRule returns a rule blacklisting every computation on target.
func TargetRule(target string) Rule {
	return Rule{Target: target}
}

// Validate checks spec sets for malformed members.
func (r Rule) Validate() error {
	for _, set := range []*SpecSet{r.Inputs, r.Outputs} {
		if set == nil {
			continue
		}
		switch set.Mode {
		case MatchExact, MatchPartial:
		default:
			return fmt.Errorf("unsupported MatchMode: %d", set.Mode)
		}
		for _, spec := range set.Specs {
			if err := spec.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize returns r with sorted, de-duplicated spec sets. Rules received
// from outside the process are normalized before they are keyed or indexed.
func (r Rule) Normalize() Rule {
	r.Inputs = r.Inputs.normalized()
	r.Outputs = r.Outputs.normalized()
	return r
}

// Key is the canonical encoding of the rule. Two rules are structurally equal
// iff their keys are equal.
func (r Rule) Key() string {
	var b strings.Builder
	writeScalar(&b, r.FunctionID)
	b.WriteByte('|')
	writeScalar(&b, r.Parameters)
	b.WriteByte('|')
	writeScalar(&b, r.Target)
	b.WriteByte('|')
	writeSet(&b, r.Inputs)
	b.WriteByte('|')
	writeSet(&b, r.Outputs)
	return b.String()
}

// Equal reports structural equality over all five fields.
func (r Rule) Equal(o Rule) bool {
	return r.FunctionID == o.FunctionID &&
		r.Parameters == o.Parameters &&
		r.Target == o.Target &&
		r.Inputs.Normalized().Equal(o.Inputs.Normalized()) &&
		r.Outputs.Normalized().Equal(o.Outputs.Normalized())
}

// HasPartialMatch reports whether either spec set uses subset matching.
func (r Rule) HasPartialMatch() bool {
	return (r.Inputs != nil && r.Inputs.IsPartial()) || (r.Outputs != nil && r.Outputs.IsPartial())
}

// Matches reports whether item is matched by r. This is the reference
// semantics the rule index implements; it is linear and intended for tests
// and diagnostics.
func (r Rule) Matches(item JobItem) bool {
	if r.FunctionID != "" && r.FunctionID != item.FunctionID {
		return false
	}
	if r.Parameters != "" && r.Parameters != item.Parameters {
		return false
	}
	if r.Target != "" && r.Target != item.Target {
		return false
	}
	return setMatches(r.Inputs, item.Inputs) && setMatches(r.Outputs, item.Outputs)
}

func (r Rule) String() string {
	parts := []string{
		"fn=" + wildcard(r.FunctionID),
		"params=" + wildcard(r.Parameters),
		"target=" + wildcard(r.Target),
	}
	if r.Inputs != nil {
		parts = append(parts, "inputs="+r.Inputs.String())
	} else {
		parts = append(parts, "inputs=*")
	}
	if r.Outputs != nil {
		parts = append(parts, "outputs="+r.Outputs.String())
	} else {
		parts = append(parts, "outputs=*")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func setMatches(set *SpecSet, operand []ValueSpec) bool {
	if set == nil {
		return true
	}
	if !set.IsPartial() {
		return set.Key() == SpecsKey(operand)
	}
	m := make(map[ValueSpec]struct{}, len(operand))
	for _, v := range operand {
		m[v] = struct{}{}
	}
	return set.SubsetOf(m)
}

func wildcard(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// writeScalar writes "*" for a wildcard and a quoted string otherwise. Quoted
// strings always start with '"' so the two never collide.
func writeScalar(b *strings.Builder, s string) {
	if s == "" {
		b.WriteByte('*')
		return
	}
	b.WriteString(strconv.Quote(s))
}

func writeSet(b *strings.Builder, s *SpecSet) {
	if s == nil {
		b.WriteByte('*')
		return
	}
	if s.IsPartial() {
		b.WriteByte('~')
	}
	b.WriteString(s.Key())
}
