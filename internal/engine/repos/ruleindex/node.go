package ruleindex

import (
	"maps"
	"slices"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// dimension is one pivot level of the tree, in evaluation order.
type dimension int

const (
	dimFunction dimension = iota
	dimParameters
	dimTarget
	dimInputs
	dimOutputs
	dimensionCount
)

func (d dimension) isSet() bool { return d == dimInputs || d == dimOutputs }

// txn marks nodes created by one mutation. A node owned by the running
// mutation has not been published yet and may be edited in place; any other
// node is shared with readers and must be cloned first. The field gives the
// struct a non-zero size so distinct transactions never share an address.
type txn struct{ _ uint8 }

// node is either a *branch (function, parameters, target, inputs) or a
// *leaf (outputs).
type node interface {
	match(p *probe, d dimension) bool
	nodes() int
}

// branch pivots on one dimension. Rules leaving the dimension unconstrained
// live under wildcard; constrained rules live under children keyed by their
// value (scalar dimensions, exact spec sets) or in partial (subset-matching
// spec sets, scanned linearly).
type branch struct {
	owner    *txn
	wildcard node
	children map[string]node
	partial  []partialChild
}

type partialChild struct {
	key   string
	set   *domain.SpecSet
	child node
}

// leaf is the outputs level. A rule appears here as a count, so the same
// path may be contributed more than once and removed one contribution at a
// time.
type leaf struct {
	owner    *txn
	wildcard int
	exact    map[string]int
	partial  []partialCount
}

type partialCount struct {
	key   string
	set   *domain.SpecSet
	count int
}

func newBranch(t *txn) *branch {
	return &branch{owner: t, children: make(map[string]node)}
}

func newLeaf(t *txn) *leaf {
	return &leaf{owner: t, exact: make(map[string]int)}
}

// editable returns b itself when t owns it, otherwise a shallow copy owned
// by t. Children are shared with the original until they are edited.
func (b *branch) editable(t *txn) *branch {
	if b.owner == t {
		return b
	}
	c := &branch{
		owner:    t,
		wildcard: b.wildcard,
		children: maps.Clone(b.children),
		partial:  slices.Clone(b.partial),
	}
	if c.children == nil {
		c.children = make(map[string]node)
	}
	return c
}

func (l *leaf) editable(t *txn) *leaf {
	if l.owner == t {
		return l
	}
	c := &leaf{
		owner:    t,
		wildcard: l.wildcard,
		exact:    maps.Clone(l.exact),
		partial:  slices.Clone(l.partial),
	}
	if c.exact == nil {
		c.exact = make(map[string]int)
	}
	return c
}

func (b *branch) empty() bool {
	return b.wildcard == nil && len(b.children) == 0 && len(b.partial) == 0
}

func (l *leaf) empty() bool {
	return l.wildcard == 0 && len(l.exact) == 0 && len(l.partial) == 0
}

func (b *branch) findPartial(key string) int {
	for i, pc := range b.partial {
		if pc.key == key {
			return i
		}
	}
	return -1
}

func (l *leaf) findPartial(key string) int {
	for i, pc := range l.partial {
		if pc.key == key {
			return i
		}
	}
	return -1
}

// pivot extracts the rule's constraint for dimension d.
func pivot(r domain.Rule, d dimension) (key string, set *domain.SpecSet, wildcard bool) {
	switch d {
	case dimFunction:
		return r.FunctionID, nil, r.FunctionID == ""
	case dimParameters:
		return r.Parameters, nil, r.Parameters == ""
	case dimTarget:
		return r.Target, nil, r.Target == ""
	case dimInputs:
		if r.Inputs == nil {
			return "", nil, true
		}
		return r.Inputs.Key(), r.Inputs, false
	default:
		if r.Outputs == nil {
			return "", nil, true
		}
		return r.Outputs.Key(), r.Outputs, false
	}
}

// insert adds one contribution of r below n (nil for a missing subtree) and
// returns the node that replaces n.
func insert(t *txn, n node, r domain.Rule, d dimension) node {
	key, set, wildcard := pivot(r, d)

	if d == dimOutputs {
		var l *leaf
		if n == nil {
			l = newLeaf(t)
		} else {
			l = n.(*leaf).editable(t)
		}
		switch {
		case wildcard:
			l.wildcard++
		case set.IsPartial():
			if i := l.findPartial(key); i >= 0 {
				l.partial[i].count++
			} else {
				l.partial = append(l.partial, partialCount{key: key, set: set, count: 1})
			}
		default:
			l.exact[key]++
		}
		return l
	}

	var b *branch
	if n == nil {
		b = newBranch(t)
	} else {
		b = n.(*branch).editable(t)
	}
	switch {
	case wildcard:
		b.wildcard = insert(t, b.wildcard, r, d+1)
	case set != nil && set.IsPartial():
		if i := b.findPartial(key); i >= 0 {
			b.partial[i].child = insert(t, b.partial[i].child, r, d+1)
		} else {
			b.partial = append(b.partial, partialChild{key: key, set: set, child: insert(t, nil, r, d+1)})
		}
	default:
		b.children[key] = insert(t, b.children[key], r, d+1)
	}
	return b
}

// erase removes one contribution of r below n. It returns the replacement
// for n, which is nil when the subtree became empty. When r is not present
// it returns n unchanged and ErrRuleNotIndexed; nothing reachable from a
// published root is modified in that case.
func erase(t *txn, n node, r domain.Rule, d dimension) (node, error) {
	if n == nil {
		return nil, ErrRuleNotIndexed
	}
	key, set, wildcard := pivot(r, d)

	if d == dimOutputs {
		l := n.(*leaf)
		switch {
		case wildcard:
			if l.wildcard == 0 {
				return n, ErrRuleNotIndexed
			}
			l = l.editable(t)
			l.wildcard--
		case set.IsPartial():
			i := l.findPartial(key)
			if i < 0 {
				return n, ErrRuleNotIndexed
			}
			l = l.editable(t)
			if l.partial[i].count--; l.partial[i].count == 0 {
				l.partial = slices.Delete(l.partial, i, i+1)
			}
		default:
			if l.exact[key] == 0 {
				return n, ErrRuleNotIndexed
			}
			l = l.editable(t)
			if l.exact[key]--; l.exact[key] == 0 {
				delete(l.exact, key)
			}
		}
		if l.empty() {
			return nil, nil
		}
		return l, nil
	}

	b := n.(*branch)
	switch {
	case wildcard:
		child, err := erase(t, b.wildcard, r, d+1)
		if err != nil {
			return n, err
		}
		b = b.editable(t)
		b.wildcard = child
	case set != nil && set.IsPartial():
		i := b.findPartial(key)
		if i < 0 {
			return n, ErrRuleNotIndexed
		}
		child, err := erase(t, b.partial[i].child, r, d+1)
		if err != nil {
			return n, err
		}
		b = b.editable(t)
		if child == nil {
			b.partial = slices.Delete(b.partial, i, i+1)
		} else {
			b.partial[i].child = child
		}
	default:
		child, err := erase(t, b.children[key], r, d+1)
		if err != nil {
			return n, err
		}
		b = b.editable(t)
		if child == nil {
			delete(b.children, key)
		} else {
			b.children[key] = child
		}
	}
	if b.empty() {
		return nil, nil
	}
	return b, nil
}

func (b *branch) match(p *probe, d dimension) bool {
	// Wildcard first: rules unconstrained here match whatever the query
	// says about this dimension, including nothing.
	if b.wildcard != nil && b.wildcard.match(p, d+1) {
		return true
	}
	if !p.relevant[d] {
		return false
	}
	if !d.isSet() {
		child := b.children[p.scalars[d]]
		return child != nil && child.match(p, d+1)
	}
	op := p.operand(d)
	if child := b.children[op.key]; child != nil && child.match(p, d+1) {
		return true
	}
	for _, pc := range b.partial {
		if pc.set.SubsetOf(op.memberSet()) && pc.child.match(p, d+1) {
			return true
		}
	}
	return false
}

func (l *leaf) match(p *probe, d dimension) bool {
	if l.wildcard > 0 {
		return true
	}
	if !p.relevant[d] {
		return false
	}
	op := p.operand(d)
	if l.exact[op.key] > 0 {
		return true
	}
	for _, pc := range l.partial {
		if pc.set.SubsetOf(op.memberSet()) {
			return true
		}
	}
	return false
}

func (b *branch) nodes() int {
	n := 1
	if b.wildcard != nil {
		n += b.wildcard.nodes()
	}
	for _, c := range b.children {
		n += c.nodes()
	}
	for _, pc := range b.partial {
		n += pc.child.nodes()
	}
	return n
}

func (l *leaf) nodes() int { return 1 }
