// Package ruleindex answers "does any stored rule match this computation?"
// in sub-linear time.
//
// Rules are stored in a five-level pivot tree (function id, parameters,
// target, inputs, outputs). Reads are lock-free: the root is published
// through an atomic pointer and published nodes are never modified, so a
// reader always sees a complete tree. Writers serialize on a mutex, clone the
// path they touch, and publish a new root.
package ruleindex

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// ErrRuleNotIndexed is returned when removing a rule the index does not
// hold. It means the caller's bookkeeping is out of step with the index.
var ErrRuleNotIndexed = errors.New("rule not indexed")

// tree is an immutable published state.
type tree struct {
	root node // nil when empty
	size int
}

// Index is a concurrent rule index. The zero value is not usable; call New.
type Index struct {
	mu     sync.Mutex
	state  atomic.Pointer[tree]
	logger log.Logger
}

// New returns an empty index.
func New(logger log.Logger) *Index {
	ix := &Index{logger: logger}
	ix.state.Store(&tree{})
	return ix
}

// Add indexes rules. Adding a rule that is already present adds another
// contribution; each contribution needs its own Remove.
func (ix *Index) Add(rules ...domain.Rule) {
	if len(rules) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.state.Load()
	t := &txn{}
	root := cur.root
	for _, r := range rules {
		r = r.Normalize()
		ix.warnPartial(r)
		root = insert(t, root, r, dimFunction)
	}
	ix.state.Store(&tree{root: root, size: cur.size + len(rules)})
}

// Remove drops one contribution of each rule. If any rule is not indexed,
// nothing is removed and the returned error wraps ErrRuleNotIndexed.
func (ix *Index) Remove(rules ...domain.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.state.Load()
	t := &txn{}
	root := cur.root
	for _, r := range rules {
		r = r.Normalize()
		next, err := erase(t, root, r, dimFunction)
		if err != nil {
			return fmt.Errorf("removing %s: %w", r, err)
		}
		root = next
	}
	ix.state.Store(&tree{root: root, size: cur.size - len(rules)})
	return nil
}

// Replace discards the current contents and indexes rules. The new tree is
// built privately and published in one step.
func (ix *Index) Replace(rules []domain.Rule) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	t := &txn{}
	var root node
	for _, r := range rules {
		r = r.Normalize()
		ix.warnPartial(r)
		root = insert(t, root, r, dimFunction)
	}
	ix.state.Store(&tree{root: root, size: len(rules)})
}

// Len returns the number of indexed rule contributions.
func (ix *Index) Len() int { return ix.state.Load().size }

// IsEmpty reports whether no rule is indexed. An empty index matches nothing.
func (ix *Index) IsEmpty() bool { return ix.state.Load().root == nil }

// NodeCount returns the number of tree nodes. Used to check that removals
// collapse empty paths.
func (ix *Index) NodeCount() int {
	root := ix.state.Load().root
	if root == nil {
		return 0
	}
	return root.nodes()
}

// IsFunctionBlacklisted reports whether fn is blacklisted regardless of
// target, inputs and outputs.
func (ix *Index) IsFunctionBlacklisted(fn domain.Function) bool {
	root := ix.state.Load().root
	if root == nil {
		return false
	}
	p := probe{}
	p.relevant[dimFunction] = true
	p.relevant[dimParameters] = true
	p.scalars[dimFunction] = fn.ID
	p.scalars[dimParameters] = fn.Parameters
	return root.match(&p, dimFunction)
}

// IsTargetBlacklisted reports whether every computation on target is
// blacklisted.
func (ix *Index) IsTargetBlacklisted(target string) bool {
	root := ix.state.Load().root
	if root == nil {
		return false
	}
	p := probe{}
	p.relevant[dimTarget] = true
	p.scalars[dimTarget] = target
	return root.match(&p, dimFunction)
}

// IsFunctionTargetBlacklisted reports whether fn is blacklisted on target
// regardless of inputs and outputs.
func (ix *Index) IsFunctionTargetBlacklisted(fn domain.Function, target string) bool {
	root := ix.state.Load().root
	if root == nil {
		return false
	}
	p := probe{}
	p.relevant[dimFunction] = true
	p.relevant[dimParameters] = true
	p.relevant[dimTarget] = true
	p.scalars[dimFunction] = fn.ID
	p.scalars[dimParameters] = fn.Parameters
	p.scalars[dimTarget] = target
	return root.match(&p, dimFunction)
}

// IsJobBlacklisted reports whether the fully described computation is
// blacklisted.
func (ix *Index) IsJobBlacklisted(fn domain.Function, target string, inputs, outputs []domain.ValueSpec) bool {
	root := ix.state.Load().root
	if root == nil {
		return false
	}
	p := probe{}
	for d := range p.relevant {
		p.relevant[d] = true
	}
	p.scalars[dimFunction] = fn.ID
	p.scalars[dimParameters] = fn.Parameters
	p.scalars[dimTarget] = target
	p.inputs = operand{specs: inputs, key: domain.SpecsKey(inputs)}
	p.outputs = operand{specs: outputs, key: domain.SpecsKey(outputs)}
	return root.match(&p, dimFunction)
}

// IsItemBlacklisted is IsJobBlacklisted for a job item.
func (ix *Index) IsItemBlacklisted(item domain.JobItem) bool {
	return ix.IsJobBlacklisted(item.Function(), item.Target, item.Inputs, item.Outputs)
}

func (ix *Index) warnPartial(r domain.Rule) {
	if r.HasPartialMatch() {
		ix.logger.Warn(map[string]any{"rule": r.String()},
			"partial-match rule registered, input/output lookups for its path fall back to a linear scan")
	}
}

// probe is the per-call query operand. Dimensions not relevant to the query
// form only follow wildcard branches.
type probe struct {
	relevant [dimensionCount]bool
	scalars  [dimInputs]string
	inputs   operand
	outputs  operand
}

func (p *probe) operand(d dimension) *operand {
	if d == dimInputs {
		return &p.inputs
	}
	return &p.outputs
}

type operand struct {
	specs   []domain.ValueSpec
	key     string
	members map[domain.ValueSpec]struct{}
}

// memberSet builds the membership map on first use; only partial-match
// rules need it.
func (o *operand) memberSet() map[domain.ValueSpec]struct{} {
	if o.members == nil {
		o.members = make(map[domain.ValueSpec]struct{}, len(o.specs))
		for _, s := range o.specs {
			o.members[s] = struct{}{}
		}
	}
	return o.members
}
