package blacklist

import "github.com/haukened/rr-blacklist/internal/engine/domain"

// updateBatch accumulates the rule set changes of one logical mutation.
// Nested begin/end pairs share the batch; only the outermost end yields the
// accumulated change. A rule added and removed within the same batch (or the
// reverse) cancels out.
type updateBatch struct {
	depth int
	order []string
	ops   map[string]pendingOp
}

type pendingOp struct {
	rule  domain.Rule
	added bool
}

func (u *updateBatch) begin() { u.depth++ }

func (u *updateBatch) added(r domain.Rule)   { u.record(r, true) }
func (u *updateBatch) removed(r domain.Rule) { u.record(r, false) }

func (u *updateBatch) record(r domain.Rule, added bool) {
	k := r.Key()
	if op, ok := u.ops[k]; ok {
		if op.added != added {
			delete(u.ops, k)
		}
		return
	}
	if u.ops == nil {
		u.ops = make(map[string]pendingOp)
	}
	u.ops[k] = pendingOp{rule: r, added: added}
	u.order = append(u.order, k)
}

// end closes one level. When it closes the outermost level it returns the
// net added and removed rules in report order and resets the batch; done is
// false while an enclosing level is still open.
func (u *updateBatch) end() (added, removed []domain.Rule, done bool) {
	if u.depth == 0 {
		panic("blacklist: updateBatch.end without begin")
	}
	u.depth--
	if u.depth > 0 {
		return nil, nil, false
	}
	for _, k := range u.order {
		op, ok := u.ops[k]
		if !ok {
			continue
		}
		delete(u.ops, k)
		if op.added {
			added = append(added, op.rule)
		} else {
			removed = append(removed, op.rule)
		}
	}
	u.order = u.order[:0]
	return added, removed, true
}
