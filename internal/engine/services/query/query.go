// Package query answers blacklist questions for calculation nodes. A Query
// keeps a rule index in step with a blacklist, local or remote, and serves
// lookups from the index without locking.
package query

import (
	"context"
	"fmt"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
	"github.com/haukened/rr-blacklist/internal/engine/repos/ruleindex"
	"github.com/haukened/rr-blacklist/internal/engine/services/replica"
)

// Query is a lock-free view over a followed blacklist.
type Query struct {
	source   blacklist.Followable
	index    *ruleindex.Index
	follower *replica.Follower
	logger   log.Logger
}

// New subscribes to source and loads its current rules. The returned Query
// stays subscribed until Close.
func New(ctx context.Context, source blacklist.Followable, opts replica.Options) (*Query, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	q := &Query{
		source: source,
		index:  ruleindex.New(logger.With(map[string]any{"index": source.Name()})),
		logger: logger,
	}
	q.follower = replica.New(source.Name(), source, indexApplier{q.index}, opts)

	// Subscribe before the first sync so no change falls between the two;
	// changes seen before the sync completes are dropped and covered by it.
	source.Subscribe(q.follower)
	if err := q.follower.Sync(ctx); err != nil {
		source.Unsubscribe(q.follower)
		return nil, fmt.Errorf("loading blacklist %q: %w", source.Name(), err)
	}
	return q, nil
}

// Close stops following the blacklist. The index keeps its last state.
func (q *Query) Close() { q.source.Unsubscribe(q.follower) }

// Name returns the followed blacklist's name.
func (q *Query) Name() string { return q.source.Name() }

// ModificationCount returns the count of the state the index reflects.
func (q *Query) ModificationCount() uint64 { return q.follower.ModificationCount() }

// Refresh forces a resync with the followed blacklist.
func (q *Query) Refresh(ctx context.Context) error { return q.follower.Sync(ctx) }

// Len returns the number of indexed rules.
func (q *Query) Len() int { return q.index.Len() }

// IsEmpty reports whether no rule is indexed.
func (q *Query) IsEmpty() bool { return q.index.IsEmpty() }

// IsFunctionBlacklisted reports whether fn is blacklisted everywhere.
func (q *Query) IsFunctionBlacklisted(fn domain.Function) bool {
	return q.index.IsFunctionBlacklisted(fn)
}

// IsTargetBlacklisted reports whether every computation on target is
// blacklisted.
func (q *Query) IsTargetBlacklisted(target string) bool {
	return q.index.IsTargetBlacklisted(target)
}

// IsFunctionTargetBlacklisted reports whether fn is blacklisted on target.
func (q *Query) IsFunctionTargetBlacklisted(fn domain.Function, target string) bool {
	return q.index.IsFunctionTargetBlacklisted(fn, target)
}

// IsJobBlacklisted reports whether the fully described computation is
// blacklisted.
func (q *Query) IsJobBlacklisted(fn domain.Function, target string, inputs, outputs []domain.ValueSpec) bool {
	return q.index.IsJobBlacklisted(fn, target, inputs, outputs)
}

// IsItemBlacklisted reports whether item is blacklisted.
func (q *Query) IsItemBlacklisted(item domain.JobItem) bool {
	return q.index.IsItemBlacklisted(item)
}

// indexApplier maps replica operations onto the index.
type indexApplier struct {
	index *ruleindex.Index
}

func (a indexApplier) Apply(c domain.Change) error {
	if err := a.index.Remove(c.Removed...); err != nil {
		return err
	}
	a.index.Add(c.Added...)
	return nil
}

func (a indexApplier) Reset(s domain.Snapshot) error {
	a.index.Replace(s.Rules())
	return nil
}
