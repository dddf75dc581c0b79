// Package blacklist holds the authoritative rule sets.
//
// A Blacklist owns a TTL rule set, a modification count and a list of
// listeners. Every logical mutation that changes the rule set increments the
// count by exactly one and delivers one domain.Change to every listener, in
// count order. Expiry is a mutation like any other.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/rr-blacklist/internal/engine/common/clock"
	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// DefaultTTL applies when neither the call nor the blacklist names one.
const DefaultTTL = time.Hour

var (
	// ErrClosed is returned by mutations on a closed blacklist.
	ErrClosed = errors.New("blacklist closed")
	// ErrInvalidRule wraps rule validation failures.
	ErrInvalidRule = errors.New("invalid rule")
)

// Options configures a Blacklist. Zero fields take defaults: DefaultTTL,
// clock.RealClock, executor.Inline, a no-op logger and no metrics.
type Options struct {
	DefaultTTL time.Duration
	Clock      clock.Clock
	Executor   executor.Executor
	Logger     log.Logger
	Observer   Observer
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Executor == nil {
		o.Executor = executor.Inline{}
	}
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Blacklist is the local authority for one named rule set.
//
// Locking: mu serializes writers, stateMu guards the rule set and count for
// readers, and deliverMu keeps listener delivery in count order. A writer
// takes deliverMu before it releases mu, so changes are delivered in the
// order they were counted while readers stay free to run from listeners.
type Blacklist struct {
	name   string
	epoch  string
	opts   Options
	logger log.Logger

	mu        sync.Mutex
	batch     updateBatch
	closed    bool
	stateMu   sync.RWMutex
	rules     *ttlRuleSet
	count     atomic.Uint64
	deliverMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New returns an empty blacklist. Its expiry timer only exists while it
// holds rules; call Close to stop it.
func New(name string, opts Options) *Blacklist {
	opts = opts.withDefaults()
	b := &Blacklist{
		name:   name,
		epoch:  uuid.NewString(),
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"blacklist": name}),
	}
	b.rules = newTTLRuleSet(opts.Clock, b.expire)
	return b
}

// Name returns the blacklist name.
func (b *Blacklist) Name() string { return b.name }

// Epoch identifies this instance. It changes on every process start, so a
// replica can tell a restarted authority from one it is in step with even
// when their counts agree.
func (b *Blacklist) Epoch() string { return b.epoch }

// DefaultTTL returns the TTL used when a mutation does not name one.
func (b *Blacklist) DefaultTTL() time.Duration { return b.opts.DefaultTTL }

// ModificationCount returns the number of externally visible mutations.
func (b *Blacklist) ModificationCount() uint64 { return b.count.Load() }

// Rules returns the current rules in key order.
func (b *Blacklist) Rules() []domain.Rule {
	b.stateMu.RLock()
	entries := b.rules.snapshot()
	b.stateMu.RUnlock()
	sortEntries(entries)
	out := make([]domain.Rule, len(entries))
	for i, e := range entries {
		out[i] = e.Rule
	}
	return out
}

// Len returns the number of rules.
func (b *Blacklist) Len() int {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.rules.len()
}

// Snapshot returns the full state with a consistent modification count.
// When knownCount equals the current count it returns unchanged=true and an
// empty entry list.
func (b *Blacklist) Snapshot(ctx context.Context, knownCount uint64) (domain.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, false, err
	}
	b.stateMu.RLock()
	count := b.count.Load()
	if knownCount != 0 && knownCount == count {
		b.stateMu.RUnlock()
		return domain.Snapshot{Name: b.name, Epoch: b.epoch, ModificationCount: count}, true, nil
	}
	entries := b.rules.snapshot()
	b.stateMu.RUnlock()
	sortEntries(entries)
	return domain.Snapshot{Name: b.name, Epoch: b.epoch, ModificationCount: count, Entries: entries}, false, nil
}

// Subscribe registers l. Subscribing the same listener twice delivers twice.
func (b *Blacklist) Subscribe(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Unsubscribe removes one registration of l.
func (b *Blacklist) Unsubscribe(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	if i := slices.Index(b.listeners, l); i >= 0 {
		b.listeners = slices.Delete(b.listeners, i, i+1)
	}
}

// AddRule adds one rule. See AddRules.
func (b *Blacklist) AddRule(ctx context.Context, rule domain.Rule, ttl time.Duration) error {
	return b.AddRules(ctx, []domain.Rule{rule}, ttl)
}

// AddRules adds rules that expire after ttl (the blacklist default when
// ttl <= 0). Rules already present get their expiry refreshed and are not
// reported again. The whole call produces at most one notification.
func (b *Blacklist) AddRules(ctx context.Context, rules []domain.Rule, ttl time.Duration) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r, err)
		}
	}
	return b.Update(ctx, func(tx *Tx) error {
		for _, r := range rules {
			if err := tx.Add(r, ttl); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveRule removes one rule. See RemoveRules.
func (b *Blacklist) RemoveRule(ctx context.Context, rule domain.Rule) error {
	return b.RemoveRules(ctx, []domain.Rule{rule})
}

// RemoveRules removes rules. Rules that are not present are ignored.
func (b *Blacklist) RemoveRules(ctx context.Context, rules []domain.Rule) error {
	return b.Update(ctx, func(tx *Tx) error {
		for _, r := range rules {
			tx.Remove(r)
		}
		return nil
	})
}

// Tx is the mutation handle passed to Update. It is only valid inside the
// Update callback.
type Tx struct {
	b   *Blacklist
	now time.Time
}

// Add adds or refreshes r. ttl <= 0 selects the blacklist default.
func (tx *Tx) Add(r domain.Rule, ttl time.Duration) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r, err)
	}
	if ttl <= 0 {
		ttl = tx.b.opts.DefaultTTL
	}
	r = r.Normalize()
	b := tx.b
	b.batch.begin()
	if b.rules.add(r, tx.now.Add(ttl)) {
		b.batch.added(r)
	}
	b.batch.end()
	return nil
}

// Remove removes r if present.
func (tx *Tx) Remove(r domain.Rule) {
	r = r.Normalize()
	b := tx.b
	b.batch.begin()
	if b.rules.remove(r) {
		b.batch.removed(r)
	}
	b.batch.end()
}

// Update runs fn as one logical mutation: every add and remove it performs is
// reported in a single Change with a single count increment. Changes made
// before fn returns an error are kept and reported. Rules that expired since
// the last mutation are removed first, under a count of their own.
func (b *Blacklist) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	changes, err := b.mutate(fn)
	if len(changes) > 0 {
		defer b.deliverMu.Unlock()
		for _, c := range changes {
			b.deliver(c)
		}
	}
	return err
}

// mutate applies fn under the writer lock. When it returns changes the caller
// holds deliverMu and must deliver them in order and then release it.
func (b *Blacklist) mutate(fn func(tx *Tx) error) (changes []domain.Change, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	now := b.opts.Clock.Now()
	b.stateMu.Lock()
	expired := b.rules.sweep(now)
	if len(expired) > 0 {
		changes = append(changes, b.nextChange(nil, expired))
	}
	if fn != nil {
		b.batch.begin()
		err = fn(&Tx{b: b, now: now})
		added, removed, _ := b.batch.end()
		if len(added) > 0 || len(removed) > 0 {
			changes = append(changes, b.nextChange(added, removed))
		}
	}
	b.rules.arm(now)
	n := b.rules.len()
	b.stateMu.Unlock()

	if len(expired) > 0 {
		b.opts.Observer.Expired(b.name, len(expired))
		b.logger.Debug(map[string]any{"expired": len(expired)}, "rules expired")
	}
	if len(changes) == 0 {
		return nil, err
	}
	for range changes {
		b.opts.Observer.Modified(b.name, n)
	}
	b.deliverMu.Lock()
	return changes, err
}

// nextChange counts one modification. Callers hold stateMu.
func (b *Blacklist) nextChange(added, removed []domain.Rule) domain.Change {
	return domain.Change{
		Name:              b.name,
		Epoch:             b.epoch,
		ModificationCount: b.count.Add(1),
		Added:             added,
		Removed:           removed,
	}
}

// expire runs from the expiry timer.
func (b *Blacklist) expire() {
	if err := b.Update(context.Background(), nil); err != nil && !errors.Is(err, ErrClosed) {
		b.logger.Error(map[string]any{"error": err}, "expiry sweep failed")
	}
}

func (b *Blacklist) deliver(change domain.Change) {
	b.listenersMu.RLock()
	listeners := slices.Clone(b.listeners)
	b.listenersMu.RUnlock()
	for _, l := range listeners {
		b.safeDeliver(l, change)
	}
}

// safeDeliver keeps one failing listener from starving the others.
func (b *Blacklist) safeDeliver(l Listener, change domain.Change) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(map[string]any{
				"panic": r,
				"count": change.ModificationCount,
			}, "listener panicked")
		}
	}()
	l.HandleChange(change, b.opts.Executor)
}

// restore loads a persisted snapshot into an unpublished blacklist. Expired
// entries are dropped; the count resumes from the snapshot.
func (b *Blacklist) restore(snap domain.Snapshot) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	now := b.opts.Clock.Now()
	dropped := 0
	for _, e := range snap.Entries {
		if !e.ExpiresAt.After(now) || e.Rule.Validate() != nil {
			dropped++
			continue
		}
		b.rules.add(e.Rule.Normalize(), e.ExpiresAt)
	}
	b.count.Store(snap.ModificationCount)
	b.rules.arm(now)
	return dropped
}

// Close stops the expiry timer. Later mutations fail with ErrClosed; reads
// keep working.
func (b *Blacklist) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stateMu.Lock()
	b.rules.stop()
	b.stateMu.Unlock()
}

func sortEntries(entries []domain.Entry) {
	slices.SortFunc(entries, func(a, b domain.Entry) int {
		return strings.Compare(a.Rule.Key(), b.Rule.Key())
	})
}

var (
	_ Followable = (*Blacklist)(nil)
	_ RuleWriter = (*Blacklist)(nil)
)
