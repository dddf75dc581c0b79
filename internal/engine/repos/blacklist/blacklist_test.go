package blacklist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-blacklist/internal/engine/common/clock"
	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	ruleF1  = domain.FunctionRule(domain.Function{ID: "F1"})
	ruleF2  = domain.FunctionRule(domain.Function{ID: "F2"})
	ruleSEC = domain.TargetRule("SEC~1")
)

// --- fakes ---

type recordingListener struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (l *recordingListener) HandleChange(c domain.Change, _ executor.Executor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *recordingListener) all() []domain.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Change(nil), l.changes...)
}

type panickingListener struct{}

func (panickingListener) HandleChange(domain.Change, executor.Executor) { panic("boom") }

type countingObserver struct {
	mu       sync.Mutex
	modified int
	expired  int
	rules    int
}

func (o *countingObserver) Modified(_ string, rules int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modified++
	o.rules = rules
}

func (o *countingObserver) Expired(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired += n
}

func newTestBlacklist(t *testing.T) (*Blacklist, *clock.MockClock, *recordingListener) {
	t.Helper()
	clk := &clock.MockClock{CurrentTime: t0}
	b := New("default", Options{DefaultTTL: time.Minute, Clock: clk})
	t.Cleanup(b.Close)
	l := &recordingListener{}
	b.Subscribe(l)
	return b, clk, l
}

func TestBlacklist_CountIncrementsOncePerLogicalChange(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, b.AddRules(ctx, []domain.Rule{ruleF1, ruleF2, ruleSEC}, 0))
	assert.Equal(t, uint64(1), b.ModificationCount())
	require.Len(t, l.all(), 1)
	assert.Len(t, l.all()[0].Added, 3)
	assert.Equal(t, uint64(1), l.all()[0].ModificationCount)
	assert.Equal(t, "default", l.all()[0].Name)

	// re-adding refreshes expiry without a notification
	require.NoError(t, b.AddRule(ctx, ruleF1, 0))
	assert.Equal(t, uint64(1), b.ModificationCount())

	// removing an absent rule is a no-op
	require.NoError(t, b.RemoveRule(ctx, domain.TargetRule("nope")))
	assert.Equal(t, uint64(1), b.ModificationCount())
	assert.Len(t, l.all(), 1)

	require.NoError(t, b.RemoveRules(ctx, []domain.Rule{ruleF1, ruleF2}))
	assert.Equal(t, uint64(2), b.ModificationCount())
	changes := l.all()
	require.Len(t, changes, 2)
	assert.ElementsMatch(t, []domain.Rule{ruleF1, ruleF2}, changes[1].Removed)
	assert.Empty(t, changes[1].Added)
	assert.Equal(t, []domain.Rule{ruleSEC}, b.Rules())
}

func TestBlacklist_UpdateBatchesNestedMutations(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	ctx := context.Background()
	require.NoError(t, b.AddRule(ctx, ruleSEC, 0))

	err := b.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Add(ruleF1, 0))
		require.NoError(t, tx.Add(ruleF2, 0))
		tx.Remove(ruleF2)
		tx.Remove(ruleSEC)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), b.ModificationCount())
	changes := l.all()
	require.Len(t, changes, 2)
	assert.Equal(t, []domain.Rule{ruleF1}, changes[1].Added, "an add cancelled by a remove is not reported")
	assert.Equal(t, []domain.Rule{ruleSEC}, changes[1].Removed)
}

func TestBlacklist_UpdateWithoutNetChangeIsSilent(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	err := b.Update(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.Add(ruleF1, 0))
		tx.Remove(ruleF1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.ModificationCount())
	assert.Empty(t, l.all())
}

func TestBlacklist_UpdateErrorKeepsAppliedChanges(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	boom := fmt.Errorf("boom")
	err := b.Update(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.Add(ruleF1, 0))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), b.ModificationCount())
	assert.Len(t, l.all(), 1)
}

func TestBlacklist_TTLExpiryNotifiesOnce(t *testing.T) {
	b, clk, l := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, b.AddRule(ctx, ruleF1, 60*time.Second))
	require.NoError(t, b.AddRule(ctx, ruleF2, 120*time.Second))
	assert.Equal(t, 1, clk.Pending(), "one timer for the earliest expiry")

	clk.Advance(59 * time.Second)
	assert.Len(t, b.Rules(), 2)

	clk.Advance(time.Second)
	assert.Equal(t, []domain.Rule{ruleF2}, b.Rules())
	changes := l.all()
	require.Len(t, changes, 3)
	assert.Equal(t, []domain.Rule{ruleF1}, changes[2].Removed)
	assert.Equal(t, uint64(3), changes[2].ModificationCount)

	clk.Advance(time.Hour)
	assert.Empty(t, b.Rules())
	assert.Len(t, l.all(), 4)
	assert.Equal(t, 0, clk.Pending(), "no timer while empty")
}

func TestBlacklist_OverdueExpiryHasItsOwnCount(t *testing.T) {
	b, clk, l := newTestBlacklist(t)
	ctx := context.Background()
	require.NoError(t, b.AddRule(ctx, ruleF1, 60*time.Second))

	// The expiry timer has not fired yet when the next write arrives.
	clk.CurrentTime = t0.Add(2 * time.Minute)
	require.NoError(t, b.AddRules(ctx, []domain.Rule{ruleF1, ruleF2}, 0))

	changes := l.all()
	require.Len(t, changes, 3)
	assert.Equal(t, uint64(2), changes[1].ModificationCount)
	assert.Equal(t, []domain.Rule{ruleF1}, changes[1].Removed)
	assert.Empty(t, changes[1].Added)
	assert.Equal(t, uint64(3), changes[2].ModificationCount)
	assert.Equal(t, []domain.Rule{ruleF1, ruleF2}, changes[2].Added)
	assert.Empty(t, changes[2].Removed)
	assert.Equal(t, uint64(3), b.ModificationCount())
	assert.Equal(t, []domain.Rule{ruleF1, ruleF2}, b.Rules())
}

func TestBlacklist_ReAddRefreshesExpiry(t *testing.T) {
	b, clk, l := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, b.AddRule(ctx, ruleF1, 60*time.Second))
	clk.Advance(30 * time.Second)
	require.NoError(t, b.AddRule(ctx, ruleF1, 60*time.Second))

	clk.Advance(40 * time.Second)
	assert.Equal(t, []domain.Rule{ruleF1}, b.Rules(), "expiry moved to t+90s")
	assert.Len(t, l.all(), 1)

	clk.Advance(20 * time.Second)
	assert.Empty(t, b.Rules())
	assert.Len(t, l.all(), 2)
}

func TestBlacklist_EarlyRemovalDoesNotNotifyAgainOnExpiry(t *testing.T) {
	b, clk, l := newTestBlacklist(t)
	ctx := context.Background()

	require.NoError(t, b.AddRule(ctx, ruleF1, 60*time.Second))
	require.NoError(t, b.RemoveRule(ctx, ruleF1))
	clk.Advance(2 * time.Minute)
	assert.Len(t, l.all(), 2)
	assert.Equal(t, uint64(2), b.ModificationCount())
}

func TestBlacklist_DefaultTTL(t *testing.T) {
	b, clk, _ := newTestBlacklist(t)
	require.NoError(t, b.AddRule(context.Background(), ruleF1, 0))
	clk.Advance(time.Minute - time.Second)
	assert.Len(t, b.Rules(), 1)
	clk.Advance(time.Second)
	assert.Empty(t, b.Rules())

	assert.Equal(t, DefaultTTL, New("x", Options{}).DefaultTTL())
}

func TestBlacklist_Snapshot(t *testing.T) {
	b, _, _ := newTestBlacklist(t)
	ctx := context.Background()
	require.NoError(t, b.AddRules(ctx, []domain.Rule{ruleF2, ruleF1}, 30*time.Second))

	snap, unchanged, err := b.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.False(t, unchanged)
	assert.Equal(t, uint64(1), snap.ModificationCount)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, t0.Add(30*time.Second), snap.Entries[0].ExpiresAt)
	assert.Equal(t, b.Rules(), snap.Rules())

	snap, unchanged, err = b.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.True(t, unchanged)
	assert.Empty(t, snap.Entries)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = b.Snapshot(cancelled, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlacklist_EpochIdentifiesInstance(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	ctx := context.Background()
	require.NotEmpty(t, b.Epoch())
	require.NoError(t, b.AddRule(ctx, ruleF1, 0))

	snap, _, err := b.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, b.Epoch(), snap.Epoch)
	snap, unchanged, err := b.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, unchanged)
	assert.Equal(t, b.Epoch(), snap.Epoch)
	assert.Equal(t, b.Epoch(), l.all()[0].Epoch)

	other := New("default", Options{})
	defer other.Close()
	assert.NotEqual(t, b.Epoch(), other.Epoch(), "a restarted blacklist gets a new epoch")
}

func TestBlacklist_InvalidRuleRejected(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	bad := domain.Rule{Inputs: domain.Exactly(domain.ValueSpec{Target: "x"})}
	err := b.AddRules(context.Background(), []domain.Rule{ruleF1, bad}, 0)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Empty(t, b.Rules(), "nothing from a rejected call is applied")
	assert.Empty(t, l.all())
}

func TestBlacklist_UnsubscribeAndPanickingListener(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	ctx := context.Background()
	b.Subscribe(panickingListener{})
	other := &recordingListener{}
	b.Subscribe(other)

	require.NoError(t, b.AddRule(ctx, ruleF1, 0))
	assert.Len(t, l.all(), 1)
	assert.Len(t, other.all(), 1, "a panicking listener does not starve later ones")

	b.Unsubscribe(other)
	require.NoError(t, b.AddRule(ctx, ruleF2, 0))
	assert.Len(t, l.all(), 2)
	assert.Len(t, other.all(), 1)
}

type readingListener struct {
	b      *Blacklist
	counts []uint64
}

func (r *readingListener) HandleChange(c domain.Change, _ executor.Executor) {
	snap, _, _ := r.b.Snapshot(context.Background(), 0)
	r.counts = append(r.counts, snap.ModificationCount)
}

func TestBlacklist_ListenerMayReadDuringDelivery(t *testing.T) {
	b, _, _ := newTestBlacklist(t)
	r := &readingListener{b: b}
	b.Subscribe(r)
	require.NoError(t, b.AddRule(context.Background(), ruleF1, 0))
	assert.Equal(t, []uint64{1}, r.counts)
}

func TestBlacklist_ConcurrentWritersDeliverInCountOrder(t *testing.T) {
	b, _, l := newTestBlacklist(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				r := domain.FunctionRule(domain.Function{ID: fmt.Sprintf("G%d-%d", g, i)})
				assert.NoError(t, b.AddRule(ctx, r, 0))
			}
		}(g)
	}
	wg.Wait()

	changes := l.all()
	require.Len(t, changes, 200)
	for i, c := range changes {
		assert.Equal(t, uint64(i+1), c.ModificationCount)
	}
	assert.Equal(t, 200, b.Len())
}

func TestBlacklist_Closed(t *testing.T) {
	b, clk, _ := newTestBlacklist(t)
	require.NoError(t, b.AddRule(context.Background(), ruleF1, time.Second))
	b.Close()
	b.Close()
	assert.Equal(t, 0, clk.Pending())
	assert.ErrorIs(t, b.AddRule(context.Background(), ruleF2, 0), ErrClosed)
	assert.Equal(t, []domain.Rule{ruleF1}, b.Rules())
}

func TestBlacklist_ObserverSeesModificationsAndExpiry(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: t0}
	obs := &countingObserver{}
	b := New("obs", Options{Clock: clk, Observer: obs})
	defer b.Close()

	require.NoError(t, b.AddRules(context.Background(), []domain.Rule{ruleF1, ruleF2}, time.Second))
	clk.Advance(time.Second)
	assert.Equal(t, 2, obs.modified)
	assert.Equal(t, 2, obs.expired)
	assert.Equal(t, 0, obs.rules)
}

func TestUpdateBatch(t *testing.T) {
	var u updateBatch
	u.begin()
	u.begin()
	u.added(ruleF1)
	u.removed(ruleSEC)
	_, _, done := u.end()
	assert.False(t, done)
	u.added(ruleF2)
	u.removed(ruleF2)
	u.added(ruleF2)
	added, removed, done := u.end()
	assert.True(t, done)
	assert.Equal(t, []domain.Rule{ruleF1, ruleF2}, added)
	assert.Equal(t, []domain.Rule{ruleSEC}, removed)

	u.begin()
	added, removed, done = u.end()
	assert.True(t, done)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	assert.Panics(t, func() { u.end() })
}

func TestTTLRuleSet_CompactsStaleItems(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: t0}
	s := newTTLRuleSet(clk, func() {})
	for i := 0; i < 100; i++ {
		s.add(ruleF1, t0.Add(time.Duration(i+1)*time.Second))
	}
	assert.Equal(t, 1, s.len())
	assert.LessOrEqual(t, len(s.expiry), 2*s.len()+17)

	assert.Empty(t, s.sweep(t0.Add(99*time.Second)))
	assert.Equal(t, []domain.Rule{ruleF1}, s.sweep(t0.Add(100*time.Second)))
}
