package replica

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

var (
	ruleF1 = domain.FunctionRule(domain.Function{ID: "F1"})
	ruleF2 = domain.FunctionRule(domain.Function{ID: "F2"})
)

// --- fakes ---

type fakeSource struct {
	mu     sync.Mutex
	snap   domain.Snapshot
	next   []domain.Snapshot // replaces snap, one per call
	err    error
	calls  int
	knowns []uint64
}

func (s *fakeSource) Snapshot(_ context.Context, known uint64) (domain.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.knowns = append(s.knowns, known)
	if s.err != nil {
		return domain.Snapshot{}, false, s.err
	}
	if len(s.next) > 0 {
		s.snap, s.next = s.next[0], s.next[1:]
	}
	if known != 0 && known == s.snap.ModificationCount {
		return domain.Snapshot{Epoch: s.snap.Epoch, ModificationCount: known}, true, nil
	}
	return s.snap, false, nil
}

type fakeApplier struct {
	applied  []domain.Change
	resets   []domain.Snapshot
	applyErr error
}

func (a *fakeApplier) Apply(c domain.Change) error {
	if a.applyErr != nil {
		return a.applyErr
	}
	a.applied = append(a.applied, c)
	return nil
}

func (a *fakeApplier) Reset(s domain.Snapshot) error {
	a.resets = append(a.resets, s)
	return nil
}

// queueExecutor holds tasks until run is called.
type queueExecutor struct {
	tasks []func()
}

func (q *queueExecutor) Submit(task func()) { q.tasks = append(q.tasks, task) }

func (q *queueExecutor) run() {
	tasks := q.tasks
	q.tasks = nil
	for _, t := range tasks {
		t()
	}
}

type countingObserver struct{ resynced, dropped int }

func (o *countingObserver) Resynced(string) { o.resynced++ }
func (o *countingObserver) Dropped(string)  { o.dropped++ }

func change(count uint64, added ...domain.Rule) domain.Change {
	return domain.Change{Name: "default", ModificationCount: count, Added: added}
}

func snapshot(count uint64, rules ...domain.Rule) domain.Snapshot {
	return domain.Snapshot{Name: "default", ModificationCount: count, Entries: domain.EntriesOf(rules)}
}

func TestFollower_AppliesInOrderChanges(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})

	f.HandleChange(change(1, ruleF1), executor.Inline{})
	f.HandleChange(change(2, ruleF2), executor.Inline{})

	assert.Equal(t, uint64(2), f.ModificationCount())
	assert.Len(t, app.applied, 2)
	assert.Zero(t, src.calls, "no snapshot needed while in step")
}

func TestFollower_GapTriggersResync(t *testing.T) {
	src := &fakeSource{snap: snapshot(5, ruleF1, ruleF2)}
	app := &fakeApplier{}
	obs := &countingObserver{}
	f := New("default", src, app, Options{Observer: obs})
	exec := &queueExecutor{}

	f.HandleChange(change(1, ruleF1), exec)
	f.HandleChange(change(4, ruleF2), exec) // 2 and 3 were missed
	require.Len(t, exec.tasks, 1)
	assert.True(t, f.Resyncing())

	// changes arriving during the resync are dropped
	f.HandleChange(change(5), exec)
	assert.Len(t, exec.tasks, 1)
	assert.Equal(t, 1, obs.dropped)

	exec.run()
	assert.False(t, f.Resyncing())
	assert.Equal(t, uint64(5), f.ModificationCount())
	require.Len(t, app.resets, 1)
	assert.Equal(t, []domain.Rule{ruleF1, ruleF2}, app.resets[0].Rules())
	assert.Equal(t, []uint64{1}, src.knowns, "the fetch carries the last known count")
	assert.Equal(t, 1, obs.resynced)

	f.HandleChange(change(6, ruleF1), exec)
	assert.Empty(t, exec.tasks)
	assert.Equal(t, uint64(6), f.ModificationCount())
}

func TestFollower_LowerCountAlsoResyncs(t *testing.T) {
	// a restarted source starts counting again
	src := &fakeSource{snap: snapshot(1, ruleF2)}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})
	f.HandleChange(change(1), executor.Inline{})
	f.HandleChange(change(2), executor.Inline{})

	src.snap = snapshot(1, ruleF2)
	f.HandleChange(change(1, ruleF2), executor.Inline{})
	assert.Equal(t, uint64(1), f.ModificationCount())
	assert.Len(t, app.resets, 1)
}

func TestFollower_UnchangedSnapshotConverges(t *testing.T) {
	src := &fakeSource{snap: snapshot(3)}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})
	require.NoError(t, f.Sync(context.Background()))
	require.Len(t, app.resets, 1)

	require.NoError(t, f.Sync(context.Background()))
	assert.Len(t, app.resets, 1, "an unchanged reply installs nothing")
	assert.Equal(t, uint64(3), f.ModificationCount())
}

func TestFollower_ApplyErrorResyncs(t *testing.T) {
	src := &fakeSource{snap: snapshot(1, ruleF1)}
	app := &fakeApplier{applyErr: errors.New("rule not indexed")}
	f := New("default", src, app, Options{})

	f.HandleChange(change(1, ruleF1), executor.Inline{})
	assert.Len(t, app.resets, 1)
	assert.Equal(t, uint64(1), f.ModificationCount())
}

func TestFollower_FetchErrorLeavesReplicaStale(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})

	f.HandleChange(change(3), executor.Inline{})
	assert.False(t, f.Resyncing(), "a failed fetch ends the resync")
	assert.Equal(t, uint64(0), f.ModificationCount())
	assert.Empty(t, app.resets)

	// the next notification retries
	src.err = nil
	src.snap = snapshot(4, ruleF1)
	f.HandleChange(change(4), executor.Inline{})
	assert.Equal(t, uint64(4), f.ModificationCount())
	assert.Equal(t, 2, src.calls)

	err := func() error {
		src.err = errors.New("boom")
		return f.Sync(context.Background())
	}()
	assert.EqualError(t, err, "boom")
}

func TestFollower_RefetchesWhenDroppedChangesOutrunSnapshot(t *testing.T) {
	src := &fakeSource{next: []domain.Snapshot{snapshot(3, ruleF1), snapshot(4, ruleF1, ruleF2)}}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})
	exec := &queueExecutor{}

	f.HandleChange(change(2), exec)
	f.HandleChange(change(4, ruleF2), exec) // dropped, and newer than the first snapshot
	exec.run()

	assert.False(t, f.Resyncing())
	assert.Equal(t, uint64(4), f.ModificationCount())
	require.Len(t, app.resets, 2)
	assert.Equal(t, []domain.Rule{ruleF1, ruleF2}, app.resets[1].Rules())
	assert.Equal(t, []uint64{0, 3}, src.knowns)
}

func TestFollower_RefetchIsBounded(t *testing.T) {
	src := &fakeSource{snap: snapshot(3, ruleF1)}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})
	exec := &queueExecutor{}

	f.HandleChange(change(2), exec)
	f.HandleChange(change(9), exec)
	exec.run()

	assert.False(t, f.Resyncing())
	assert.Equal(t, maxSyncRounds, src.calls)
	assert.Len(t, app.resets, 1)
	assert.Equal(t, uint64(3), f.ModificationCount())
}

func TestFollower_RestartedSourceAtSameCount(t *testing.T) {
	before := snapshot(2, ruleF1)
	before.Epoch = "a"
	src := &fakeSource{snap: before}
	app := &fakeApplier{}
	f := New("default", src, app, Options{})
	require.NoError(t, f.Sync(context.Background()))

	after := snapshot(2, ruleF2)
	after.Epoch = "b"
	src.snap = after
	require.NoError(t, f.Sync(context.Background()))
	require.Len(t, app.resets, 2, "an unchanged reply from another epoch is not trusted")
	assert.Equal(t, []domain.Rule{ruleF2}, app.resets[1].Rules())
	assert.Equal(t, []uint64{0, 2, 0}, src.knowns)

	// The next count, but numbered by yet another instance.
	restarted := snapshot(3, ruleF1)
	restarted.Epoch = "c"
	src.snap = restarted
	next := change(3, ruleF1)
	next.Epoch = "c"
	f.HandleChange(next, executor.Inline{})
	assert.Empty(t, app.applied)
	require.Len(t, app.resets, 3)
	assert.Equal(t, uint64(3), f.ModificationCount())

	same := change(4, ruleF2)
	same.Epoch = "c"
	f.HandleChange(same, executor.Inline{})
	assert.Len(t, app.applied, 1, "changes of the current epoch apply in place")
}
