package bolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "bl.db")
}

func snapshot(count uint64, rules ...domain.Rule) domain.Snapshot {
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]domain.Entry, len(rules))
	for i, r := range rules {
		entries[i] = domain.Entry{Rule: r, ExpiresAt: expires}
	}
	return domain.Snapshot{Name: "default", ModificationCount: count, Entries: entries}
}

func TestBoltStore_SaveLoadAcrossReopen(t *testing.T) {
	path := tempDB(t)
	st, err := New(path)
	require.NoError(t, err)

	_, ok, err := st.Load("default")
	require.NoError(t, err)
	assert.False(t, ok, "empty db has no snapshot")

	snap := snapshot(3,
		domain.FunctionRule(domain.Function{ID: "F1", Parameters: "{a}"}),
		domain.Rule{Target: "SEC~1", Inputs: domain.Including(domain.ValueSpec{Name: "PV"})},
	)
	require.NoError(t, st.Save(snap))
	require.NoError(t, st.Close())

	st, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	got, ok, err := st.Load("default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.ModificationCount)
	require.Len(t, got.Entries, 2)
	for i := range snap.Entries {
		assert.True(t, snap.Entries[i].Rule.Equal(got.Entries[i].Rule))
		assert.True(t, snap.Entries[i].ExpiresAt.Equal(got.Entries[i].ExpiresAt))
	}

	names, err := st.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)
}

func TestBoltStore_IgnoresOlderSnapshots(t *testing.T) {
	st, err := New(tempDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	newer := snapshot(5, domain.TargetRule("T5"))
	older := snapshot(4, domain.TargetRule("T4"))
	require.NoError(t, st.Save(newer))
	require.NoError(t, st.Save(older))

	got, ok, err := st.Load("default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.ModificationCount)
	assert.Equal(t, []domain.Rule{domain.TargetRule("T5")}, got.Rules())
}

func TestBoltStore_OpenFailsOnLockedFile(t *testing.T) {
	path := tempDB(t)
	st, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = New(path)
	assert.Error(t, err, "bbolt holds an exclusive file lock")
}
