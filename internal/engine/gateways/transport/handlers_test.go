package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist/lru"
)

type recordingFailures struct {
	items []domain.JobItem
}

func (r *recordingFailures) FailedJobItem(ctx context.Context, item domain.JobItem) error {
	return r.FailedJobItems(ctx, []domain.JobItem{item})
}

func (r *recordingFailures) FailedJobItems(_ context.Context, items []domain.JobItem) error {
	r.items = append(r.items, items...)
	return nil
}

func startAuthority(t *testing.T, a *Authority) *Client {
	t.Helper()
	s := NewServer("tcp", "127.0.0.1:0", 0, log.NewNoopLogger())
	a.Register(s)
	return startServer(t, s)
}

func TestAuthority_AddSnapshotRemove(t *testing.T) {
	p := newProvider(t)
	cache, err := lru.New(8)
	require.NoError(t, err)
	c := startAuthority(t, &Authority{Provider: p, Cache: cache, NotifyURL: "ws://auth/subscribe"})
	ctx := context.Background()

	rule := domain.Rule{FunctionID: "F1", Outputs: domain.Exactly(domain.ValueSpec{Name: "PV"})}
	require.NoError(t, c.Call(ctx, wire.ActionAdd, wire.AddRequest{
		Action: wire.ActionAdd, Name: "default", Rules: wire.FromRules([]domain.Rule{rule}), TTLSeconds: 60,
	}, nil))

	var reply wire.SnapshotReply
	req := wire.SnapshotRequest{Action: wire.ActionSnapshot, Name: "default"}
	require.NoError(t, c.Call(ctx, wire.ActionSnapshot, req, &reply))
	assert.Equal(t, uint64(1), reply.ModificationCount)
	assert.Equal(t, "ws://auth/subscribe", reply.NotifyURL)
	assert.False(t, reply.Unchanged)
	snap, err := reply.ToDomain()
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.True(t, rule.Equal(snap.Entries[0].Rule))

	require.NoError(t, c.Call(ctx, wire.ActionSnapshot, req, &reply))
	hits, _, _ := cache.Stats()
	assert.Equal(t, uint64(1), hits, "second full snapshot at the same count is served from cache")

	req.KnownCount = 1
	reply = wire.SnapshotReply{}
	require.NoError(t, c.Call(ctx, wire.ActionSnapshot, req, &reply))
	assert.True(t, reply.Unchanged)
	assert.Empty(t, reply.Entries)

	require.NoError(t, c.Call(ctx, wire.ActionRemove, wire.RemoveRequest{
		Action: wire.ActionRemove, Name: "default", Rules: wire.FromRules([]domain.Rule{rule}),
	}, nil))
	b, ok := p.Lookup("default")
	require.True(t, ok)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(2), b.ModificationCount())

	var names wire.NamesReply
	require.NoError(t, c.Call(ctx, wire.ActionNames, wire.NamesRequest{Action: wire.ActionNames}, &names))
	assert.Equal(t, []string{"default"}, names.Names)
}

func TestAuthority_Errors(t *testing.T) {
	c := startAuthority(t, &Authority{Provider: newProvider(t)})
	ctx := context.Background()

	err := c.Call(ctx, wire.ActionSnapshot, wire.SnapshotRequest{Action: wire.ActionSnapshot}, nil)
	assert.ErrorContains(t, err, ErrMissingName.Error())

	bad := wire.AddRequest{Action: wire.ActionAdd, Name: "default", Rules: []wire.Rule{
		{FunctionID: "F1", Inputs: &wire.SpecSet{Mode: "fuzzy"}},
	}}
	assert.ErrorContains(t, c.Call(ctx, wire.ActionAdd, bad, nil), "rule 0")

	fail := wire.FailRequest{Action: wire.ActionFail, Items: []wire.JobItem{{FunctionID: "F1", Target: "T"}}}
	assert.ErrorContains(t, c.Call(ctx, wire.ActionFail, fail, nil), "no failure handler")
}

func TestAuthority_Fail(t *testing.T) {
	failures := &recordingFailures{}
	c := startAuthority(t, &Authority{Provider: newProvider(t), Failures: failures})
	ctx := context.Background()

	items := []domain.JobItem{{FunctionID: "F1", Target: "T", Inputs: []domain.ValueSpec{{Name: "PV"}}}}
	require.NoError(t, c.Call(ctx, wire.ActionFail, wire.FailRequest{
		Action: wire.ActionFail, Items: wire.FromJobItems(items),
	}, nil))
	assert.Equal(t, items, failures.items)

	err := c.Call(ctx, wire.ActionFail, wire.FailRequest{
		Action: wire.ActionFail, Items: []wire.JobItem{{Target: "T"}},
	}, nil)
	assert.ErrorContains(t, err, "function_id is required")
}
