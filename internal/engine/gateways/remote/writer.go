package remote

import (
	"context"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
	"github.com/haukened/rr-blacklist/internal/engine/services/maintainer"
)

// Writer mutates one authority blacklist.
type Writer struct {
	caller Caller
	name   string
}

// NewWriter returns a writer for the blacklist called name.
func NewWriter(caller Caller, name string) *Writer {
	return &Writer{caller: caller, name: name}
}

// AddRules adds rules with ttl, rounded up to whole seconds. ttl <= 0
// selects the authority's default.
func (w *Writer) AddRules(ctx context.Context, rules []domain.Rule, ttl time.Duration) error {
	var secs int64
	if ttl > 0 {
		secs = int64((ttl + time.Second - 1) / time.Second)
	}
	return w.caller.Call(ctx, wire.ActionAdd, wire.AddRequest{
		Action:     wire.ActionAdd,
		Name:       w.name,
		Rules:      wire.FromRules(rules),
		TTLSeconds: secs,
	}, nil)
}

// RemoveRules removes rules.
func (w *Writer) RemoveRules(ctx context.Context, rules []domain.Rule) error {
	return w.caller.Call(ctx, wire.ActionRemove, wire.RemoveRequest{
		Action: wire.ActionRemove,
		Name:   w.name,
		Rules:  wire.FromRules(rules),
	}, nil)
}

// Reporter forwards failed job items to the authority's maintainer.
type Reporter struct {
	caller Caller
}

// NewReporter returns a reporter sending to caller.
func NewReporter(caller Caller) *Reporter { return &Reporter{caller: caller} }

// FailedJobItem reports one item.
func (r *Reporter) FailedJobItem(ctx context.Context, item domain.JobItem) error {
	return r.FailedJobItems(ctx, []domain.JobItem{item})
}

// FailedJobItems reports items in one request.
func (r *Reporter) FailedJobItems(ctx context.Context, items []domain.JobItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.caller.Call(ctx, wire.ActionFail, wire.FailRequest{
		Action: wire.ActionFail,
		Items:  wire.FromJobItems(items),
	}, nil)
}

var (
	_ blacklist.RuleWriter      = (*Writer)(nil)
	_ maintainer.FailureHandler = (*Reporter)(nil)
)
