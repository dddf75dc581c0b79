// Package maintainer turns failed job items into blacklist rules according
// to a Policy.
package maintainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
)

// FailureHandler receives failed job items.
type FailureHandler interface {
	FailedJobItem(ctx context.Context, item domain.JobItem) error
	FailedJobItems(ctx context.Context, items []domain.JobItem) error
}

// Maintainer writes one rule per failed item per policy entry.
type Maintainer struct {
	writer blacklist.RuleWriter
	policy Policy
	logger log.Logger
}

// New validates policy and returns a maintainer writing to writer.
func New(writer blacklist.RuleWriter, policy Policy, logger log.Logger) (*Maintainer, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", policy.Name, err)
	}
	return &Maintainer{
		writer: writer,
		policy: policy,
		logger: logger.With(map[string]any{"policy": policy.Name}),
	}, nil
}

// Policy returns the maintainer's policy.
func (m *Maintainer) Policy() Policy { return m.policy }

// FailedJobItem reports one failed item.
func (m *Maintainer) FailedJobItem(ctx context.Context, item domain.JobItem) error {
	return m.FailedJobItems(ctx, []domain.JobItem{item})
}

// FailedJobItems submits, for each policy entry, the rules generated from
// items in one AddRules call with the entry's TTL. Items generating the
// same rule collapse into one. Items lacking a field the entry selects are
// skipped for that entry. A failing entry does not stop the others.
func (m *Maintainer) FailedJobItems(ctx context.Context, items []domain.JobItem) error {
	if len(items) == 0 {
		return nil
	}
	var errs []error
	for i, e := range m.policy.Entries {
		seen := make(map[string]struct{}, len(items))
		rules := make([]domain.Rule, 0, len(items))
		for _, item := range items {
			r, ok := e.Rule(item)
			if !ok {
				m.logger.Warn(map[string]any{
					"entry":    e.Match.String(),
					"function": item.FunctionID,
					"target":   item.Target,
				}, "failed job item lacks a field the entry matches on; skipping")
				continue
			}
			k := r.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			rules = append(rules, r)
		}
		if len(rules) == 0 {
			continue
		}
		ttl := m.policy.ttl(e)
		if err := m.writer.AddRules(ctx, rules, ttl); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, e.Match, err))
			continue
		}
		m.logger.Info(map[string]any{
			"entry": e.Match.String(),
			"rules": len(rules),
			"ttl":   ttl.String(),
		}, "blacklisting failed job items")
	}
	return errors.Join(errs...)
}

// Noop only logs failures. It is used where failures should be observed
// without being blacklisted.
type Noop struct {
	Logger log.Logger
}

func (n Noop) FailedJobItem(ctx context.Context, item domain.JobItem) error {
	return n.FailedJobItems(ctx, []domain.JobItem{item})
}

func (n Noop) FailedJobItems(_ context.Context, items []domain.JobItem) error {
	for _, item := range items {
		n.Logger.Info(map[string]any{
			"function": item.FunctionID,
			"target":   item.Target,
		}, "job item failed")
	}
	return nil
}

var (
	_ FailureHandler = (*Maintainer)(nil)
	_ FailureHandler = Noop{}
)
