package blacklist

import (
	"context"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// RuleSource is the read side of a blacklist.
// - Rules: the current rule set, in key order
// - ModificationCount: number of externally visible mutations so far
// - Snapshot: full state, or unchanged=true when knownCount is current
type RuleSource interface {
	Name() string
	Rules() []domain.Rule
	ModificationCount() uint64
	Snapshot(ctx context.Context, knownCount uint64) (snap domain.Snapshot, unchanged bool, err error)
}

// RuleWriter mutates a blacklist. A ttl <= 0 selects the blacklist default.
type RuleWriter interface {
	AddRules(ctx context.Context, rules []domain.Rule, ttl time.Duration) error
	RemoveRules(ctx context.Context, rules []domain.Rule) error
}

// ChangeNotifier delivers Change events to subscribed listeners.
type ChangeNotifier interface {
	Subscribe(l Listener)
	Unsubscribe(l Listener)
}

// Followable is what a replica needs from the blacklist it follows: state to
// resync from and changes to apply.
type Followable interface {
	RuleSource
	ChangeNotifier
}

// Listener receives one Change per modification count, in count order.
//
// HandleChange runs on the mutating goroutine. It may read the blacklist but
// must not mutate it; work that blocks or mutates is submitted to exec.
// Listeners are compared with == by Unsubscribe, so use pointer types.
type Listener interface {
	HandleChange(change domain.Change, exec executor.Executor)
}

// Store persists blacklist snapshots.
// - Load: the stored snapshot for name, ok=false when none
// - Save: replaces the stored snapshot unless a newer one is already stored
type Store interface {
	Load(name string) (snap domain.Snapshot, ok bool, err error)
	Save(snap domain.Snapshot) error
	Names() ([]string, error)
	Close() error
}

// Observer receives blacklist activity for metrics.
type Observer interface {
	Modified(name string, rules int)
	Expired(name string, n int)
}

type nopObserver struct{}

func (nopObserver) Modified(string, int) {}
func (nopObserver) Expired(string, int)  {}
