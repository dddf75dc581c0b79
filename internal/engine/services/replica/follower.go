// Package replica keeps a local copy of a blacklist in step with its source
// using the modification count.
//
// A Follower is SYNCED(N) or RESYNCING. A change numbered N+1 is applied in
// place. Any other number, or a change from another epoch, means
// notifications were missed or the source restarted, so the follower fetches
// a snapshot on the executor it was handed and drops further changes until
// the snapshot is installed. If a dropped change is newer than the installed
// snapshot the follower fetches again. Fetch failures leave the replica stale
// until the next notification.
package replica

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// maxSyncRounds bounds the snapshot fetches of one Sync.
const maxSyncRounds = 3

// Source provides snapshots. When knownCount is current it may answer
// unchanged=true without entries; such a reply still names the epoch.
type Source interface {
	Snapshot(ctx context.Context, knownCount uint64) (snap domain.Snapshot, unchanged bool, err error)
}

// Applier owns the replicated state.
// - Apply: apply one in-order change; an error forces a resync
// - Reset: replace the whole state with a snapshot
type Applier interface {
	Apply(change domain.Change) error
	Reset(snap domain.Snapshot) error
}

// Observer receives replica activity for metrics.
type Observer interface {
	Resynced(name string)
	Dropped(name string)
}

type nopObserver struct{}

func (nopObserver) Resynced(string) {}
func (nopObserver) Dropped(string)  {}

// Options tunes a Follower. ResyncInterval bounds how often snapshots are
// fetched (0 disables the limit); Burst is the number of back-to-back
// resyncs allowed. FetchTimeout bounds one snapshot fetch.
type Options struct {
	ResyncInterval time.Duration
	Burst          int
	FetchTimeout   time.Duration
	Logger         log.Logger
	Observer       Observer
}

// Follower implements blacklist.Listener for a replica.
type Follower struct {
	name    string
	source  Source
	applier Applier
	limiter *rate.Limiter
	timeout time.Duration
	logger  log.Logger
	obs     Observer

	syncMu sync.Mutex // serializes snapshot installs

	mu        sync.Mutex
	count     uint64
	epoch     string
	resyncing bool
	missed    uint64 // highest count dropped during the current resync
}

// New returns a follower at count 0. Call Sync to load the initial state.
func New(name string, source Source, applier Applier, opts Options) *Follower {
	limit := rate.Inf
	if opts.ResyncInterval > 0 {
		limit = rate.Every(opts.ResyncInterval)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Follower{
		name:    name,
		source:  source,
		applier: applier,
		limiter: rate.NewLimiter(limit, opts.Burst),
		timeout: opts.FetchTimeout,
		logger:  opts.Logger.With(map[string]any{"replica": name}),
		obs:     opts.Observer,
	}
}

// ModificationCount returns the count of the state the replica holds.
func (f *Follower) ModificationCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Resyncing reports whether a snapshot fetch is outstanding.
func (f *Follower) Resyncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resyncing
}

// HandleChange applies change if it is the next one and otherwise schedules
// a resync on exec.
func (f *Follower) HandleChange(change domain.Change, exec executor.Executor) {
	f.mu.Lock()
	if f.resyncing {
		f.missed = max(f.missed, change.ModificationCount)
		f.mu.Unlock()
		f.obs.Dropped(f.name)
		f.logger.Debug(map[string]any{"count": change.ModificationCount}, "resync in progress, dropping change")
		return
	}
	switch {
	case f.restarted(change.Epoch):
		f.logger.Info(map[string]any{
			"epoch":    change.Epoch,
			"previous": f.epoch,
		}, "source restarted, resyncing")
	case change.ModificationCount == f.count+1:
		err := f.applier.Apply(change)
		if err == nil {
			f.count = change.ModificationCount
			if change.Epoch != "" {
				f.epoch = change.Epoch
			}
			f.mu.Unlock()
			return
		}
		f.logger.Warn(map[string]any{
			"count": change.ModificationCount,
			"error": err,
		}, "applying change failed, resyncing")
	default:
		f.logger.Debug(map[string]any{
			"expected": f.count + 1,
			"received": change.ModificationCount,
		}, "modification count gap, resyncing")
	}
	f.resyncing = true
	f.mu.Unlock()

	exec.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.limiter.Wait(ctx); err != nil {
			f.finishResync()
			f.logger.Warn(map[string]any{"error": err}, "resync throttled past deadline, replica stays stale")
			return
		}
		if err := f.Sync(ctx); err != nil {
			f.logger.Warn(map[string]any{"error": err}, "resync failed, replica stays stale")
		}
	})
}

// Sync fetches a snapshot and installs it unless the source reports the
// replica is current. It is safe to call at any time.
func (f *Follower) Sync(ctx context.Context) error {
	f.syncMu.Lock()
	defer f.syncMu.Unlock()

	f.mu.Lock()
	f.resyncing = true
	known := f.count
	f.mu.Unlock()

	for round := 1; ; round++ {
		snap, unchanged, err := f.source.Snapshot(ctx, known)
		if err != nil {
			f.finishResync()
			return err
		}
		f.mu.Lock()
		if unchanged && known != 0 && f.restarted(snap.Epoch) {
			f.mu.Unlock()
			f.logger.Debug(map[string]any{"count": known, "epoch": snap.Epoch}, "source restarted at the same count")
			known = 0
			continue
		}
		if unchanged {
			f.logger.Debug(map[string]any{"count": known}, "replica already current")
		} else if err := f.install(snap); err != nil {
			f.resyncing = false
			f.missed = 0
			f.mu.Unlock()
			return err
		}
		if f.missed <= f.count || round >= maxSyncRounds {
			if f.missed > f.count {
				f.logger.Warn(map[string]any{
					"count":  f.count,
					"missed": f.missed,
				}, "replica still behind after resync")
			}
			f.resyncing = false
			f.missed = 0
			f.mu.Unlock()
			return nil
		}
		f.logger.Debug(map[string]any{
			"count":  f.count,
			"missed": f.missed,
		}, "changes newer than the snapshot were dropped, fetching again")
		known = f.count
		f.mu.Unlock()
		if err := ctx.Err(); err != nil {
			f.finishResync()
			return err
		}
	}
}

// install replaces the replicated state. Callers hold mu.
func (f *Follower) install(snap domain.Snapshot) error {
	if err := f.applier.Reset(snap); err != nil {
		return err
	}
	f.count = snap.ModificationCount
	f.epoch = snap.Epoch
	f.obs.Resynced(f.name)
	f.logger.Debug(map[string]any{
		"count": snap.ModificationCount,
		"rules": len(snap.Entries),
	}, "replica resynced")
	return nil
}

// restarted reports whether epoch names a different source instance than
// the one the replica follows. Callers hold mu.
func (f *Follower) restarted(epoch string) bool {
	return epoch != "" && f.epoch != "" && epoch != f.epoch
}

func (f *Follower) finishResync() {
	f.mu.Lock()
	f.resyncing = false
	f.missed = 0
	f.mu.Unlock()
}
