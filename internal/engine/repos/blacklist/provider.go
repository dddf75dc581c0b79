package blacklist

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// Provider creates named blacklists on first access and, when a Store is
// configured, restores them from and persists them to it.
type Provider struct {
	opts   Options
	store  Store
	logger log.Logger

	mu     sync.Mutex
	lists  map[string]*Blacklist
	closed bool

	storeMu     sync.RWMutex
	storeClosed bool
}

// NewProvider returns a provider. store may be nil to disable persistence.
func NewProvider(opts Options, store Store) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		opts:   opts,
		store:  store,
		logger: opts.Logger,
		lists:  make(map[string]*Blacklist),
	}
}

// Get returns the blacklist called name, creating it if needed.
func (p *Provider) Get(name string) (*Blacklist, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if b, ok := p.lists[name]; ok {
		return b, nil
	}
	b := New(name, p.opts)
	if p.store != nil {
		snap, ok, err := p.store.Load(name)
		if err != nil {
			b.Close()
			return nil, err
		}
		if ok {
			dropped := b.restore(snap)
			p.logger.Info(map[string]any{
				"blacklist": name,
				"rules":     b.Len(),
				"dropped":   dropped,
				"count":     snap.ModificationCount,
			}, "restored blacklist")
		}
		b.Subscribe(&persister{provider: p, source: b, logger: b.logger})
	}
	p.lists[name] = b
	return b, nil
}

// Lookup returns an existing blacklist without creating one.
func (p *Provider) Lookup(name string) (*Blacklist, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.lists[name]
	return b, ok
}

// Names returns the names of the open blacklists, sorted.
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.lists))
	for n := range p.lists {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Open creates every blacklist the store knows about plus the given names.
func (p *Provider) Open(names ...string) error {
	if p.store != nil {
		stored, err := p.store.Names()
		if err != nil {
			return err
		}
		names = append(names, stored...)
	}
	for _, n := range names {
		if _, err := p.Get(n); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every blacklist, writes a final snapshot of each when a store
// is configured, and closes the store.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	lists := make([]*Blacklist, 0, len(p.lists))
	for _, b := range p.lists {
		lists = append(lists, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, b := range lists {
		b.Close()
		if p.store == nil {
			continue
		}
		snap, _, err := b.Snapshot(context.Background(), 0)
		if err == nil {
			err = p.store.Save(snap)
		}
		errs = append(errs, err)
	}
	if p.store != nil {
		p.storeMu.Lock()
		p.storeClosed = true
		errs = append(errs, p.store.Close())
		p.storeMu.Unlock()
	}
	return errors.Join(errs...)
}

// save writes snap unless the store has been closed. Persistence tasks still
// queued when the provider closes are covered by the final snapshot.
func (p *Provider) save(snap domain.Snapshot) (saved bool, err error) {
	p.storeMu.RLock()
	defer p.storeMu.RUnlock()
	if p.storeClosed {
		return false, nil
	}
	return true, p.store.Save(snap)
}

// persister writes a fresh snapshot after every change. Writes run on the
// executor; the store ignores snapshots older than the one it holds, so
// out-of-order completion is harmless.
type persister struct {
	provider *Provider
	source   RuleSource
	logger   log.Logger
}

func (p *persister) HandleChange(change domain.Change, exec executor.Executor) {
	exec.Submit(func() {
		snap, _, err := p.source.Snapshot(context.Background(), 0)
		if err != nil {
			p.logger.Error(map[string]any{"error": err}, "snapshot for persistence failed")
			return
		}
		saved, err := p.provider.save(snap)
		if !saved {
			p.logger.Debug(map[string]any{"count": change.ModificationCount}, "store closed, skipping snapshot")
			return
		}
		if err != nil {
			p.logger.Error(map[string]any{
				"error": err,
				"count": change.ModificationCount,
			}, "persisting blacklist failed")
		}
	})
}
