package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
	"github.com/haukened/rr-blacklist/internal/engine/services/replica"
)

// ErrNoNotifyURL is returned by Open when neither the options nor the
// authority name a change-notification URL.
var ErrNoNotifyURL = errors.New("no change-notification URL")

// Options tunes a Mirror.
type Options struct {
	// NotifyURL overrides the URL advertised by the authority.
	NotifyURL string
	// Executor runs resyncs and is handed to the mirror's listeners.
	Executor executor.Executor
	Logger   log.Logger
	Replica  replica.Options
	Dialer   *websocket.Dialer
	// MinBackoff and MaxBackoff bound the delay between re-subscribe
	// attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Executor == nil {
		o.Executor = executor.Inline{}
	}
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	if o.Replica.Logger == nil {
		o.Replica.Logger = o.Logger
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	return o
}

// Mirror is a read-only replica of an authority blacklist. It keeps the
// authority's modification count, so a Query can follow it exactly like a
// local blacklist. Receive failures mark it stale; it re-subscribes with
// backoff and resyncs on every (re)connect.
type Mirror struct {
	name     string
	opts     Options
	logger   log.Logger
	source   *source
	follower *replica.Follower
	endpoint string

	stateMu sync.RWMutex
	entries map[string]domain.Entry
	epoch   string
	count   atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []blacklist.Listener

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open fetches the current state of the named blacklist and subscribes to
// its changes. Any transport failure here is returned.
func Open(ctx context.Context, caller Caller, name string, opts Options) (*Mirror, error) {
	opts = opts.withDefaults()
	m := &Mirror{
		name:    name,
		opts:    opts,
		logger:  opts.Logger.With(map[string]any{"mirror": name}),
		source:  &source{caller: caller, name: name},
		entries: make(map[string]domain.Entry),
	}
	m.follower = replica.New(name, m.source, m, opts.Replica)

	if err := m.follower.Sync(ctx); err != nil {
		return nil, fmt.Errorf("opening mirror of %q: %w", name, err)
	}

	raw := opts.NotifyURL
	if raw == "" {
		raw = m.source.advertisedURL()
	}
	if raw == "" {
		return nil, fmt.Errorf("opening mirror of %q: %w", name, ErrNoNotifyURL)
	}
	endpoint, err := subscribeURL(raw, name)
	if err != nil {
		return nil, fmt.Errorf("opening mirror of %q: %w", name, err)
	}
	m.endpoint = endpoint

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening mirror of %q: %w", name, err)
	}
	// Changes made between the first snapshot and the subscription are
	// picked up here.
	if err := m.follower.Sync(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening mirror of %q: %w", name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, conn)
	return m, nil
}

func subscribeURL(raw, name string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid notify URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid notify URL %q: unsupported scheme", raw)
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Mirror) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := m.opts.Dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", m.endpoint, err)
	}
	m.connected.Store(true)
	return conn, nil
}

// run reads frames until ctx is cancelled, re-subscribing after failures.
func (m *Mirror) run(ctx context.Context, conn *websocket.Conn) {
	defer close(m.done)
	backoff := m.opts.MinBackoff
	for {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err := m.receive(conn)
		stop()
		conn.Close()
		m.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn(map[string]any{"error": err}, "change subscription lost, mirror is stale")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			conn, err = m.dial(ctx)
			if err == nil {
				break
			}
			m.logger.Debug(map[string]any{"error": err, "backoff": backoff.String()}, "re-subscribe failed")
			backoff = min(backoff*2, m.opts.MaxBackoff)
		}
		backoff = m.opts.MinBackoff
		m.logger.Info(nil, "change subscription restored")
		if err := m.follower.Sync(ctx); err != nil {
			m.logger.Warn(map[string]any{"error": err}, "resync after re-subscribe failed, mirror is stale")
		}
	}
}

func (m *Mirror) receive(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var frame wire.Change
		if err := wire.Unmarshal(data, &frame); err != nil {
			m.logger.Warn(map[string]any{"error": err}, "undecodable change frame")
			continue
		}
		change, err := frame.ToDomain()
		if err != nil {
			m.logger.Warn(map[string]any{"error": err}, "invalid change frame")
			continue
		}
		if change.Name != m.name {
			continue
		}
		m.follower.HandleChange(change, m.opts.Executor)
	}
}

// Name returns the mirrored blacklist's name.
func (m *Mirror) Name() string { return m.name }

// ModificationCount returns the authority count the replica reflects.
func (m *Mirror) ModificationCount() uint64 { return m.count.Load() }

// Connected reports whether the change subscription is up.
func (m *Mirror) Connected() bool { return m.connected.Load() }

// Len returns the number of rules.
func (m *Mirror) Len() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return len(m.entries)
}

// Rules returns the replicated rules in key order.
func (m *Mirror) Rules() []domain.Rule {
	entries := m.sortedEntries()
	out := make([]domain.Rule, len(entries))
	for i, e := range entries {
		out[i] = e.Rule
	}
	return out
}

// Snapshot serves the replicated state locally.
func (m *Mirror) Snapshot(ctx context.Context, knownCount uint64) (domain.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, false, err
	}
	m.stateMu.RLock()
	count := m.count.Load()
	epoch := m.epoch
	if knownCount != 0 && knownCount == count {
		m.stateMu.RUnlock()
		return domain.Snapshot{Name: m.name, Epoch: epoch, ModificationCount: count}, true, nil
	}
	entries := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.stateMu.RUnlock()
	sortEntries(entries)
	return domain.Snapshot{Name: m.name, Epoch: epoch, ModificationCount: count, Entries: entries}, false, nil
}

func (m *Mirror) sortedEntries() []domain.Entry {
	m.stateMu.RLock()
	entries := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.stateMu.RUnlock()
	sortEntries(entries)
	return entries
}

// Subscribe registers l for the mirror's changes.
func (m *Mirror) Subscribe(l blacklist.Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Unsubscribe removes one registration of l.
func (m *Mirror) Unsubscribe(l blacklist.Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if i := slices.Index(m.listeners, l); i >= 0 {
		m.listeners = slices.Delete(m.listeners, i, i+1)
	}
}

// Refresh forces a resync with the authority.
func (m *Mirror) Refresh(ctx context.Context) error { return m.follower.Sync(ctx) }

// Close stops the subscription. The replica keeps its last state.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
	})
}

// Apply installs one in-order change and forwards it to listeners.
func (m *Mirror) Apply(change domain.Change) error {
	m.stateMu.Lock()
	for _, r := range change.Removed {
		delete(m.entries, r.Key())
	}
	for _, r := range change.Added {
		// Expiry is owned by the authority; a removal change will follow.
		m.entries[r.Key()] = domain.Entry{Rule: r}
	}
	if change.Epoch != "" {
		m.epoch = change.Epoch
	}
	m.count.Store(change.ModificationCount)
	m.stateMu.Unlock()
	m.deliver(change)
	return nil
}

// Reset installs a snapshot and forwards the difference to listeners as one
// change carrying the snapshot's count.
func (m *Mirror) Reset(snap domain.Snapshot) error {
	next := make(map[string]domain.Entry, len(snap.Entries))
	for _, e := range snap.Entries {
		next[e.Rule.Key()] = e
	}
	change := domain.Change{Name: m.name, Epoch: snap.Epoch, ModificationCount: snap.ModificationCount}

	m.stateMu.Lock()
	for k, e := range m.entries {
		if _, ok := next[k]; !ok {
			change.Removed = append(change.Removed, e.Rule)
		}
	}
	for k, e := range next {
		if _, ok := m.entries[k]; !ok {
			change.Added = append(change.Added, e.Rule)
		}
	}
	m.entries = next
	m.epoch = snap.Epoch
	m.count.Store(snap.ModificationCount)
	m.stateMu.Unlock()

	sortRules(change.Added)
	sortRules(change.Removed)
	m.deliver(change)
	return nil
}

func (m *Mirror) deliver(change domain.Change) {
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		m.safeDeliver(l, change)
	}
}

func (m *Mirror) safeDeliver(l blacklist.Listener, change domain.Change) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(map[string]any{
				"panic": r,
				"count": change.ModificationCount,
			}, "listener panicked")
		}
	}()
	l.HandleChange(change, m.opts.Executor)
}

func sortEntries(entries []domain.Entry) {
	slices.SortFunc(entries, func(a, b domain.Entry) int {
		return strings.Compare(a.Rule.Key(), b.Rule.Key())
	})
}

func sortRules(rules []domain.Rule) {
	slices.SortFunc(rules, func(a, b domain.Rule) int {
		return strings.Compare(a.Key(), b.Key())
	})
}

var (
	_ blacklist.Followable = (*Mirror)(nil)
	_ replica.Applier      = (*Mirror)(nil)
)
