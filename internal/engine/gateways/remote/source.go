// Package remote gives processes other than the authority access to its
// blacklists: a Mirror keeps a local replica in step over the network, a
// Writer and a Reporter send mutations and failed job items.
package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
)

// Caller is the request/response channel to the authority.
// *transport.Client implements it.
type Caller interface {
	Call(ctx context.Context, action string, request, result any) error
}

// source fetches snapshots of one blacklist and remembers the notification
// URL the authority advertised last.
type source struct {
	caller Caller
	name   string

	mu        sync.Mutex
	notifyURL string
}

func (s *source) Snapshot(ctx context.Context, knownCount uint64) (domain.Snapshot, bool, error) {
	var reply wire.SnapshotReply
	req := wire.SnapshotRequest{Action: wire.ActionSnapshot, Name: s.name, KnownCount: knownCount}
	if err := s.caller.Call(ctx, wire.ActionSnapshot, req, &reply); err != nil {
		return domain.Snapshot{}, false, err
	}
	if reply.NotifyURL != "" {
		s.mu.Lock()
		s.notifyURL = reply.NotifyURL
		s.mu.Unlock()
	}
	if reply.Unchanged {
		return domain.Snapshot{Name: s.name, Epoch: reply.Epoch, ModificationCount: reply.ModificationCount}, true, nil
	}
	snap, err := reply.ToDomain()
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("decoding snapshot of %q: %w", s.name, err)
	}
	if snap.Name == "" {
		snap.Name = s.name
	}
	return snap, false, nil
}

func (s *source) advertisedURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyURL
}

// Names lists the authority's blacklists.
func Names(ctx context.Context, caller Caller) ([]string, error) {
	var reply wire.NamesReply
	if err := caller.Call(ctx, wire.ActionNames, wire.NamesRequest{Action: wire.ActionNames}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

// Fetch returns the current state of the named blacklist.
func Fetch(ctx context.Context, caller Caller, name string) (domain.Snapshot, error) {
	snap, _, err := (&source{caller: caller, name: name}).Snapshot(ctx, 0)
	return snap, err
}
