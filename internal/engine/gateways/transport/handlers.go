package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist/lru"
	"github.com/haukened/rr-blacklist/internal/engine/services/maintainer"
)

// ErrMissingName is returned for requests that do not name a blacklist.
var ErrMissingName = errors.New("missing required field: name")

// Authority serves the authority side of the protocol from a provider.
type Authority struct {
	Provider *blacklist.Provider
	Cache    lru.SnapshotCache
	Failures maintainer.FailureHandler
	// NotifyURL is advertised in snapshot replies.
	NotifyURL string
	Logger    log.Logger
}

// Register installs the snapshot, add, remove, fail and names actions.
func (a *Authority) Register(s *Server) {
	if a.Cache == nil {
		a.Cache, _ = lru.New(0)
	}
	if a.Logger == nil {
		a.Logger = log.NewNoopLogger()
	}
	s.Handle(wire.ActionSnapshot, a.snapshot)
	s.Handle(wire.ActionAdd, a.add)
	s.Handle(wire.ActionRemove, a.remove)
	s.Handle(wire.ActionFail, a.fail)
	s.Handle(wire.ActionNames, a.names)
}

func (a *Authority) blacklist(name string) (*blacklist.Blacklist, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	return a.Provider.Get(name)
}

func (a *Authority) snapshot(ctx context.Context, raw []byte) (any, error) {
	var req wire.SnapshotRequest
	if err := wire.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid snapshot request: %w", err)
	}
	b, err := a.blacklist(req.Name)
	if err != nil {
		return nil, err
	}
	snap, unchanged, err := b.Snapshot(ctx, req.KnownCount)
	if err != nil {
		return nil, err
	}
	if unchanged {
		return wire.FromSnapshot(snap, true, a.NotifyURL), nil
	}
	if cached, ok := a.Cache.Get(snap.Name, snap.ModificationCount); ok {
		return wire.RawMessage(cached), nil
	}
	encoded, err := wire.Marshal(wire.FromSnapshot(snap, false, a.NotifyURL))
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	a.Cache.Put(snap.Name, snap.ModificationCount, encoded)
	return wire.RawMessage(encoded), nil
}

func (a *Authority) add(ctx context.Context, raw []byte) (any, error) {
	var req wire.AddRequest
	if err := wire.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid add request: %w", err)
	}
	b, err := a.blacklist(req.Name)
	if err != nil {
		return nil, err
	}
	rules, err := wire.ToRules(req.Rules)
	if err != nil {
		return nil, err
	}
	return nil, b.AddRules(ctx, rules, time.Duration(req.TTLSeconds)*time.Second)
}

func (a *Authority) remove(ctx context.Context, raw []byte) (any, error) {
	var req wire.RemoveRequest
	if err := wire.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid remove request: %w", err)
	}
	b, err := a.blacklist(req.Name)
	if err != nil {
		return nil, err
	}
	rules, err := wire.ToRules(req.Rules)
	if err != nil {
		return nil, err
	}
	return nil, b.RemoveRules(ctx, rules)
}

func (a *Authority) fail(ctx context.Context, raw []byte) (any, error) {
	var req wire.FailRequest
	if err := wire.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid fail request: %w", err)
	}
	items, err := wire.ToJobItems(req.Items)
	if err != nil {
		return nil, err
	}
	if a.Failures == nil {
		return nil, errors.New("no failure handler configured")
	}
	return nil, a.Failures.FailedJobItems(ctx, items)
}

func (a *Authority) names(context.Context, []byte) (any, error) {
	return wire.NamesReply{Names: a.Provider.Names()}, nil
}
