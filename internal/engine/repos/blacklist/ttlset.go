package blacklist

import (
	"container/heap"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/common/clock"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// ttlRuleSet holds rules with their expiry and keeps one timer armed for the
// earliest expiry. It is not safe for concurrent use; the owning Blacklist
// serializes access.
//
// Refreshing or removing a rule leaves its old heap item in place. Stale
// items are recognized on pop by comparing against the live entry.
type ttlRuleSet struct {
	clock   clock.Clock
	fire    func()
	entries map[string]*ttlEntry
	expiry  expiryHeap
	timer   clock.Timer
	armedAt time.Time
}

type ttlEntry struct {
	rule      domain.Rule
	expiresAt time.Time
}

func newTTLRuleSet(c clock.Clock, fire func()) *ttlRuleSet {
	return &ttlRuleSet{clock: c, fire: fire, entries: make(map[string]*ttlEntry)}
}

func (s *ttlRuleSet) len() int { return len(s.entries) }

// add inserts r or refreshes its expiry. It reports whether r is new.
func (s *ttlRuleSet) add(r domain.Rule, expiresAt time.Time) bool {
	k := r.Key()
	e, ok := s.entries[k]
	if ok {
		e.expiresAt = expiresAt
	} else {
		s.entries[k] = &ttlEntry{rule: r, expiresAt: expiresAt}
	}
	heap.Push(&s.expiry, expiryItem{key: k, at: expiresAt})
	s.compact()
	return !ok
}

// remove deletes r and reports whether it was present.
func (s *ttlRuleSet) remove(r domain.Rule) bool {
	k := r.Key()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// sweep removes and returns every rule expiring at or before now.
func (s *ttlRuleSet) sweep(now time.Time) []domain.Rule {
	var out []domain.Rule
	for len(s.expiry) > 0 && !s.expiry[0].at.After(now) {
		it := heap.Pop(&s.expiry).(expiryItem)
		e, ok := s.entries[it.key]
		if !ok || !e.expiresAt.Equal(it.at) {
			continue
		}
		delete(s.entries, it.key)
		out = append(out, e.rule)
	}
	return out
}

// arm points the timer at the earliest live expiry. Call after sweep(now) so
// that every remaining expiry lies in the future.
func (s *ttlRuleSet) arm(now time.Time) {
	for len(s.expiry) > 0 && s.stale(s.expiry[0]) {
		heap.Pop(&s.expiry)
	}
	if len(s.expiry) == 0 {
		s.stop()
		return
	}
	next := s.expiry[0].at
	if s.timer != nil && s.armedAt.Equal(next) {
		return
	}
	s.stop()
	s.timer = s.clock.AfterFunc(next.Sub(now), s.fire)
	s.armedAt = next
}

func (s *ttlRuleSet) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *ttlRuleSet) stale(it expiryItem) bool {
	e, ok := s.entries[it.key]
	return !ok || !e.expiresAt.Equal(it.at)
}

// compact rebuilds the heap once stale items outnumber live ones.
func (s *ttlRuleSet) compact() {
	if len(s.expiry) <= 2*len(s.entries)+16 {
		return
	}
	items := make(expiryHeap, 0, len(s.entries))
	for k, e := range s.entries {
		items = append(items, expiryItem{key: k, at: e.expiresAt})
	}
	heap.Init(&items)
	s.expiry = items
}

// snapshot returns the live entries; the caller sorts them.
func (s *ttlRuleSet) snapshot() []domain.Entry {
	out := make([]domain.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, domain.Entry{Rule: e.rule, ExpiresAt: e.expiresAt})
	}
	return out
}

type expiryItem struct {
	key string
	at  time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryItem)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
