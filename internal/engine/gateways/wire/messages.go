package wire

import (
	"fmt"
	"time"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// Actions understood by the request/response server.
const (
	ActionSnapshot = "snapshot"
	ActionAdd      = "add"
	ActionRemove   = "remove"
	ActionFail     = "fail"
	ActionNames    = "names"
)

// Response is the envelope of every reply.
type Response struct {
	OK    bool       `cbor:"ok"`
	Error string     `cbor:"error,omitempty"`
	Data  RawMessage `cbor:"data,omitempty"`
}

// SnapshotRequest asks for the state of a blacklist. A KnownCount equal to
// the current count yields an "unchanged" reply without entries.
type SnapshotRequest struct {
	Action     string `cbor:"action"`
	Name       string `cbor:"name"`
	KnownCount uint64 `cbor:"known_count,omitempty"`
}

// SnapshotReply is the data of a snapshot response.
type SnapshotReply struct {
	Name              string  `cbor:"name"`
	Epoch             string  `cbor:"epoch,omitempty"`
	ModificationCount uint64  `cbor:"modification_count"`
	Unchanged         bool    `cbor:"unchanged,omitempty"`
	Entries           []Entry `cbor:"entries,omitempty"`
	NotifyURL         string  `cbor:"notify_url,omitempty"`
}

// AddRequest adds rules. TTLSeconds <= 0 selects the blacklist default.
type AddRequest struct {
	Action     string `cbor:"action"`
	Name       string `cbor:"name"`
	Rules      []Rule `cbor:"rules"`
	TTLSeconds int64  `cbor:"ttl_seconds,omitempty"`
}

// RemoveRequest removes rules.
type RemoveRequest struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name"`
	Rules  []Rule `cbor:"rules"`
}

// FailRequest reports failed job items to the authority's maintainer.
type FailRequest struct {
	Action string    `cbor:"action"`
	Items  []JobItem `cbor:"items"`
}

// NamesRequest lists the authority's blacklists.
type NamesRequest struct {
	Action string `cbor:"action"`
}

// NamesReply is the data of a names response.
type NamesReply struct {
	Names []string `cbor:"names"`
}

// Change is one notification frame.
type Change struct {
	Name              string `cbor:"name"`
	Epoch             string `cbor:"epoch,omitempty"`
	ModificationCount uint64 `cbor:"modification_count"`
	Added             []Rule `cbor:"added,omitempty"`
	Removed           []Rule `cbor:"removed,omitempty"`
}

// ValueSpec mirrors domain.ValueSpec.
type ValueSpec struct {
	Name       string `cbor:"name"`
	Target     string `cbor:"target,omitempty"`
	Properties string `cbor:"properties,omitempty"`
}

// SpecSet mirrors domain.SpecSet. Mode is "exact" or "partial".
type SpecSet struct {
	Specs []ValueSpec `cbor:"specs"`
	Mode  string      `cbor:"mode"`
}

// Rule mirrors domain.Rule. Omitted fields are wildcards.
type Rule struct {
	FunctionID string   `cbor:"function_id,omitempty"`
	Parameters string   `cbor:"parameters,omitempty"`
	Target     string   `cbor:"target,omitempty"`
	Inputs     *SpecSet `cbor:"inputs,omitempty"`
	Outputs    *SpecSet `cbor:"outputs,omitempty"`
}

// Entry is a rule with its expiry in Unix milliseconds. Zero means unknown.
type Entry struct {
	Rule      Rule  `cbor:"rule"`
	ExpiresAt int64 `cbor:"expires_at_ms"`
}

// JobItem mirrors domain.JobItem.
type JobItem struct {
	FunctionID string      `cbor:"function_id"`
	Parameters string      `cbor:"parameters,omitempty"`
	Target     string      `cbor:"target"`
	Inputs     []ValueSpec `cbor:"inputs,omitempty"`
	Outputs    []ValueSpec `cbor:"outputs,omitempty"`
}

// --- domain mapping ---

func fromSpecs(specs []domain.ValueSpec) []ValueSpec {
	if specs == nil {
		return nil
	}
	out := make([]ValueSpec, len(specs))
	for i, s := range specs {
		out[i] = ValueSpec{Name: s.Name, Target: s.Target, Properties: s.Properties}
	}
	return out
}

func toSpecs(specs []ValueSpec) []domain.ValueSpec {
	if specs == nil {
		return nil
	}
	out := make([]domain.ValueSpec, len(specs))
	for i, s := range specs {
		out[i] = domain.ValueSpec{Name: s.Name, Target: s.Target, Properties: s.Properties}
	}
	return out
}

func fromSet(s *domain.SpecSet) *SpecSet {
	if s == nil {
		return nil
	}
	specs := fromSpecs(s.Specs)
	if specs == nil {
		specs = []ValueSpec{}
	}
	return &SpecSet{Specs: specs, Mode: s.Mode.String()}
}

func toSet(s *SpecSet) (*domain.SpecSet, error) {
	if s == nil {
		return nil, nil
	}
	mode, err := domain.ParseMatchMode(s.Mode)
	if err != nil {
		return nil, err
	}
	return domain.NewSpecSet(mode, toSpecs(s.Specs)...), nil
}

// FromRule converts a domain rule.
func FromRule(r domain.Rule) Rule {
	return Rule{
		FunctionID: r.FunctionID,
		Parameters: r.Parameters,
		Target:     r.Target,
		Inputs:     fromSet(r.Inputs),
		Outputs:    fromSet(r.Outputs),
	}
}

// ToDomain converts and validates the rule.
func (r Rule) ToDomain() (domain.Rule, error) {
	in, err := toSet(r.Inputs)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("inputs: %w", err)
	}
	out, err := toSet(r.Outputs)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("outputs: %w", err)
	}
	return domain.NewRule(r.FunctionID, r.Parameters, r.Target, in, out)
}

// FromRules converts domain rules.
func FromRules(rules []domain.Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = FromRule(r)
	}
	return out
}

// ToRules converts wire rules, failing on the first invalid one.
func ToRules(rules []Rule) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(rules))
	for i, r := range rules {
		dr, err := r.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, dr)
	}
	return out, nil
}

// FromChange converts a domain change.
func FromChange(c domain.Change) Change {
	return Change{
		Name:              c.Name,
		Epoch:             c.Epoch,
		ModificationCount: c.ModificationCount,
		Added:             FromRules(c.Added),
		Removed:           FromRules(c.Removed),
	}
}

// ToDomain converts the change.
func (c Change) ToDomain() (domain.Change, error) {
	added, err := ToRules(c.Added)
	if err != nil {
		return domain.Change{}, fmt.Errorf("added: %w", err)
	}
	removed, err := ToRules(c.Removed)
	if err != nil {
		return domain.Change{}, fmt.Errorf("removed: %w", err)
	}
	return domain.Change{
		Name:              c.Name,
		Epoch:             c.Epoch,
		ModificationCount: c.ModificationCount,
		Added:             added,
		Removed:           removed,
	}, nil
}

// FromEntries converts snapshot entries.
func FromEntries(entries []domain.Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Rule: FromRule(e.Rule)}
		if !e.ExpiresAt.IsZero() {
			out[i].ExpiresAt = e.ExpiresAt.UnixMilli()
		}
	}
	return out
}

// ToEntries converts wire entries.
func ToEntries(entries []Entry) ([]domain.Entry, error) {
	out := make([]domain.Entry, 0, len(entries))
	for i, e := range entries {
		r, err := e.Rule.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entry := domain.Entry{Rule: r}
		if e.ExpiresAt != 0 {
			entry.ExpiresAt = time.UnixMilli(e.ExpiresAt).UTC()
		}
		out = append(out, entry)
	}
	return out, nil
}

// FromSnapshot builds a snapshot reply.
func FromSnapshot(s domain.Snapshot, unchanged bool, notifyURL string) SnapshotReply {
	reply := SnapshotReply{
		Name:              s.Name,
		Epoch:             s.Epoch,
		ModificationCount: s.ModificationCount,
		Unchanged:         unchanged,
		NotifyURL:         notifyURL,
	}
	if !unchanged {
		reply.Entries = FromEntries(s.Entries)
	}
	return reply
}

// ToDomain converts the reply to a snapshot.
func (r SnapshotReply) ToDomain() (domain.Snapshot, error) {
	entries, err := ToEntries(r.Entries)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Name: r.Name, Epoch: r.Epoch, ModificationCount: r.ModificationCount, Entries: entries}, nil
}

// FromJobItems converts domain job items.
func FromJobItems(items []domain.JobItem) []JobItem {
	out := make([]JobItem, len(items))
	for i, it := range items {
		out[i] = JobItem{
			FunctionID: it.FunctionID,
			Parameters: it.Parameters,
			Target:     it.Target,
			Inputs:     fromSpecs(it.Inputs),
			Outputs:    fromSpecs(it.Outputs),
		}
	}
	return out
}

// ToJobItems converts wire job items. Items without a function id are
// rejected.
func ToJobItems(items []JobItem) ([]domain.JobItem, error) {
	out := make([]domain.JobItem, 0, len(items))
	for i, it := range items {
		if it.FunctionID == "" {
			return nil, fmt.Errorf("item %d: function_id is required", i)
		}
		out = append(out, domain.JobItem{
			FunctionID: it.FunctionID,
			Parameters: it.Parameters,
			Target:     it.Target,
			Inputs:     toSpecs(it.Inputs),
			Outputs:    toSpecs(it.Outputs),
		})
	}
	return out, nil
}
