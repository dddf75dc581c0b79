package domain

import "time"

// JobItem is one unit of work of the calculation engine: a function applied
// to a target with the given inputs and outputs. Failed job items are the
// raw material of new rules; the same tuple is the operand of full queries.
type JobItem struct {
	FunctionID string
	Parameters string
	Target     string
	Inputs     []ValueSpec
	Outputs    []ValueSpec
}

// Function returns the item's parameterized function.
func (i JobItem) Function() Function {
	return Function{ID: i.FunctionID, Parameters: i.Parameters}
}

// Change describes one modification of a blacklist. ModificationCount is the
// blacklist's count after the change was applied. Normally exactly one of
// Added and Removed is populated; a single logical update that both adds and
// removes rules carries both.
//
// Epoch identifies the blacklist instance that numbered the change. Counts
// are only comparable within one epoch; an empty Epoch matches any.
type Change struct {
	Name              string
	Epoch             string
	ModificationCount uint64
	Added             []Rule
	Removed           []Rule
}

// IsEmpty reports whether the change carries no rules.
func (c Change) IsEmpty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// Entry is a rule and the time it expires. A zero ExpiresAt means unknown.
type Entry struct {
	Rule      Rule
	ExpiresAt time.Time
}

// Snapshot is the full state of a blacklist at ModificationCount.
type Snapshot struct {
	Name              string
	Epoch             string
	ModificationCount uint64
	Entries           []Entry
}

// Rules returns the snapshot's rules without expiry information.
func (s Snapshot) Rules() []Rule {
	rules := make([]Rule, len(s.Entries))
	for i, e := range s.Entries {
		rules[i] = e.Rule
	}
	return rules
}

// EntriesOf wraps rules in entries with unknown expiry.
func EntriesOf(rules []Rule) []Entry {
	entries := make([]Entry, len(rules))
	for i, r := range rules {
		entries[i] = Entry{Rule: r}
	}
	return entries
}
