// Package aggregate collects extracted records from every worker into three
// run-scoped tables.
package aggregate

import (
	"sync"

	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

// Table is an append-only collection safe for concurrent appends. Appends from
// one goroutine keep their relative order.
type Table[T any] struct {
	mu   sync.Mutex
	rows []T
}

// Append adds one record.
func (t *Table[T]) Append(row T) {
	t.mu.Lock()
	t.rows = append(t.rows, row)
	t.mu.Unlock()
}

// AppendAll adds rows as one contiguous block.
func (t *Table[T]) AppendAll(rows []T) {
	if len(rows) == 0 {
		return
	}
	t.mu.Lock()
	t.rows = append(t.rows, rows...)
	t.mu.Unlock()
}

// Len returns the number of records appended so far.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Snapshot returns a copy of the records.
func (t *Table[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, len(t.rows))
	copy(out, t.rows)
	return out
}

// Tables groups the three record tables of a run. Each table has its own lock
// so unrelated appends never wait on each other.
type Tables struct {
	AccountHolders Table[registry.AccountHolder]
	Installations  Table[registry.Installation]
	Compliance     Table[registry.ComplianceEntry]
}

// New returns empty tables.
func New() *Tables {
	return &Tables{}
}

// Snapshot copies every table.
func (t *Tables) Snapshot() Snapshot {
	return Snapshot{
		AccountHolders: t.AccountHolders.Snapshot(),
		Installations:  t.Installations.Snapshot(),
		Compliance:     t.Compliance.Snapshot(),
	}
}

// Snapshot is the immutable read-out of a finished run.
type Snapshot struct {
	AccountHolders []registry.AccountHolder
	Installations  []registry.Installation
	Compliance     []registry.ComplianceEntry
}

// Counts returns the number of records per table.
func (s Snapshot) Counts() map[registry.RecordKind]int {
	return map[registry.RecordKind]int{
		registry.KindAccountHolder: len(s.AccountHolders),
		registry.KindInstallation:  len(s.Installations),
		registry.KindCompliance:    len(s.Compliance),
	}
}
