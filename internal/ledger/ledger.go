// SPDX-License-Identifier: MPL-2.0

// Package ledger records the resources fetched during a build and renders
// them as a CycloneDX bill of materials.
package ledger

import (
	"cmp"
	"slices"
	"sync"
)

type (
	// Record is one fetched resource. Records are compared structurally.
	Record struct {
		Class Classification
		ID    string
	}

	// Ledger is the de-duplicated set of records of one build session.
	// It is safe for concurrent use.
	Ledger struct {
		mu      sync.Mutex
		records map[Record]struct{}
	}
)

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{records: make(map[Record]struct{})}
}

// Append records a fetched resource. It reports whether the record was new;
// appending an existing record is a no-op.
func (l *Ledger) Append(class Classification, id string) bool {
	rec := Record{Class: class, ID: id}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[rec]; ok {
		return false
	}
	l.records[rec] = struct{}{}
	return true
}

// Len returns the number of distinct records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a snapshot sorted by classification, then id.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	out := make([]Record, 0, len(l.records))
	for rec := range l.records {
		out = append(out, rec)
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(cmp.Compare(a.Class, b.Class), cmp.Compare(a.ID, b.ID))
	})
	return out
}
