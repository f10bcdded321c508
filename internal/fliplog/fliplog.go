// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package fliplog keeps the rolling record of EPT-violation flips. The
// log has its own lock so recording a flip never serializes with EPT
// mutation.
package fliplog

import (
	"sync"

	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// DefaultCapacity bounds the log when no explicit capacity is given.
const DefaultCapacity = 512

// Log is a bounded append-with-dedup ring of flip records, keyed by
// (RIP, access bits). Re-observations bump the count and refresh the
// address fields; on overflow the oldest record is evicted.
type Log struct {
	mu       sync.Mutex
	capacity int
	records  []vmcall.FlipRecord
}

// New returns an empty log. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Log{capacity: capacity}
}

// Observe records one violation. r.Count is ignored; the log maintains
// its own counters.
func (l *Log) Observe(r vmcall.FlipRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.records {
		cur := &l.records[i]
		if cur.RIP == r.RIP && cur.AccessBits == r.AccessBits {
			count := cur.Count + 1
			*cur = r
			cur.Count = count

			return
		}
	}

	if len(l.records) >= l.capacity {
		l.records = l.records[1:]
	}

	r.Count = 1
	l.records = append(l.records, r)
}

// Count returns the number of records currently held.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.records)
}

// Snapshot copies the current records in append order.
func (l *Log) Snapshot() []vmcall.FlipRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]vmcall.FlipRecord, len(l.records))
	copy(out, l.records)

	return out
}

// Marshal encodes the current records in the wire layout.
func (l *Log) Marshal() []byte {
	return vmcall.MarshalFlipRecords(l.Snapshot())
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = l.records[:0]
}

// Remove drops every record with the given RIP, regardless of access
// bits, and returns how many were removed.
func (l *Log) Remove(rip uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	removed := 0

	for _, r := range l.records {
		if r.RIP == rip {
			removed++

			continue
		}

		kept = append(kept, r)
	}

	l.records = kept

	return removed
}
