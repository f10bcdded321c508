// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package split

import "github.com/google/btree"

// region counts the active splits inside one 2-MiB range that has been
// remapped to 4-KiB granularity.
type region struct {
	base   uint64
	splits uint64
}

// RegionTracker is the ordered mapping from 2-MiB-aligned physical
// address to its split count. Mutated only under the engine lock.
type RegionTracker struct {
	tree *btree.BTreeG[*region]
}

// NewRegionTracker returns an empty tracker.
func NewRegionTracker() *RegionTracker {
	return &RegionTracker{
		tree: btree.NewG(btreeDegree, func(a, b *region) bool {
			return a.base < b.base
		}),
	}
}

// Tracked reports whether base is already remapped to 4-KiB entries.
func (t *RegionTracker) Tracked(base uint64) bool {
	_, ok := t.tree.Get(&region{base: base})

	return ok
}

// Track registers base with a zero split count.
func (t *RegionTracker) Track(base uint64) {
	t.tree.ReplaceOrInsert(&region{base: base})
}

// Inc bumps the split count for base and returns the new value.
func (t *RegionTracker) Inc(base uint64) uint64 {
	r, ok := t.tree.Get(&region{base: base})
	if !ok {
		r = &region{base: base}
		t.tree.ReplaceOrInsert(r)
	}

	r.splits++

	return r.splits
}

// Dec drops the split count for base and returns the new value.
func (t *RegionTracker) Dec(base uint64) uint64 {
	r, ok := t.tree.Get(&region{base: base})
	if !ok || r.splits == 0 {
		return 0
	}

	r.splits--

	return r.splits
}

// Count returns the split count for base.
func (t *RegionTracker) Count(base uint64) uint64 {
	r, ok := t.tree.Get(&region{base: base})
	if !ok {
		return 0
	}

	return r.splits
}

// Forget removes base from the tracker after recoalescing.
func (t *RegionTracker) Forget(base uint64) {
	t.tree.Delete(&region{base: base})
}

// Len returns the number of tracked regions.
func (t *RegionTracker) Len() int {
	return t.tree.Len()
}
