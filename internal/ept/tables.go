// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package ept

import (
	"errors"
	"fmt"
)

// Allocator hands out zeroed 4-KiB host frames for table nodes. The
// returned slice aliases the frame so the walker sees exactly what the
// processor would.
type Allocator interface {
	AllocFrame() (frame []byte, pa uint64, err error)
	FreeFrame(pa uint64)
}

// Walk errors.
var (
	// ErrNotMapped is returned when a walk terminates before reaching a leaf.
	ErrNotMapped = errors.New("guest-physical address not mapped")

	// ErrLargeMapping is returned when a 4-KiB leaf is requested but the
	// region is still mapped by a 2-MiB entry.
	ErrLargeMapping = errors.New("region still mapped at 2 MiB granularity")

	// ErrUnaligned is returned for a misaligned region base.
	ErrUnaligned = errors.New("unaligned address")
)

// Tables is one EPT hierarchy (PML4 → PDPT → PD → PT). The split core
// keeps two: the hooked view it mutates and a clean identity view for
// single-stepping out of thrash loops.
type Tables struct {
	alloc  Allocator
	root   *[entriesPerTable]Entry
	rootPA uint64

	// tables maps the physical address of every node back to its
	// aliased memory, replacing the processor's physical access.
	tables map[uint64]*[entriesPerTable]Entry
}

// NewTables allocates an empty hierarchy.
func NewTables(alloc Allocator) (*Tables, error) {
	t := &Tables{
		alloc:  alloc,
		tables: make(map[uint64]*[entriesPerTable]Entry),
	}

	root, pa, err := t.allocTable()
	if err != nil {
		return nil, err
	}

	t.root = root
	t.rootPA = pa

	return t, nil
}

// EPTP returns the VMCS extended-page-table pointer for this hierarchy:
// write-back memory type, 4-level walk.
func (t *Tables) EPTP() uint64 {
	const walkLength = 3 // levels minus one

	return t.rootPA | MemTypeWB | (walkLength << 3)
}

func (t *Tables) allocTable() (*[entriesPerTable]Entry, uint64, error) {
	frame, pa, err := t.alloc.AllocFrame()
	if err != nil {
		return nil, 0, fmt.Errorf("allocating table node: %w", err)
	}

	node := tableFromFrame(frame)
	t.tables[pa] = node

	return node, pa, nil
}

func (t *Tables) lookupTable(pa uint64) (*[entriesPerTable]Entry, error) {
	node, ok := t.tables[pa]
	if !ok {
		return nil, ErrNotMapped
	}

	return node, nil
}

// next descends one level, allocating the table if the entry is not
// present yet.
func (t *Tables) next(e *Entry) (*[entriesPerTable]Entry, error) {
	if e.Present() {
		return t.lookupTable(e.Frame())
	}

	node, pa, err := t.allocTable()
	if err != nil {
		return nil, err
	}

	e.setTable(pa)

	return node, nil
}

func pml4Index(gpa uint64) uint64 { return (gpa >> 39) & (entriesPerTable - 1) }
func pdptIndex(gpa uint64) uint64 { return (gpa >> 30) & (entriesPerTable - 1) }
func pdIndex(gpa uint64) uint64   { return (gpa >> 21) & (entriesPerTable - 1) }
func ptIndex(gpa uint64) uint64   { return (gpa >> 12) & (entriesPerTable - 1) }

// pdEntry walks to the page-directory entry covering gpa, allocating
// intermediate tables as needed.
func (t *Tables) pdEntry(gpa uint64) (*Entry, error) {
	pdpt, err := t.next(&t.root[pml4Index(gpa)])
	if err != nil {
		return nil, err
	}

	pd, err := t.next(&pdpt[pdptIndex(gpa)])
	if err != nil {
		return nil, err
	}

	return &pd[pdIndex(gpa)], nil
}

// IdentityMap2M installs identity 2-MiB leaves over [start, end) with
// write-back memory type and pass-through access.
func (t *Tables) IdentityMap2M(start, end uint64) error {
	if start&^LargePageMask != 0 || end&^LargePageMask != 0 {
		return ErrUnaligned
	}

	for base := start; base < end; base += LargePageSize {
		pde, err := t.pdEntry(base)
		if err != nil {
			return err
		}

		pde.setLeaf(base, AccessPassThrough, MemTypeWB, true)
	}

	return nil
}

// Split2M replaces the 2-MiB leaf covering base with a page table of
// identity 4-KiB leaves carrying the same memory type. The caller is
// responsible for invalidation.
func (t *Tables) Split2M(base uint64) error {
	if base&^LargePageMask != 0 {
		return ErrUnaligned
	}

	pde, err := t.pdEntry(base)
	if err != nil {
		return err
	}

	if !pde.Present() {
		return ErrNotMapped
	}

	if !pde.Large() {
		// Already 4 KiB.
		return nil
	}

	memType := pde.MemType()

	pt, pa, err := t.allocTable()
	if err != nil {
		return err
	}

	for i := uint64(0); i < entriesPerTable; i++ {
		pt[i].setLeaf(base+i*PageSize, AccessPassThrough, memType, false)
	}

	pde.setTable(pa)

	return nil
}

// Coalesce2M undoes Split2M, restoring a single identity 2-MiB leaf and
// releasing the page-table node. The caller is responsible for
// invalidation.
func (t *Tables) Coalesce2M(base uint64) error {
	if base&^LargePageMask != 0 {
		return ErrUnaligned
	}

	pde, err := t.pdEntry(base)
	if err != nil {
		return err
	}

	if !pde.Present() {
		return ErrNotMapped
	}

	if pde.Large() {
		return nil
	}

	ptPA := pde.Frame()
	pde.setLeaf(base, AccessPassThrough, MemTypeWB, true)

	delete(t.tables, ptPA)
	t.alloc.FreeFrame(ptPA)

	return nil
}

// Leaf returns the 4-KiB leaf entry for gpa. The region must have been
// subdivided from its 2-MiB mapping first.
func (t *Tables) Leaf(gpa uint64) (*Entry, error) {
	pml4e := &t.root[pml4Index(gpa)]
	if !pml4e.Present() {
		return nil, ErrNotMapped
	}

	pdpt, err := t.lookupTable(pml4e.Frame())
	if err != nil {
		return nil, err
	}

	pdpte := &pdpt[pdptIndex(gpa)]
	if !pdpte.Present() {
		return nil, ErrNotMapped
	}

	pd, err := t.lookupTable(pdpte.Frame())
	if err != nil {
		return nil, err
	}

	pde := &pd[pdIndex(gpa)]
	if !pde.Present() {
		return nil, ErrNotMapped
	}

	if pde.Large() {
		return nil, ErrLargeMapping
	}

	pt, err := t.lookupTable(pde.Frame())
	if err != nil {
		return nil, err
	}

	return &pt[ptIndex(gpa)], nil
}
