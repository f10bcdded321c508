// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package split owns the TLB-split state: per-page split contexts, the
// registry keyed by data-frame physical address, the 2-MiB region
// tracker and the engine operating on all three.
package split

// Context is the state of one hooked 4-KiB page. The page is backed by
// two frames: the original guest data frame and a host-owned code frame
// served on instruction fetches while the split is active.
type Context struct {
	// Code is the owned code-frame memory; CPA its host-physical
	// address.
	Code []byte
	CPA  uint64

	// DVA and DPA are the guest-virtual (4-KiB aligned) and
	// guest-physical addresses of the data frame.
	DVA uint64
	DPA uint64

	// GVA is the unaligned guest virtual address of the first create
	// request, kept for diagnostics.
	GVA uint64

	// CR3 identifies the address space that created the split.
	CR3 uint64

	// Hooks counts the hooks anchored in this page. A zero value marks
	// a write-only secondary split created by a cross-page write.
	Hooks uint64

	// Active is set once the EPT leaf has pointed at the code frame.
	Active bool
}

// Status is the three-valued result of an is_split query.
type Status int

// Status values, as returned to the guest.
const (
	// StatusUnmapped: the guest virtual address has no valid backing.
	StatusUnmapped Status = -1
	// StatusNone: no active split covers the page.
	StatusNone Status = 0
	// StatusActive: the page is split and active.
	StatusActive Status = 1
)
