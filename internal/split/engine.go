// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package split

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/util"
)

// Engine errors. All of them surface to the guest as a 0 status.
var (
	// ErrBadArgument flags a zero address or size at the boundary.
	ErrBadArgument = errors.New("bad argument")

	// ErrNoSplit flags an operation against an unknown split.
	ErrNoSplit = errors.New("no split for this page")
)

// Invalidator issues the global VPID and EPT invalidation required
// after leaf changes made outside the violation handler.
type Invalidator interface {
	InvalidateAll()
}

// Engine implements the split operations. One lock guards the registry,
// the region tracker and every leaf rewrite; the lock is never held
// across guest-memory map acquisition, which may allocate.
type Engine struct {
	logger *slog.Logger
	mem    guestmem.Memory
	frames guestmem.FrameAllocator
	tables *ept.Tables
	inv    Invalidator

	recoalesce bool

	mu      sync.Mutex
	splits  *Registry
	regions *RegionTracker
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithRecoalesce re-forms the 2-MiB mapping of a region when its last
// split is torn down. Off by default.
func WithRecoalesce() Option {
	return func(e *Engine) { e.recoalesce = true }
}

// NewEngine wires an engine against the hooked EPT hierarchy.
func NewEngine(logger *slog.Logger, mem guestmem.Memory, frames guestmem.FrameAllocator, tables *ept.Tables, inv Invalidator, opts ...Option) *Engine {
	e := &Engine{
		logger:  logger,
		mem:     mem,
		frames:  frames,
		tables:  tables,
		inv:     inv,
		splits:  NewRegistry(),
		regions: NewRegionTracker(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateSplit prepares a split context for the page holding gva: the
// owning 2-MiB region is remapped to 4-KiB granularity if needed, a code
// frame is allocated and seeded with the current data-frame bytes. A
// second create against the same frame only bumps the hook count.
func (e *Engine) CreateSplit(as guestmem.AddressSpace, gva uint64) error {
	if gva == 0 {
		return ErrBadArgument
	}

	dva := gva & ept.PageMask

	dpa, err := e.mem.VirtToPhys(as, dva)
	if err != nil {
		return fmt.Errorf("translating %s: %w", util.Hex(dva), err)
	}

	// Acquired before the lock; unused when the page is already split.
	mapping, err := e.mem.Map(as, dva, ept.PageSize)
	if err != nil {
		return fmt.Errorf("mapping data page %s: %w", util.Hex(dva), err)
	}
	defer mapping.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx, ok := e.splits.Lookup(dpa); ok {
		ctx.Hooks++
		e.logger.Debug("page already split", "d_pa", util.Hex(dpa), "hooks", ctx.Hooks)

		return nil
	}

	_, err = e.createLocked(as, gva, dva, dpa, mapping.Bytes(), 1)

	return err
}

// createLocked installs a fresh context. Caller holds the lock and has
// already mapped the data page.
func (e *Engine) createLocked(as guestmem.AddressSpace, gva, dva, dpa uint64, data []byte, hooks uint64) (*Context, error) {
	base := dpa & ept.LargePageMask
	if !e.regions.Tracked(base) {
		if err := e.tables.Split2M(base); err != nil {
			return nil, fmt.Errorf("remapping region %s: %w", util.Hex(base), err)
		}

		e.regions.Track(base)
		e.inv.InvalidateAll()
		e.logger.Debug("remapped region from 2m to 4k", "region", util.Hex(base))
	}

	frame, cpa, err := e.frames.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating code frame: %w", err)
	}

	frame = frame[:ept.PageSize]
	copy(frame, data)

	ctx := &Context{
		Code:  frame,
		CPA:   cpa,
		DVA:   dva,
		DPA:   dpa,
		GVA:   gva,
		CR3:   as.CR3,
		Hooks: hooks,
	}

	e.splits.Insert(ctx)
	n := e.regions.Inc(base)
	e.logger.Debug("split page", "d_pa", util.Hex(dpa), "c_pa", util.Hex(cpa), "region_splits", n)

	return ctx, nil
}

// ActivateSplit flips the EPT leaf of the page holding gva to the code
// frame with exec-only access. Activating an active split is a no-op.
func (e *Engine) ActivateSplit(as guestmem.AddressSpace, gva uint64) error {
	if gva == 0 {
		return ErrBadArgument
	}

	dva := gva & ept.PageMask

	dpa, err := e.mem.VirtToPhys(as, dva)
	if err != nil {
		return fmt.Errorf("translating %s: %w", util.Hex(dva), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		e.logger.Warn("no split found", "d_pa", util.Hex(dpa))

		return ErrNoSplit
	}

	return e.activateLocked(ctx)
}

func (e *Engine) activateLocked(ctx *Context) error {
	if ctx.Active {
		e.logger.Debug("split already active", "d_pa", util.Hex(ctx.DPA))

		return nil
	}

	leaf, err := e.tables.Leaf(ctx.DPA)
	if err != nil {
		return fmt.Errorf("locating leaf for %s: %w", util.Hex(ctx.DPA), err)
	}

	leaf.Set(ctx.CPA, ept.AccessExecOnly)
	e.inv.InvalidateAll()
	ctx.Active = true
	e.logger.Debug("activated split", "d_pa", util.Hex(ctx.DPA))

	return nil
}

// DeactivateSplit drops one hook from the page holding gva and tears
// the split down when the last hook goes.
func (e *Engine) DeactivateSplit(as guestmem.AddressSpace, gva uint64) error {
	if gva == 0 {
		return ErrBadArgument
	}

	dva := gva & ept.PageMask

	dpa, err := e.mem.VirtToPhys(as, dva)
	if err != nil {
		return fmt.Errorf("translating %s: %w", util.Hex(dva), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.deactivateLocked(dpa)
}

// DeactivateByPA tears down by data-frame physical address. Used by the
// violation handler for foreign-writer teardown.
func (e *Engine) DeactivateByPA(dpa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.deactivateLocked(dpa)
}

func (e *Engine) deactivateLocked(dpa uint64) error {
	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		e.logger.Warn("no split found", "d_pa", util.Hex(dpa))

		return ErrNoSplit
	}

	if ctx.Hooks > 1 {
		ctx.Hooks--
		e.logger.Debug("other hooks remain", "d_pa", util.Hex(dpa), "hooks", ctx.Hooks)

		return nil
	}

	leaf, err := e.tables.Leaf(dpa)
	if err != nil {
		return fmt.Errorf("locating leaf for %s: %w", util.Hex(dpa), err)
	}

	leaf.Set(ctx.DPA, ept.AccessPassThrough)
	e.splits.Delete(dpa)
	e.inv.InvalidateAll()
	e.frames.FreeFrame(ctx.CPA)

	base := dpa & ept.LargePageMask
	left := e.regions.Dec(base)
	e.logger.Debug("deactivated split",
		"d_pa", util.Hex(dpa), "region_splits", left, "total", e.splits.Len(), "regions", e.regions.Len())

	if e.recoalesce && left == 0 {
		if err := e.tables.Coalesce2M(base); err != nil {
			return fmt.Errorf("recoalescing region %s: %w", util.Hex(base), err)
		}

		e.regions.Forget(base)
		e.inv.InvalidateAll()
		e.logger.Debug("recoalesced region to 2m", "region", util.Hex(base))
	}

	// A zero-hook neighbor is a residue of an earlier cross-page write;
	// reclaim it along with this split.
	if next, ok := e.splits.Next(dpa + ept.PageSize); ok && next.DPA == dpa+ept.PageSize && next.Hooks == 0 {
		e.logger.Debug("deactivating adjacent write-only split", "d_pa", util.Hex(next.DPA))

		return e.deactivateLocked(next.DPA)
	}

	return nil
}

// DeactivateAll tears down every split, repeatedly taking the head
// element until the registry is empty.
func (e *Engine) DeactivateAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug("deactivating all splits", "total", e.splits.Len())

	for {
		head, ok := e.splits.Min()
		if !ok {
			return nil
		}

		if err := e.deactivateLocked(head.DPA); err != nil {
			return err
		}
	}
}

// IsSplit reports whether the page holding gva is split and active.
func (e *Engine) IsSplit(as guestmem.AddressSpace, gva uint64) Status {
	if gva == 0 {
		return StatusNone
	}

	dva := gva & ept.PageMask

	dpa, err := e.mem.VirtToPhys(as, dva)
	if err != nil {
		return StatusUnmapped
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx, ok := e.splits.Lookup(dpa); ok && ctx.Active {
		return StatusActive
	}

	return StatusNone
}

// WriteToCode copies size bytes from the guest range at from into the
// code frame(s) backing the range at to. A destination spanning two
// pages auto-splits the second page as a write-only secondary split.
// The copy is bounded by two pages per invocation.
func (e *Engine) WriteToCode(as guestmem.AddressSpace, from, to, size uint64) error {
	if from == 0 || to == 0 || size == 0 {
		return ErrBadArgument
	}

	end := to + size - 1
	if end>>12 > to>>12+1 {
		return ErrBadArgument
	}

	dva := to & ept.PageMask

	dpa, err := e.mem.VirtToPhys(as, dva)
	if err != nil {
		return fmt.Errorf("translating %s: %w", util.Hex(dva), err)
	}

	crossing := end>>12 != to>>12

	var (
		endVA, endPA uint64
		endMapping   guestmem.Mapping
	)

	if crossing {
		endVA = dva + ept.PageSize

		endPA, err = e.mem.VirtToPhys(as, endVA)
		if err != nil {
			return fmt.Errorf("translating %s: %w", util.Hex(endVA), err)
		}

		// Pre-mapped in case the second page needs a fresh split; maps
		// are never acquired under the lock.
		endMapping, err = e.mem.Map(as, endVA, ept.PageSize)
		if err != nil {
			return fmt.Errorf("mapping second page %s: %w", util.Hex(endVA), err)
		}
		defer endMapping.Close()
	}

	srcMapping, err := e.mem.Map(as, from, size)
	if err != nil {
		return fmt.Errorf("mapping source %s: %w", util.Hex(from), err)
	}
	defer srcMapping.Close()

	src := srcMapping.Bytes()

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		e.logger.Warn("no split found", "d_pa", util.Hex(dpa))

		return ErrNoSplit
	}

	offset := to & (ept.PageSize - 1)

	if !crossing {
		e.logger.Debug("writing to one code frame", "d_pa", util.Hex(dpa), "size", size)
		copy(ctx.Code[offset:], src)

		return nil
	}

	second, ok := e.splits.Lookup(endPA)
	if !ok {
		e.logger.Debug("splitting second page for cross-page write", "d_pa", util.Hex(endPA))

		second, err = e.createLocked(as, endVA, endVA, endPA, endMapping.Bytes(), 0)
		if err != nil {
			return err
		}

		if err := e.activateLocked(second); err != nil {
			return err
		}
	}

	first := ept.PageSize - offset
	e.logger.Debug("writing across two code frames", "d_pa", util.Hex(dpa), "end_pa", util.Hex(endPA), "first", first, "second", size-first)
	copy(ctx.Code[offset:], src[:first])
	copy(second.Code, src[first:])

	return nil
}

// Enumerate visits a copy of every context in address order while fn
// returns true.
func (e *Engine) Enumerate(fn func(ctx Context) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.splits.Ascend(func(ctx *Context) bool {
		return fn(*ctx)
	})
}

// Inspect returns a copy of the context for dpa, for the violation
// handler's classification step.
func (e *Engine) Inspect(dpa uint64) (Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		return Context{}, false
	}

	return *ctx, true
}

// FlipToData points the leaf for dpa back at the data frame with
// read-write-trap access. Called from the violation handler, so no
// invalidation: the hardware invalidates the violating translation
// itself.
func (e *Engine) FlipToData(dpa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		return ErrNoSplit
	}

	leaf, err := e.tables.Leaf(dpa)
	if err != nil {
		return err
	}

	leaf.Set(ctx.DPA, ept.AccessReadWrite)

	return nil
}

// FlipToCode points the leaf for dpa at the code frame with exec-only
// access. Same invalidation rule as FlipToData.
func (e *Engine) FlipToCode(dpa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, ok := e.splits.Lookup(dpa)
	if !ok {
		return ErrNoSplit
	}

	leaf, err := e.tables.Leaf(dpa)
	if err != nil {
		return err
	}

	leaf.Set(ctx.CPA, ept.AccessExecOnly)

	return nil
}

// ResetPassThrough restores the identity pass-through mapping for the
// page holding gpa. Recovery path for violations on pages the registry
// does not know.
func (e *Engine) ResetPassThrough(gpa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dpa := gpa & ept.PageMask

	leaf, err := e.tables.Leaf(dpa)
	if err != nil {
		return err
	}

	leaf.Set(dpa, ept.AccessPassThrough)

	return nil
}

// Splits returns the number of live split contexts.
func (e *Engine) Splits() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.splits.Len()
}

// RegionSplits returns the tracked split count for the 2-MiB region
// holding pa.
func (e *Engine) RegionSplits(pa uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.regions.Count(pa & ept.LargePageMask)
}
