// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package split_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/split"
	"github.com/no-realm/tlb-split/internal/vmxtest"
)

const cr3 = uint64(0xAAAA)

func space() guestmem.AddressSpace {
	return guestmem.AddressSpace{CR3: cr3}
}

func TestCreateSplitRemapsRegion(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x400000)

	_, err := h.Hooked.Leaf(pa)
	require.ErrorIs(t, err, ept.ErrLargeMapping, "region starts out as a 2-MiB leaf")

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400123))

	// The region is 4-KiB granular now, the split page still identity
	// pass-through until activation.
	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, pa, leaf.Frame())
	assert.Equal(t, ept.AccessPassThrough, leaf.Access())

	assert.Positive(t, h.Machine.Invalidations, "remap must invalidate")

	ctx, ok := h.Engine.Inspect(pa)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400123), ctx.GVA)
	assert.Equal(t, uint64(0x400000), ctx.DVA)
	assert.Equal(t, cr3, ctx.CR3)
	assert.Equal(t, uint64(1), ctx.Hooks)
	assert.False(t, ctx.Active)
	assert.Equal(t, uint64(1), h.Engine.RegionSplits(pa))
}

func TestCreateSplitSeedsCodeFrame(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x400000)

	data := h.Machine.Frame(pa)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))

	ctx, ok := h.Engine.Inspect(pa)
	require.True(t, ok)
	assert.Equal(t, data, ctx.Code, "code frame starts as a copy of the data frame")
	assert.NotEqual(t, pa, ctx.CPA)
}

func TestCreateSplitBadArgs(t *testing.T) {
	h := vmxtest.NewHarness(t)

	assert.ErrorIs(t, h.Engine.CreateSplit(space(), 0), split.ErrBadArgument)
	assert.ErrorIs(t, h.Engine.CreateSplit(space(), 0x400000), guestmem.ErrNotMapped)
}

func TestActivateSplit(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x400000)

	assert.ErrorIs(t, h.Engine.ActivateSplit(space(), 0x400000), split.ErrNoSplit)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(space(), 0x400000))

	ctx, ok := h.Engine.Inspect(pa)
	require.True(t, ok)
	require.True(t, ctx.Active)

	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, ctx.CPA, leaf.Frame())
	assert.Equal(t, ept.AccessExecOnly, leaf.Access())

	// Re-activation is a no-op.
	before := h.Machine.Invalidations
	require.NoError(t, h.Engine.ActivateSplit(space(), 0x400080))
	assert.Equal(t, before, h.Machine.Invalidations)
}

func TestHookRefcount(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))
	require.NoError(t, h.Engine.CreateSplit(space(), 0x400080))
	require.NoError(t, h.Engine.ActivateSplit(space(), 0x400000))

	ctx, ok := h.Engine.Inspect(pa)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ctx.Hooks)

	// First deactivation only drops the hook.
	require.NoError(t, h.Engine.DeactivateSplit(space(), 0x400080))
	ctx, ok = h.Engine.Inspect(pa)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ctx.Hooks)
	assert.True(t, ctx.Active)

	// Second one tears down and restores pass-through.
	require.NoError(t, h.Engine.DeactivateSplit(space(), 0x400000))
	_, ok = h.Engine.Inspect(pa)
	assert.False(t, ok)

	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, pa, leaf.Frame())
	assert.Equal(t, ept.AccessPassThrough, leaf.Access())
	assert.Zero(t, h.Engine.RegionSplits(pa))
}

func TestRegionCountsSplitsNotHooks(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa1 := h.Machine.MapGuestPage(cr3, 0x400000)
	h.Machine.MapGuestPage(cr3, 0x401000)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))
	require.NoError(t, h.Engine.CreateSplit(space(), 0x401000))
	require.NoError(t, h.Engine.CreateSplit(space(), 0x400080), "second hook, same page")

	// Both frames come from the same bump allocator region.
	assert.Equal(t, uint64(2), h.Engine.RegionSplits(pa1), "hooks do not bump the region count")

	require.NoError(t, h.Engine.DeactivateSplit(space(), 0x401000))
	assert.Equal(t, uint64(1), h.Engine.RegionSplits(pa1))

	// The tracked count matches an actual walk of the registry.
	perRegion := make(map[uint64]uint64)

	h.Engine.Enumerate(func(ctx split.Context) bool {
		perRegion[ctx.DPA&ept.LargePageMask]++

		return true
	})

	for base, n := range perRegion {
		assert.Equal(t, n, h.Engine.RegionSplits(base))
	}
}

func TestIsSplit(t *testing.T) {
	h := vmxtest.NewHarness(t)
	h.Machine.MapGuestPage(cr3, 0x400000)

	assert.Equal(t, split.StatusUnmapped, h.Engine.IsSplit(space(), 0x500000))
	assert.Equal(t, split.StatusNone, h.Engine.IsSplit(space(), 0x400000))
	assert.Equal(t, split.StatusNone, h.Engine.IsSplit(space(), 0))

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))
	assert.Equal(t, split.StatusNone, h.Engine.IsSplit(space(), 0x400000), "created but not yet active")

	require.NoError(t, h.Engine.ActivateSplit(space(), 0x400000))
	assert.Equal(t, split.StatusActive, h.Engine.IsSplit(space(), 0x400123))
}

func TestWriteToCodeSinglePage(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x600000)
	srcPA := h.Machine.MapGuestPage(cr3, 0x500000)

	copy(h.Machine.Frame(srcPA), []byte{0xAA, 0xBB, 0xCC})

	require.NoError(t, h.Engine.CreateSplit(space(), 0x600000))
	require.NoError(t, h.Engine.WriteToCode(space(), 0x500000, 0x600010, 3))

	ctx, ok := h.Engine.Inspect(pa)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, ctx.Code[0x10:0x13])

	// The data frame is untouched.
	assert.Equal(t, []byte{0, 0, 0}, h.Machine.Frame(pa)[0x10:0x13])
}

func TestWriteToCodeCrossPage(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa1 := h.Machine.MapGuestPage(cr3, 0x600000)
	pa2 := h.Machine.MapGuestPage(cr3, 0x601000)
	srcPA := h.Machine.MapGuestPage(cr3, 0x500000)

	copy(h.Machine.Frame(srcPA), []byte{1, 2, 3, 4})

	require.NoError(t, h.Engine.CreateSplit(space(), 0x600000))
	require.NoError(t, h.Engine.ActivateSplit(space(), 0x600000))

	require.NoError(t, h.Engine.WriteToCode(space(), 0x500000, 0x600FFE, 4))

	ctx1, ok := h.Engine.Inspect(pa1)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, ctx1.Code[0xFFE:0x1000], "first segment lands at the tail of the first frame")

	// The second page was auto-split as a write-only secondary and
	// activated.
	ctx2, ok := h.Engine.Inspect(pa2)
	require.True(t, ok)
	assert.True(t, ctx2.Active)
	assert.Zero(t, ctx2.Hooks)
	assert.Equal(t, []byte{3, 4}, ctx2.Code[:2], "second segment lands at the head of the second frame")
}

func TestAdjacentWriteOnlySplitReclaimed(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa1 := h.Machine.MapGuestPage(cr3, 0x600000)
	pa2 := h.Machine.MapGuestPage(cr3, 0x601000)
	h.Machine.MapGuestPage(cr3, 0x500000)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x600000))
	require.NoError(t, h.Engine.WriteToCode(space(), 0x500000, 0x600FFF, 2))

	require.Equal(t, 2, h.Engine.Splits())

	require.NoError(t, h.Engine.DeactivateSplit(space(), 0x600000))

	assert.Zero(t, h.Engine.Splits(), "the write-only neighbor goes with the primary split")

	for _, pa := range []uint64{pa1, pa2} {
		leaf, err := h.Hooked.Leaf(pa)
		require.NoError(t, err)
		assert.Equal(t, ept.AccessPassThrough, leaf.Access())
	}
}

func TestWriteToCodeErrors(t *testing.T) {
	h := vmxtest.NewHarness(t)
	h.Machine.MapGuestPage(cr3, 0x600000)
	h.Machine.MapGuestPage(cr3, 0x500000)

	assert.ErrorIs(t, h.Engine.WriteToCode(space(), 0, 0x600000, 1), split.ErrBadArgument)
	assert.ErrorIs(t, h.Engine.WriteToCode(space(), 0x500000, 0, 1), split.ErrBadArgument)
	assert.ErrorIs(t, h.Engine.WriteToCode(space(), 0x500000, 0x600000, 0), split.ErrBadArgument)

	// More than two destination pages.
	assert.ErrorIs(t, h.Engine.WriteToCode(space(), 0x500000, 0x600FFF, 0x2000), split.ErrBadArgument)

	// No split yet.
	assert.ErrorIs(t, h.Engine.WriteToCode(space(), 0x500000, 0x600000, 4), split.ErrNoSplit)
}

func TestDeactivateAll(t *testing.T) {
	h := vmxtest.NewHarness(t)
	pa := h.Machine.MapGuestPage(cr3, 0x400000)
	h.Machine.MapGuestPage(cr3, 0x401000)
	h.Machine.MapGuestPage(cr3, 0xA00000)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))
	require.NoError(t, h.Engine.CreateSplit(space(), 0x400123), "second hook on the first page")
	require.NoError(t, h.Engine.CreateSplit(space(), 0x401000))
	require.NoError(t, h.Engine.CreateSplit(space(), 0xA00000))
	require.NoError(t, h.Engine.ActivateSplit(space(), 0x401000))

	require.Equal(t, 3, h.Engine.Splits())

	require.NoError(t, h.Engine.DeactivateAll())

	assert.Zero(t, h.Engine.Splits())
	assert.Zero(t, h.Engine.RegionSplits(pa))
}

func TestRecoalesce(t *testing.T) {
	h := vmxtest.NewHarness(t, split.WithRecoalesce())
	pa := h.Machine.MapGuestPage(cr3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(space(), 0x400000))

	_, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)

	require.NoError(t, h.Engine.DeactivateSplit(space(), 0x400000))

	_, err = h.Hooked.Leaf(pa)
	assert.ErrorIs(t, err, ept.ErrLargeMapping, "region returns to a 2-MiB leaf")
}
