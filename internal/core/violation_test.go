// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/vmx"
	"github.com/no-realm/tlb-split/internal/vmxtest"
)

const (
	creatorCR3 = uint64(0xAAAA)
	foreignCR3 = uint64(0xBBBB)
)

func creator() guestmem.AddressSpace {
	return guestmem.AddressSpace{CR3: creatorCR3}
}

// TestContentOracle is the happy path: fetches see the code frame,
// reads and writes see the data frame, teardown restores the original
// view.
func TestContentOracle(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)
	v.RIPValue = 0x1000

	gva := uint64(0x400123)
	pa := h.Machine.MapGuestPage(creatorCR3, 0x400000)
	h.Machine.Frame(pa)[0x123] = 0xDD

	require.NoError(t, h.Engine.CreateSplit(creator(), gva))
	require.NoError(t, h.Engine.ActivateSplit(creator(), gva))

	// Patch the code frame through the engine.
	srcPA := h.Machine.MapGuestPage(creatorCR3, 0x500000)
	h.Machine.Frame(srcPA)[0] = 0xCC
	require.NoError(t, h.Engine.WriteToCode(creator(), 0x500000, gva, 1))

	fetched, err := h.Machine.Fetch(h.Dispatcher, v, gva)
	require.NoError(t, err)
	assert.EqualValues(t, 0xCC, fetched, "fetch observes the code frame")

	read, err := h.Machine.Read(h.Dispatcher, v, gva)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDD, read, "read observes the data frame")

	// And back again.
	fetched, err = h.Machine.Fetch(h.Dispatcher, v, gva)
	require.NoError(t, err)
	assert.EqualValues(t, 0xCC, fetched)

	require.NoError(t, h.Engine.DeactivateSplit(creator(), gva))

	read, err = h.Machine.Read(h.Dispatcher, v, gva)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDD, read)

	fetched, err = h.Machine.Fetch(h.Dispatcher, v, gva)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDD, fetched, "pass-through again after teardown")
}

// TestOwnWriterFlipsToData exercises the write branch for the creating
// address space: the split survives, the write lands in the data frame.
func TestOwnWriterFlipsToData(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)
	v.RIPValue = 0x2000

	pa := h.Machine.MapGuestPage(creatorCR3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(creator(), 0x400000))

	require.NoError(t, h.Machine.Write(h.Dispatcher, v, 0x400010, 0x5A))

	assert.EqualValues(t, 0x5A, h.Machine.Frame(pa)[0x10], "write reaches the data frame")
	assert.Equal(t, 1, h.Engine.Splits(), "split survives its own writer")

	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, ept.AccessReadWrite, leaf.Access())
	assert.Equal(t, pa, leaf.Frame())
}

// TestForeignWriterTearsDown: the first write from a different CR3
// removes the split within one violation round-trip.
func TestForeignWriterTearsDown(t *testing.T) {
	h := vmxtest.NewHarness(t)

	pa := h.Machine.MapGuestPage(creatorCR3, 0x400000)
	h.Machine.SetTranslation(foreignCR3, 0x700000, pa)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(creator(), 0x400000))

	foreign := h.NewVCPU(1, foreignCR3)
	foreign.RIPValue = 0x70000010

	require.NoError(t, h.Machine.Write(h.Dispatcher, foreign, 0x700010, 0x77))

	assert.Zero(t, h.Engine.Splits(), "foreign writer tears the split down")
	assert.EqualValues(t, 0x77, h.Machine.Frame(pa)[0x10])

	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, ept.AccessPassThrough, leaf.Access())

	records := h.Flips.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(0x70000010), records[0].RIP)
	assert.Equal(t, uint64(0b010), records[0].AccessBits)
	assert.Equal(t, uint64(1), records[0].Count)
	assert.Equal(t, foreignCR3, records[0].CR3)
}

// TestReadExecClassifiedAsRead pins the W > R > X priority: a combined
// R+X qualification flips to the data frame.
func TestReadExecClassifiedAsRead(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)
	v.RIPValue = 0x3000

	pa := h.Machine.MapGuestPage(creatorCR3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(creator(), 0x400000))

	v.GLA = 0x400000
	v.GPA = pa
	v.Qual = vmx.QualRead | vmx.QualExec

	require.NoError(t, h.Dispatcher.Dispatch(vmx.ExitEPTViolation, v))

	leaf, err := h.Hooked.Leaf(pa)
	require.NoError(t, err)
	assert.Equal(t, pa, leaf.Frame(), "classified as read: data frame")
	assert.Equal(t, ept.AccessReadWrite, leaf.Access())
}

// TestUnexpectedViolationResetsLeaf: a violation for a page the
// registry does not know resets it to pass-through and records nothing.
func TestUnexpectedViolationResetsLeaf(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)

	h.Machine.MapGuestPage(creatorCR3, 0x400000)
	other := h.Machine.MapGuestPage(creatorCR3, 0x401000)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))

	// Sabotage the neighbor leaf the way a stale configuration would.
	leaf, err := h.Hooked.Leaf(other)
	require.NoError(t, err)
	leaf.Set(other, ept.AccessExecOnly)

	v.GLA = 0x401010
	v.GPA = other | 0x10
	v.Qual = vmx.QualRead

	require.NoError(t, h.Dispatcher.Dispatch(vmx.ExitEPTViolation, v))

	leaf, err = h.Hooked.Leaf(other)
	require.NoError(t, err)
	assert.Equal(t, other, leaf.Frame())
	assert.Equal(t, ept.AccessPassThrough, leaf.Access())
	assert.Zero(t, h.Flips.Count(), "unexpected violations are not flips")
}

// TestFlipLogDedupUnderLoad drives 1000 read/fetch alternations from
// one RIP and expects exactly one read record with count 1000.
func TestFlipLogDedupUnderLoad(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)
	v.RIPValue = 0x70000010

	h.Machine.MapGuestPage(creatorCR3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(creator(), 0x400000))

	for i := 0; i < 1000; i++ {
		_, err := h.Machine.Read(h.Dispatcher, v, 0x400020)
		require.NoError(t, err)

		_, err = h.Machine.Fetch(h.Dispatcher, v, 0x400020)
		require.NoError(t, err)
	}

	var readCount, execCount uint64

	for _, r := range h.Flips.Snapshot() {
		switch r.AccessBits {
		case uint64(vmx.QualRead):
			readCount = r.Count
		case uint64(vmx.QualExec):
			execCount = r.Count
		}
	}

	assert.Equal(t, 2, h.Flips.Count(), "one record per (rip, bits) pair")
	assert.Equal(t, uint64(1000), readCount)
	assert.Equal(t, uint64(1000), execCount)
}

// TestThrashMitigation: the 4th consecutive same-RIP violation runs one
// instruction under the clean view and restores the hooked view.
func TestThrashMitigation(t *testing.T) {
	h := vmxtest.NewHarness(t)
	v := h.NewVCPU(0, creatorCR3)
	v.RIPValue = 0x70000010

	h.Machine.MapGuestPage(creatorCR3, 0x400000)

	require.NoError(t, h.Engine.CreateSplit(creator(), 0x400000))
	require.NoError(t, h.Engine.ActivateSplit(creator(), 0x400000))

	// Each loop iteration produces one read and one exec violation at
	// the same RIP; the 4th violation engages the clean-view step.
	for i := 0; i < 2; i++ {
		_, err := h.Machine.Read(h.Dispatcher, v, 0x400000)
		require.NoError(t, err)

		_, err = h.Machine.Fetch(h.Dispatcher, v, 0x400000)
		require.NoError(t, err)
	}

	require.NotEmpty(t, v.EPTPLog, "clean-view step must have engaged")
	assert.Contains(t, v.EPTPLog, h.Clean.EPTP())

	assert.Equal(t, h.Hooked.EPTP(), v.EPTP, "hooked view restored after the single step")
	assert.False(t, v.MonitorTrap, "monitor trap disarmed")
}
