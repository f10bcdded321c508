// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmcall_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// scriptedCaller answers every call with a fixed r02 and keeps the last
// frame for inspection.
type scriptedCaller struct {
	r02  uint64
	last vmcall.Registers
}

func (s *scriptedCaller) Call(regs *vmcall.Registers) error {
	s.last = *regs
	regs.R02 = s.r02

	return nil
}

func TestNewRegisters(t *testing.T) {
	regs := vmcall.NewRegisters(vmcall.OpCreateSplit)

	assert.Equal(t, vmcall.ModeRegisters, regs.R00)
	assert.Equal(t, vmcall.Magic, regs.R01)
	assert.Equal(t, vmcall.OpCreateSplit, regs.R02)
	assert.True(t, regs.Matches())

	regs.R01 = 0
	assert.False(t, regs.Matches())
}

func TestClientStatusMapping(t *testing.T) {
	caller := &scriptedCaller{r02: vmcall.StatusSuccess}
	client := vmcall.NewClient(caller)

	require.NoError(t, client.CreateSplit(0x400123))
	assert.Equal(t, vmcall.OpCreateSplit, caller.last.R02)
	assert.Equal(t, uint64(0x400123), caller.last.R03)

	caller.r02 = vmcall.StatusFailure
	assert.ErrorIs(t, client.ActivateSplit(0x400123), vmcall.ErrCallFailed)

	caller.r02 = vmcall.StatusUnknownMethod
	assert.ErrorIs(t, client.DeactivateAll(), vmcall.ErrUnknownMethod)
}

func TestClientIsSplit(t *testing.T) {
	caller := &scriptedCaller{}
	client := vmcall.NewClient(caller)

	caller.r02 = vmcall.StatusSuccess
	state, err := client.IsSplit(0x400000)
	require.NoError(t, err)
	assert.Equal(t, vmcall.SplitActive, state)

	caller.r02 = vmcall.StatusFailure
	state, err = client.IsSplit(0x400000)
	require.NoError(t, err)
	assert.Equal(t, vmcall.SplitNone, state)

	caller.r02 = vmcall.StatusUnmapped
	state, err = client.IsSplit(0x400000)
	require.NoError(t, err)
	assert.Equal(t, vmcall.SplitUnmapped, state)
}

func TestClientWriteToCode(t *testing.T) {
	caller := &scriptedCaller{r02: vmcall.StatusSuccess}
	client := vmcall.NewClient(caller)

	require.NoError(t, client.WriteToCode(0x500000, 0x600FFE, 4))
	assert.Equal(t, uint64(0x500000), caller.last.R03)
	assert.Equal(t, uint64(0x600FFE), caller.last.R04)
	assert.Equal(t, uint64(4), caller.last.R05)
}

func TestFlipRecordRoundTrip(t *testing.T) {
	in := []vmcall.FlipRecord{
		{RIP: 0x70000010, GVA: 0x400123, OriginalGVA: 0x400120, GPA: 0x7123, DPA: 0x7000, CR3: 0xAAAA, AccessBits: 0b001, Count: 7},
		{RIP: 0x70000020, AccessBits: 0b100, Count: 1},
	}

	b := vmcall.MarshalFlipRecords(in)
	require.Len(t, b, 2*vmcall.FlipRecordSize)

	out, err := vmcall.DecodeFlipRecords(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeFlipRecordsTruncated(t *testing.T) {
	_, err := vmcall.DecodeFlipRecords(make([]byte, vmcall.FlipRecordSize+1))
	assert.ErrorIs(t, err, vmcall.ErrTruncatedRecord)
}
