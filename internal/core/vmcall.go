// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"

	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/split"
	"github.com/no-realm/tlb-split/internal/util"
	"github.com/no-realm/tlb-split/internal/vmx"
	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// ErrBadFlipBuffer flags a flip-data output buffer whose size is not a
// whole number of records or is larger than the current snapshot. A zero
// address or size is rejected earlier with split.ErrBadArgument.
var ErrBadFlipBuffer = errors.New("bad flip data buffer size")

// HandleVMCall validates the register protocol and routes the method to
// the engine. The status replaces r02; pointers are passed through
// untouched and resolved by the guest-memory mapper.
func (c *Core) HandleVMCall(v vmx.VCPU) error {
	regs := v.VMCallRegisters()
	if !regs.Matches() {
		// Not ours; leave the frame for other vmcall consumers.
		return nil
	}

	as := guestmem.AddressSpace{CR3: v.CR3(), PAT: v.PAT()}
	op := regs.R02

	switch op {
	case vmcall.OpPresent:
		regs.R02 = vmcall.StatusSuccess

	case vmcall.OpCreateSplit:
		regs.R02 = c.status(op, c.engine.CreateSplit(as, regs.R03))

	case vmcall.OpActivateSplit:
		regs.R02 = c.status(op, c.engine.ActivateSplit(as, regs.R03))

	case vmcall.OpDeactivateSplit:
		regs.R02 = c.status(op, c.engine.DeactivateSplit(as, regs.R03))

	case vmcall.OpDeactivateAll:
		regs.R02 = c.status(op, c.engine.DeactivateAll())

	case vmcall.OpIsSplit:
		regs.R02 = uint64(int64(c.engine.IsSplit(as, regs.R03)))

	case vmcall.OpWriteToCode:
		regs.R02 = c.status(op, c.engine.WriteToCode(as, regs.R03, regs.R04, regs.R05))

	case vmcall.OpGetFlipCount:
		regs.R02 = uint64(c.flips.Count())

	case vmcall.OpGetFlipData:
		regs.R02 = c.status(op, c.copyFlipData(as, regs.R03, regs.R04))

	case vmcall.OpClearFlips:
		c.flips.Clear()
		regs.R02 = vmcall.StatusSuccess

	case vmcall.OpRemoveFlip:
		if regs.R03 == 0 {
			regs.R02 = c.status(op, split.ErrBadArgument)

			break
		}

		removed := c.flips.Remove(regs.R03)
		c.logger.Debug("removed flip records", "rip", util.Hex(regs.R03), "removed", removed)
		regs.R02 = vmcall.StatusSuccess

	default:
		c.logger.Warn("unknown vmcall method", "method", op)
		regs.R02 = vmcall.StatusUnknownMethod
	}

	return nil
}

// status maps an engine result onto the 1/0 wire convention.
func (c *Core) status(op uint64, err error) uint64 {
	if err == nil {
		return vmcall.StatusSuccess
	}

	c.logger.Debug("vmcall failed", "method", op, "err", err)

	return vmcall.StatusFailure
}

// copyFlipData writes the flip-log snapshot into the guest buffer at
// outVA. outSize must be a non-zero multiple of the record size and no
// larger than the snapshot.
func (c *Core) copyFlipData(as guestmem.AddressSpace, outVA, outSize uint64) error {
	if outVA == 0 || outSize == 0 {
		return split.ErrBadArgument
	}

	if outSize%vmcall.FlipRecordSize != 0 {
		return ErrBadFlipBuffer
	}

	// The snapshot is taken under the log lock only; flip recording
	// never waits on EPT mutation.
	data := c.flips.Marshal()
	if outSize > uint64(len(data)) {
		return ErrBadFlipBuffer
	}

	mapping, err := c.mem.Map(as, outVA, outSize)
	if err != nil {
		return fmt.Errorf("mapping output buffer %s: %w", util.Hex(outVA), err)
	}
	defer mapping.Close()

	copy(mapping.Bytes(), data[:outSize])

	return nil
}
