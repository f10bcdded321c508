// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/util"
	"github.com/no-realm/tlb-split/internal/vmx"
	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// HandleEPTViolation is the flip state machine. It classifies the
// violating access, rewrites the leaf for the next access class and
// records the flip. No TLB/EPT invalidation happens here: the hardware
// invalidates the violating translation itself, and invalidating again
// provokes a re-violation loop.
func (c *Core) HandleEPTViolation(v vmx.VCPU) error {
	cr3 := v.CR3()
	rip := v.RIP()
	gva := v.GuestLinearAddress()
	gpa := v.GuestPhysicalAddress()
	bits := v.ExitQualification() & vmx.QualAccessBits
	dpa := gpa & ept.PageMask

	ctx, ok := c.engine.Inspect(dpa)
	if !ok {
		// Violation for a page the registry does not know. The region
		// was subdivided earlier, so the 4-KiB leaf is authoritative;
		// reset it to pass-through and resume.
		c.logger.Warn("unexpected ept violation",
			"gva", util.Hex(gva), "gpa", util.Hex(gpa), "d_pa", util.Hex(dpa), "cr3", util.Hex(cr3), "bits", bits)

		if err := c.engine.ResetPassThrough(gpa); err != nil {
			c.logger.Error("resetting unexpected page failed", "d_pa", util.Hex(dpa), "err", err)
		}

		return nil
	}

	util.TraceLog(c.logger, "ept violation",
		"rip", util.Hex(rip), "gva", util.Hex(gva), "d_pa", util.Hex(dpa), "bits", bits)

	c.flips.Observe(vmcall.FlipRecord{
		RIP:         rip,
		GVA:         gva,
		OriginalGVA: ctx.GVA,
		GPA:         gpa,
		DPA:         dpa,
		CR3:         cr3,
		AccessBits:  bits,
	})

	// Write beats read beats exec; a combined R+X violation is handled
	// as a read.
	switch {
	case bits&vmx.QualWrite != 0:
		if cr3 != ctx.CR3 {
			// A writer from a foreign address space, typically another
			// process sharing the frame. Tear the split down.
			c.logger.Info("foreign writer, deactivating split",
				"d_pa", util.Hex(dpa), "cr3", util.Hex(cr3), "creator_cr3", util.Hex(ctx.CR3), "rip", util.Hex(rip))

			if err := c.engine.DeactivateByPA(dpa); err != nil {
				c.logger.Error("foreign-writer teardown failed", "d_pa", util.Hex(dpa), "err", err)
			}

			break
		}

		if err := c.engine.FlipToData(dpa); err != nil {
			c.logger.Error("flip to data frame failed", "d_pa", util.Hex(dpa), "err", err)
		}

	case bits&vmx.QualRead != 0:
		if bits&vmx.QualExec != 0 {
			c.logger.Debug("read+exec violation classified as read", "d_pa", util.Hex(dpa), "rip", util.Hex(rip))
		}

		if err := c.engine.FlipToData(dpa); err != nil {
			c.logger.Error("flip to data frame failed", "d_pa", util.Hex(dpa), "err", err)
		}

	case bits&vmx.QualExec != 0:
		if err := c.engine.FlipToCode(dpa); err != nil {
			c.logger.Error("flip to code frame failed", "d_pa", util.Hex(dpa), "err", err)
		}

	default:
		c.logger.Warn("violation with empty access mask",
			"gva", util.Hex(gva), "gpa", util.Hex(gpa), "d_pa", util.Hex(dpa), "cr3", util.Hex(cr3))
	}

	c.noteRIP(v, rip)

	return nil
}

// noteRIP tracks consecutive violations from the same instruction. A
// locked RMW can alternate between exec and read violations without
// forward progress; after the threshold the guest runs one instruction
// under the clean identity view.
func (c *Core) noteRIP(v vmx.VCPU, rip uint64) {
	c.mu.Lock()

	if rip == c.lastRIP {
		c.streak++
	} else {
		c.lastRIP = rip
		c.streak = 1
	}

	engage := c.streak > thrashThreshold
	if engage {
		c.lastRIP = 0
		c.streak = 0
	}

	c.mu.Unlock()

	if engage {
		c.logger.Debug("thrash detected, stepping under clean view", "rip", util.Hex(rip))
		v.SetEPTP(c.cleanEPTP)
		v.SetMonitorTrap(true)
	}
}

// HandleMonitorTrap fires after the single clean-view instruction and
// restores the hooked view.
func (c *Core) HandleMonitorTrap(v vmx.VCPU) error {
	v.SetMonitorTrap(false)
	v.SetEPTP(c.hookedEPTP)

	return nil
}
