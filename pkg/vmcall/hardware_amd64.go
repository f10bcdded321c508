// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmcall

// HardwareCaller executes the VMCALL instruction directly. It only
// works inside a guest whose hypervisor implements the split protocol;
// anywhere else the instruction faults.
type HardwareCaller struct{}

// Call submits the frame via VMCALL. The hypervisor's status lands in
// r02.
func (HardwareCaller) Call(regs *Registers) error {
	regs.R02 = vmcallRaw(regs.R00, regs.R01, regs.R02, regs.R03, regs.R04, regs.R05)

	return nil
}

// vmcallRaw loads the frame into the protocol registers, executes
// VMCALL and returns the resulting r02.
func vmcallRaw(r00, r01, r02, r03, r04, r05 uint64) (ret uint64)
