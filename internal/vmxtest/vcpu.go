// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmxtest

import (
	"github.com/no-realm/tlb-split/internal/vmx"
	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// VCPU is a scriptable vmx.VCPU. Tests set the exit state directly.
type VCPU struct {
	IDValue  uint64
	CR3Value uint64
	PATValue uint64
	RIPValue uint64

	GLA  uint64
	GPA  uint64
	Qual uint64

	Regs vmcall.Registers

	EPTP        uint64
	MonitorTrap bool

	// EPTPLog records every SetEPTP value, for asserting clean-view
	// engagement.
	EPTPLog []uint64
}

// ID implements vmx.VCPU.
func (v *VCPU) ID() uint64 { return v.IDValue }

// CR3 implements vmx.VCPU.
func (v *VCPU) CR3() uint64 { return v.CR3Value }

// PAT implements vmx.VCPU.
func (v *VCPU) PAT() uint64 { return v.PATValue }

// RIP implements vmx.VCPU.
func (v *VCPU) RIP() uint64 { return v.RIPValue }

// GuestLinearAddress implements vmx.VCPU.
func (v *VCPU) GuestLinearAddress() uint64 { return v.GLA }

// GuestPhysicalAddress implements vmx.VCPU.
func (v *VCPU) GuestPhysicalAddress() uint64 { return v.GPA }

// ExitQualification implements vmx.VCPU.
func (v *VCPU) ExitQualification() uint64 { return v.Qual }

// VMCallRegisters implements vmx.VCPU.
func (v *VCPU) VMCallRegisters() *vmcall.Registers { return &v.Regs }

// SetEPTP implements vmx.VCPU.
func (v *VCPU) SetEPTP(eptp uint64) {
	v.EPTP = eptp
	v.EPTPLog = append(v.EPTPLog, eptp)
}

// SetMonitorTrap implements vmx.VCPU.
func (v *VCPU) SetMonitorTrap(enabled bool) { v.MonitorTrap = enabled }

// LoopbackCaller adapts a dispatcher and vCPU into a vmcall.Caller so
// client code can run unmodified against the synthetic machine.
type LoopbackCaller struct {
	Dispatcher *vmx.Dispatcher
	VCPU       *VCPU
}

// Call implements vmcall.Caller by injecting a vmcall exit.
func (l LoopbackCaller) Call(regs *vmcall.Registers) error {
	l.VCPU.Regs = *regs

	if err := l.Dispatcher.Dispatch(vmx.ExitVMCall, l.VCPU); err != nil {
		return err
	}

	*regs = l.VCPU.Regs

	return nil
}
