// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package vmx declares the thin contract between the split core and the
// VMX bringup glue: the exit reasons the core handles, the per-exit
// vCPU surface, and the dispatcher handlers register with.
package vmx

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/no-realm/tlb-split/pkg/vmcall"
)

// ExitReason is the basic exit reason from the VMCS.
type ExitReason uint32

// Exit reasons the split core registers for.
const (
	ExitVMCall       ExitReason = 18
	ExitMonitorTrap  ExitReason = 37
	ExitEPTViolation ExitReason = 48
)

// EPT-violation exit qualification access bits.
const (
	QualRead  = uint64(1) << 0
	QualWrite = uint64(1) << 1
	QualExec  = uint64(1) << 2

	QualAccessBits = QualRead | QualWrite | QualExec
)

// VCPU is the per-exit view of the virtual CPU. Handlers run to
// completion on one logical CPU with interrupts disabled; the VM is
// resumed when the handler returns.
type VCPU interface {
	// ID identifies the logical CPU, for diagnostics.
	ID() uint64

	// CR3 returns the guest page-table root at the exit.
	CR3() uint64

	// PAT returns the guest IA32_PAT value.
	PAT() uint64

	// RIP returns the guest instruction pointer at the exit.
	RIP() uint64

	// GuestLinearAddress and GuestPhysicalAddress return the faulting
	// addresses of an EPT violation.
	GuestLinearAddress() uint64
	GuestPhysicalAddress() uint64

	// ExitQualification returns the raw qualification field.
	ExitQualification() uint64

	// VMCallRegisters exposes the register frame of a vmcall exit.
	// Status writes land in the guest's registers on resume.
	VMCallRegisters() *vmcall.Registers

	// SetEPTP switches the active EPT hierarchy.
	SetEPTP(eptp uint64)

	// SetMonitorTrap arms or disarms the monitor trap flag, making the
	// guest exit again after exactly one instruction.
	SetMonitorTrap(enabled bool)
}

// Handler services one exit class.
type Handler func(v VCPU) error

// ErrUnhandledExit is returned when no handler is registered for an
// exit reason.
var ErrUnhandledExit = errors.New("no handler for exit reason")

// Dispatcher routes exits to registered handlers. Registration happens
// once at bringup; dispatch runs on every vCPU concurrently.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[ExitReason]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[ExitReason]Handler),
	}
}

// Register installs the handler for an exit reason, replacing any
// previous one.
func (d *Dispatcher) Register(reason ExitReason, h Handler) {
	d.handlers[reason] = h
}

// Dispatch runs the handler for the exit. The vCPU is always resumable
// afterwards: handler errors are logged, not propagated to the guest.
func (d *Dispatcher) Dispatch(reason ExitReason, v VCPU) error {
	h, ok := d.handlers[reason]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnhandledExit, reason)
	}

	if err := h(v); err != nil {
		d.logger.Error("exit handler failed", "reason", uint32(reason), "vcpu", v.ID(), "err", err)
	}

	return nil
}
