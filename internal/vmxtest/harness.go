// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmxtest

import (
	"log/slog"
	"testing"

	"github.com/no-realm/tlb-split/internal/core"
	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/fliplog"
	"github.com/no-realm/tlb-split/internal/split"
	"github.com/no-realm/tlb-split/internal/vmx"
)

// PhysCeiling is the identity-mapped physical range of harness
// hierarchies. Large enough for the fake frame space, small enough to
// keep table node counts trivial.
const PhysCeiling = uint64(0x4000000)

// Harness is a fully wired split hypervisor on a synthetic machine.
type Harness struct {
	Machine    *Machine
	Hooked     *ept.Tables
	Clean      *ept.Tables
	Engine     *split.Engine
	Core       *core.Core
	Dispatcher *vmx.Dispatcher
	Flips      *fliplog.Log
}

// NewHarness performs the test equivalent of VMCS bringup: two identity
// views, engine, flip log, core, handler registration.
func NewHarness(tb testing.TB, opts ...split.Option) *Harness {
	tb.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{tb}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	machine := NewMachine()

	hooked, err := ept.NewTables(machine)
	if err != nil {
		tb.Fatalf("hooked tables: %v", err)
	}

	if err := hooked.IdentityMap2M(0, PhysCeiling); err != nil {
		tb.Fatalf("hooked identity map: %v", err)
	}

	clean, err := ept.NewTables(machine)
	if err != nil {
		tb.Fatalf("clean tables: %v", err)
	}

	if err := clean.IdentityMap2M(0, PhysCeiling); err != nil {
		tb.Fatalf("clean identity map: %v", err)
	}

	machine.RegisterView(hooked)
	machine.RegisterView(clean)

	engine := split.NewEngine(logger.With("module", "split"), machine, machine, hooked, machine, opts...)
	flips := fliplog.New(0)

	c := core.New(logger.With("module", "core"), engine, machine, flips, hooked.EPTP(), clean.EPTP())

	dispatcher := vmx.NewDispatcher(logger.With("module", "vmx"))
	c.Register(dispatcher)

	return &Harness{
		Machine:    machine,
		Hooked:     hooked,
		Clean:      clean,
		Engine:     engine,
		Core:       c,
		Dispatcher: dispatcher,
		Flips:      flips,
	}
}

// NewVCPU returns a vCPU running under the hooked view.
func (h *Harness) NewVCPU(id, cr3 uint64) *VCPU {
	return &VCPU{
		IDValue:  id,
		CR3Value: cr3,
		EPTP:     h.Hooked.EPTP(),
	}
}

// testWriter funnels handler output through the test log.
type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Logf("%s", p)

	return len(p), nil
}
