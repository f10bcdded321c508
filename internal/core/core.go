// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package core wires the split engine, the flip log and the two EPT
// views into the exit handlers the bringup glue registers: one for EPT
// violations, one for vmcalls, one for the monitor trap used to step
// out of thrash loops.
package core

import (
	"log/slog"
	"sync"

	"github.com/no-realm/tlb-split/internal/fliplog"
	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/split"
	"github.com/no-realm/tlb-split/internal/vmx"
)

// thrashThreshold is the consecutive same-RIP violation count beyond
// which the handler steps the guest once under the clean view.
const thrashThreshold = 3

// Core is the process-lifetime state of the split hypervisor:
// engine, flip log and the hooked/clean EPT pointers. Initialized once
// at VMCS bringup and passed to handlers explicitly.
type Core struct {
	logger *slog.Logger
	engine *split.Engine
	mem    guestmem.Mapper
	flips  *fliplog.Log

	hookedEPTP uint64
	cleanEPTP  uint64

	// Thrash detection state, separate from the engine lock.
	mu      sync.Mutex
	lastRIP uint64
	streak  int
}

// New assembles the core. hookedEPTP is the view the engine mutates;
// cleanEPTP is an untouched identity view used for single-stepping.
func New(logger *slog.Logger, engine *split.Engine, mem guestmem.Mapper, flips *fliplog.Log, hookedEPTP, cleanEPTP uint64) *Core {
	return &Core{
		logger:     logger,
		engine:     engine,
		mem:        mem,
		flips:      flips,
		hookedEPTP: hookedEPTP,
		cleanEPTP:  cleanEPTP,
	}
}

// Register installs the core's exit handlers.
func (c *Core) Register(d *vmx.Dispatcher) {
	d.Register(vmx.ExitEPTViolation, c.HandleEPTViolation)
	d.Register(vmx.ExitVMCall, c.HandleVMCall)
	d.Register(vmx.ExitMonitorTrap, c.HandleMonitorTrap)
}

// Engine exposes the split engine, for bringup and tests.
func (c *Core) Engine() *split.Engine {
	return c.engine
}

// Flips exposes the flip log.
func (c *Core) Flips() *fliplog.Log {
	return c.flips
}
