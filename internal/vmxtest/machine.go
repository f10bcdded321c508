// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package vmxtest provides a synthetic machine for exercising the split
// core without hardware: guest address spaces over fake physical
// memory, an EPT-checked access simulator and a loopback vmcall
// transport.
package vmxtest

import (
	"errors"
	"fmt"

	"github.com/no-realm/tlb-split/internal/ept"
	"github.com/no-realm/tlb-split/internal/guestmem"
	"github.com/no-realm/tlb-split/internal/vmx"
)

// ErrNoProgress is returned when an access keeps violating without the
// handler ever granting it.
var ErrNoProgress = errors.New("access did not complete")

const (
	frameBase = uint64(0x100000)

	// maxFlips bounds the violation round-trips per simulated access.
	maxFlips = 16
)

// Machine owns the fake physical address space, the guest page tables
// and the registered EPT views. It implements the frame allocator, the
// translator/mapper contracts and the invalidation hook.
type Machine struct {
	phys   map[uint64][]byte
	nextPA uint64

	// spaces maps cr3 -> page-aligned va -> pa.
	spaces map[uint64]map[uint64]uint64

	// views maps an EPTP back to its hierarchy, standing in for the
	// processor's walk of physical memory.
	views map[uint64]*ept.Tables

	// Invalidations counts InvalidateAll calls, for asserting the
	// invalidation policy.
	Invalidations int
}

// NewMachine returns an empty machine.
func NewMachine() *Machine {
	return &Machine{
		phys:   make(map[uint64][]byte),
		nextPA: frameBase,
		spaces: make(map[uint64]map[uint64]uint64),
		views:  make(map[uint64]*ept.Tables),
	}
}

// AllocFrame hands out a zeroed 4-KiB frame with a fresh physical
// address.
func (m *Machine) AllocFrame() ([]byte, uint64, error) {
	pa := m.nextPA
	m.nextPA += ept.PageSize

	frame := make([]byte, ept.PageSize)
	m.phys[pa] = frame

	return frame, pa, nil
}

// FreeFrame releases a frame.
func (m *Machine) FreeFrame(pa uint64) {
	delete(m.phys, pa)
}

// InvalidateAll records the global invalidation. The simulator has no
// TLB, so counting is all there is to do.
func (m *Machine) InvalidateAll() {
	m.Invalidations++
}

// RegisterView associates an EPTP with its hierarchy so simulated
// accesses can walk whichever view a vCPU currently runs under.
func (m *Machine) RegisterView(tables *ept.Tables) {
	m.views[tables.EPTP()] = tables
}

// Frame returns the frame backing pa.
func (m *Machine) Frame(pa uint64) []byte {
	f, ok := m.phys[pa&ept.PageMask]
	if !ok {
		panic(fmt.Sprintf("vmxtest: no frame at %#x", pa))
	}

	return f
}

// MapGuestPage backs the page-aligned guest va with a fresh frame under
// cr3 and returns its physical address.
func (m *Machine) MapGuestPage(cr3, va uint64) uint64 {
	_, pa, _ := m.AllocFrame()
	m.SetTranslation(cr3, va, pa)

	return pa
}

// SetTranslation installs va -> pa under cr3. Both must be page
// aligned.
func (m *Machine) SetTranslation(cr3, va, pa uint64) {
	space, ok := m.spaces[cr3]
	if !ok {
		space = make(map[uint64]uint64)
		m.spaces[cr3] = space
	}

	space[va&ept.PageMask] = pa & ept.PageMask
}

// VirtToPhys implements guestmem.Translator.
func (m *Machine) VirtToPhys(as guestmem.AddressSpace, va uint64) (uint64, error) {
	space, ok := m.spaces[as.CR3]
	if !ok {
		return 0, guestmem.ErrNotMapped
	}

	pa, ok := space[va&ept.PageMask]
	if !ok {
		return 0, guestmem.ErrNotMapped
	}

	return pa | (va &^ ept.PageMask), nil
}

// mapping is a scoped view over guest memory. Single-page views alias
// the frame directly; multi-page views are stitched copies written back
// on Close.
type mapping struct {
	direct []byte

	m        *Machine
	as       guestmem.AddressSpace
	va       uint64
	stitched []byte
}

func (mp *mapping) Bytes() []byte {
	if mp.direct != nil {
		return mp.direct
	}

	return mp.stitched
}

func (mp *mapping) Close() {
	if mp.direct != nil {
		return
	}

	// Write the stitched view back page by page.
	for off := uint64(0); off < uint64(len(mp.stitched)); {
		va := mp.va + off
		pa, err := mp.m.VirtToPhys(mp.as, va)
		if err != nil {
			panic(fmt.Sprintf("vmxtest: writeback translation lost for %#x", va))
		}

		frame := mp.m.Frame(pa)
		pageOff := pa &^ ept.PageMask
		n := copy(frame[pageOff:], mp.stitched[off:])
		off += uint64(n)
	}
}

// Map implements guestmem.Mapper.
func (m *Machine) Map(as guestmem.AddressSpace, va, size uint64) (guestmem.Mapping, error) {
	if size == 0 {
		return nil, guestmem.ErrNotMapped
	}

	first, err := m.VirtToPhys(as, va)
	if err != nil {
		return nil, err
	}

	if (va+size-1)&ept.PageMask == va&ept.PageMask {
		frame := m.Frame(first)
		off := first &^ ept.PageMask

		return &mapping{direct: frame[off : off+size]}, nil
	}

	stitched := make([]byte, size)

	for off := uint64(0); off < size; {
		pa, err := m.VirtToPhys(as, va+off)
		if err != nil {
			return nil, err
		}

		frame := m.Frame(pa)
		pageOff := pa &^ ept.PageMask
		n := copy(stitched[off:], frame[pageOff:])
		off += uint64(n)
	}

	return &mapping{m: m, as: as, va: va, stitched: stitched}, nil
}

// access walks the vCPU's current EPT view for one guest access,
// dispatching violations until the access is permitted, then touches
// the backing frame. write==nil means load, otherwise the byte is
// stored.
func (m *Machine) access(d *vmx.Dispatcher, v *VCPU, va uint64, class uint64, write *byte) (byte, error) {
	gpa, err := m.VirtToPhys(guestmem.AddressSpace{CR3: v.CR3Value}, va)
	if err != nil {
		return 0, err
	}

	for range maxFlips {
		tables, ok := m.views[v.EPTP]
		if !ok {
			return 0, fmt.Errorf("vcpu runs under unregistered EPTP %#x", v.EPTP)
		}

		hpa := gpa

		leaf, err := tables.Leaf(gpa & ept.PageMask)
		switch {
		case errors.Is(err, ept.ErrLargeMapping):
			// Still identity-mapped at 2 MiB, pass-through by
			// construction.
		case err != nil:
			return 0, err
		case leaf.Access()&ept.Access(class) != ept.Access(class):
			// Denied: raise the violation and retry.
			v.GLA = va
			v.GPA = gpa
			v.Qual = class

			if err := d.Dispatch(vmx.ExitEPTViolation, v); err != nil {
				return 0, err
			}

			continue
		default:
			hpa = leaf.Frame() | (gpa &^ ept.PageMask)
		}

		frame := m.Frame(hpa)
		off := hpa &^ ept.PageMask

		var b byte
		if write != nil {
			frame[off] = *write
			b = *write
		} else {
			b = frame[off]
		}

		// One instruction retired; deliver the pending single-step
		// trap, if armed.
		if v.MonitorTrap {
			if err := d.Dispatch(vmx.ExitMonitorTrap, v); err != nil {
				return 0, err
			}
		}

		return b, nil
	}

	return 0, fmt.Errorf("%w: va %#x class %#x", ErrNoProgress, va, class)
}

// Fetch simulates an instruction fetch at va.
func (m *Machine) Fetch(d *vmx.Dispatcher, v *VCPU, va uint64) (byte, error) {
	return m.access(d, v, va, vmx.QualExec, nil)
}

// Read simulates a data read at va.
func (m *Machine) Read(d *vmx.Dispatcher, v *VCPU, va uint64) (byte, error) {
	return m.access(d, v, va, vmx.QualRead, nil)
}

// Write simulates a data write at va.
func (m *Machine) Write(d *vmx.Dispatcher, v *VCPU, va uint64, b byte) error {
	_, err := m.access(d, v, va, vmx.QualWrite, &b)

	return err
}
