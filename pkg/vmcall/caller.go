// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmcall

import (
	"errors"
	"unsafe"
)

// Caller submits one register frame to the hypervisor and writes the
// returned registers back into the frame.
type Caller interface {
	Call(regs *Registers) error
}

var (
	// ErrCallFailed is returned when the hypervisor reports status 0.
	ErrCallFailed = errors.New("hypervisor reported failure")

	// ErrUnknownMethod is returned when the hypervisor does not know
	// the requested method number.
	ErrUnknownMethod = errors.New("unknown vmcall method")

	// ErrUnsupportedPlatform is returned by the hardware caller on
	// architectures without a VMCALL stub.
	ErrUnsupportedPlatform = errors.New("vmcall not supported on this platform")
)

// SplitStatus is the three-valued answer of the is_split method.
type SplitStatus int

// is_split results.
const (
	// SplitUnmapped: the guest virtual address has no valid backing.
	SplitUnmapped SplitStatus = -1
	// SplitNone: no active split covers the page.
	SplitNone SplitStatus = 0
	// SplitActive: the page is split and the split is active.
	SplitActive SplitStatus = 1
)

// Client wraps a Caller with typed methods, one per hypervisor
// operation.
type Client struct {
	caller Caller
}

// NewClient builds a client on top of the given transport.
func NewClient(c Caller) *Client {
	return &Client{caller: c}
}

// call submits an operation and returns the raw r02 result.
func (c *Client) call(regs Registers) (uint64, error) {
	if err := c.caller.Call(&regs); err != nil {
		return 0, err
	}

	return regs.R02, nil
}

// status maps the common 1/0 result convention onto an error.
func (c *Client) status(regs Registers) error {
	r02, err := c.call(regs)
	if err != nil {
		return err
	}

	switch r02 {
	case StatusSuccess:
		return nil
	case StatusUnknownMethod:
		return ErrUnknownMethod
	default:
		return ErrCallFailed
	}
}

// Present probes for the split hypervisor.
func (c *Client) Present() (bool, error) {
	r02, err := c.call(NewRegisters(OpPresent))
	if err != nil {
		return false, err
	}

	return r02 == StatusSuccess, nil
}

// CreateSplit requests a split context for the page holding gva.
func (c *Client) CreateSplit(gva uint64) error {
	regs := NewRegisters(OpCreateSplit)
	regs.R03 = gva

	return c.status(regs)
}

// ActivateSplit flips the page holding gva to its code frame.
func (c *Client) ActivateSplit(gva uint64) error {
	regs := NewRegisters(OpActivateSplit)
	regs.R03 = gva

	return c.status(regs)
}

// DeactivateSplit drops one hook from the page holding gva, tearing the
// split down when it was the last one.
func (c *Client) DeactivateSplit(gva uint64) error {
	regs := NewRegisters(OpDeactivateSplit)
	regs.R03 = gva

	return c.status(regs)
}

// DeactivateAll tears down every split.
func (c *Client) DeactivateAll() error {
	return c.status(NewRegisters(OpDeactivateAll))
}

// IsSplit queries the split state of the page holding gva.
func (c *Client) IsSplit(gva uint64) (SplitStatus, error) {
	regs := NewRegisters(OpIsSplit)
	regs.R03 = gva

	r02, err := c.call(regs)
	if err != nil {
		return SplitNone, err
	}

	switch r02 {
	case StatusSuccess:
		return SplitActive, nil
	case StatusUnmapped:
		return SplitUnmapped, nil
	default:
		return SplitNone, nil
	}
}

// WriteToCode copies size bytes from the guest range at from into the
// code frame(s) backing the range at to.
func (c *Client) WriteToCode(from, to, size uint64) error {
	regs := NewRegisters(OpWriteToCode)
	regs.R03 = from
	regs.R04 = to
	regs.R05 = size

	return c.status(regs)
}

// FlipCount returns the number of records in the flip log.
func (c *Client) FlipCount() (uint64, error) {
	return c.call(NewRegisters(OpGetFlipCount))
}

// FlipData reads the flip log. It sizes the output buffer from a count
// round-trip, hands its address to the hypervisor and decodes the bytes
// written there.
func (c *Client) FlipData() ([]FlipRecord, error) {
	count, err := c.FlipCount()
	if err != nil {
		return nil, err
	}

	if count == 0 {
		return nil, nil
	}

	buf := make([]byte, count*FlipRecordSize)

	regs := NewRegisters(OpGetFlipData)
	regs.R03 = uint64(uintptr(unsafe.Pointer(&buf[0])))
	regs.R04 = uint64(len(buf))

	if err := c.status(regs); err != nil {
		return nil, err
	}

	return DecodeFlipRecords(buf)
}

// ClearFlips empties the flip log.
func (c *Client) ClearFlips() error {
	return c.status(NewRegisters(OpClearFlips))
}

// RemoveFlip removes every flip record for the given RIP.
func (c *Client) RemoveFlip(rip uint64) error {
	regs := NewRegisters(OpRemoveFlip)
	regs.R03 = rip

	return c.status(regs)
}
