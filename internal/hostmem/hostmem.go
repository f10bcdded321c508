// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package hostmem allocates the host-owned 4-KiB frames backing code
// pages and EPT table nodes. Frames come from anonymous mappings, which
// the kernel hands out page aligned; resolving their physical addresses
// is the platform glue's business.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/no-realm/tlb-split/internal/ept"
)

// Resolver translates a host virtual address to host physical. Supplied
// by the memory-manager glue at bringup.
type Resolver func(va uintptr) (uint64, error)

// Allocator hands out page-aligned frames. The pages are not locked in
// memory.
type Allocator struct {
	resolve Resolver

	mu     sync.Mutex
	frames map[uint64]mmap.MMap
}

// NewAllocator builds an allocator around the platform's resolver.
func NewAllocator(resolve Resolver) *Allocator {
	return &Allocator{
		resolve: resolve,
		frames:  make(map[uint64]mmap.MMap),
	}
}

// AllocFrame maps one anonymous page and resolves its physical address.
func (a *Allocator) AllocFrame() ([]byte, uint64, error) {
	region, err := mmap.MapRegion(nil, int(ept.PageSize), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("mapping frame: %w", err)
	}

	pa, err := a.resolve(uintptr(unsafe.Pointer(&region[0])))
	if err != nil {
		_ = region.Unmap()

		return nil, 0, fmt.Errorf("resolving frame address: %w", err)
	}

	a.mu.Lock()
	a.frames[pa] = region
	a.mu.Unlock()

	return region, pa, nil
}

// FreeFrame releases the frame at pa. Unknown addresses are ignored.
func (a *Allocator) FreeFrame(pa uint64) {
	a.mu.Lock()
	region, ok := a.frames[pa]
	delete(a.frames, pa)
	a.mu.Unlock()

	if ok {
		_ = region.Unmap()
	}
}
