// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package ept

import "unsafe"

// tableFromFrame aliases a 4-KiB frame as a table of 512 entries, so
// entry stores land in the memory the processor walks.
func tableFromFrame(frame []byte) *[entriesPerTable]Entry {
	if uint64(len(frame)) < PageSize {
		panic("ept: frame smaller than a page")
	}

	return (*[entriesPerTable]Entry)(unsafe.Pointer(&frame[0]))
}
