// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package vmcall

import (
	"encoding/binary"
	"errors"
)

// FlipRecordSize is the wire size of one flip record: eight
// little-endian 64-bit fields.
const FlipRecordSize = 64

// ErrTruncatedRecord is returned when decoding a buffer that is not a
// whole number of records.
var ErrTruncatedRecord = errors.New("buffer is not a multiple of the flip record size")

// FlipRecord is one deduplicated EPT-violation observation. Field order
// matches the wire layout.
type FlipRecord struct {
	RIP         uint64
	GVA         uint64
	OriginalGVA uint64
	GPA         uint64
	DPA         uint64
	CR3         uint64
	AccessBits  uint64
	Count       uint64
}

// AppendFlipRecord appends the wire encoding of r to dst.
func AppendFlipRecord(dst []byte, r FlipRecord) []byte {
	for _, f := range [8]uint64{r.RIP, r.GVA, r.OriginalGVA, r.GPA, r.DPA, r.CR3, r.AccessBits, r.Count} {
		dst = binary.LittleEndian.AppendUint64(dst, f)
	}

	return dst
}

// MarshalFlipRecords encodes records back to back.
func MarshalFlipRecords(records []FlipRecord) []byte {
	out := make([]byte, 0, len(records)*FlipRecordSize)
	for _, r := range records {
		out = AppendFlipRecord(out, r)
	}

	return out
}

// DecodeFlipRecords parses a buffer of back-to-back records.
func DecodeFlipRecords(b []byte) ([]FlipRecord, error) {
	if len(b)%FlipRecordSize != 0 {
		return nil, ErrTruncatedRecord
	}

	records := make([]FlipRecord, 0, len(b)/FlipRecordSize)

	for off := 0; off < len(b); off += FlipRecordSize {
		rb := b[off : off+FlipRecordSize]
		records = append(records, FlipRecord{
			RIP:         binary.LittleEndian.Uint64(rb[0:]),
			GVA:         binary.LittleEndian.Uint64(rb[8:]),
			OriginalGVA: binary.LittleEndian.Uint64(rb[16:]),
			GPA:         binary.LittleEndian.Uint64(rb[24:]),
			DPA:         binary.LittleEndian.Uint64(rb[32:]),
			CR3:         binary.LittleEndian.Uint64(rb[40:]),
			AccessBits:  binary.LittleEndian.Uint64(rb[48:]),
			Count:       binary.LittleEndian.Uint64(rb[56:]),
		})
	}

	return records, nil
}
