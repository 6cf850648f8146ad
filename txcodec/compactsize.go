// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Compact size discriminants.  Values below 0xfd are encoded in the
// discriminant byte itself.
const (
	compactSize16 = 0xfd
	compactSize32 = 0xfe
	compactSize64 = 0xff
)

// CompactSizeLen returns the number of bytes needed to encode val as a
// compact size.
func CompactSizeLen(val uint64) int {
	switch {
	case val < compactSize16:
		return 1
	case val <= math.MaxUint16:
		return 3
	case val <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// AppendCompactSize appends the minimal compact size encoding of val to b.
func AppendCompactSize(b []byte, val uint64) []byte {
	switch {
	case val < compactSize16:
		return append(b, byte(val))

	case val <= math.MaxUint16:
		b = append(b, compactSize16)
		return binary.LittleEndian.AppendUint16(b, uint16(val))

	case val <= math.MaxUint32:
		b = append(b, compactSize32)
		return binary.LittleEndian.AppendUint32(b, uint32(val))

	default:
		b = append(b, compactSize64)
		return binary.LittleEndian.AppendUint64(b, val)
	}
}

// DecodeCompactSize decodes the compact size at the start of b.  It returns
// the decoded value and the number of bytes the encoding occupied.  A buffer
// ending inside the encoding fails with ErrTruncatedInput and an encoding
// that is longer than necessary fails with ErrNonCanonical.
func DecodeCompactSize(b []byte) (uint64, int, error) {
	return decodeCompactSize(b, "compact size")
}

func decodeCompactSize(b []byte, field string) (uint64, int, error) {
	if len(b) < 1 {
		return 0, 0, truncated(field, 1, len(b))
	}

	var (
		val uint64
		n   int
		min uint64
	)
	switch d := b[0]; d {
	case compactSize64:
		n, min = 9, math.MaxUint32+1
		if len(b) < n {
			return 0, 0, truncated(field, n, len(b))
		}
		val = binary.LittleEndian.Uint64(b[1:9])

	case compactSize32:
		n, min = 5, math.MaxUint16+1
		if len(b) < n {
			return 0, 0, truncated(field, n, len(b))
		}
		val = uint64(binary.LittleEndian.Uint32(b[1:5]))

	case compactSize16:
		n, min = 3, compactSize16
		if len(b) < n {
			return 0, 0, truncated(field, n, len(b))
		}
		val = uint64(binary.LittleEndian.Uint16(b[1:3]))

	default:
		return uint64(d), 1, nil
	}

	if val < min {
		desc := fmt.Sprintf("value %d encoded in %d bytes", val, n)
		return 0, 0, codecError(ErrNonCanonical, field, desc)
	}

	return val, n, nil
}
