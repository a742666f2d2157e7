// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc // import "github.com/crashdiag/taskdwarf/dwarfenc"

import (
	"github.com/crashdiag/taskdwarf/internal/log"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// ReadULEB128 decodes an unsigned little endian base 128 value at task
// address loc. The returned count is the encoded size in bytes, terminating
// byte included. A value that continues past 64 bits fails with
// ErrUnsupported; a value that runs off the mapping fails with ErrInvalid.
func ReadULEB128(m *taskmem.Mapping, loc taskmem.Address) (uint64, int, error) {
	var value uint64
	var shift uint
	n := 0
	for {
		b, ok := m.Byte(loc, int64(n))
		if !ok {
			log.Debugf("ULEB128 at 0x%x did not terminate in the mapped range", loc)
			return 0, 0, errLEBTruncated
		}
		// Each byte carries 7 value bits; the top bit signals continuation.
		value |= uint64(b&0x7f) << shift
		shift += 7

		// n is the encoded size, so count the byte before the terminator test.
		n++
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			log.Debugf("ULEB128 at 0x%x is larger than 64 bits", loc)
			return 0, 0, errLEBOverflow
		}
	}
	return value, n, nil
}

// ReadSLEB128 decodes a signed little endian base 128 value at task address
// loc. Size accounting and failure behavior match ReadULEB128. The sign bit
// is the second-highest bit of the final group; it is only applied while the
// accumulated shift is below 64, so a value whose sign group lands on bit 64
// is returned without sign extension.
func ReadSLEB128(m *taskmem.Mapping, loc taskmem.Address) (int64, int, error) {
	var value uint64
	var shift uint
	var b byte
	n := 0
	for {
		var ok bool
		b, ok = m.Byte(loc, int64(n))
		if !ok {
			log.Debugf("SLEB128 at 0x%x did not terminate in the mapped range", loc)
			return 0, 0, errLEBTruncated
		}
		value |= uint64(b&0x7f) << shift
		shift += 7

		n++
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			log.Debugf("SLEB128 at 0x%x is larger than 64 bits", loc)
			return 0, 0, errLEBOverflow
		}
	}
	if shift < 64 && b&0x40 != 0 {
		value |= ^uint64(0) << shift
	}
	return int64(value), n, nil
}
