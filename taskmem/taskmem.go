// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskmem provides bounds-checked access to captured ranges of a
// task's memory. A Mapping is an immutable snapshot of one contiguous range,
// addressed in the task's own coordinate space. The decoders in this module
// read exclusively through Mapping so that a truncated or corrupt capture
// surfaces as a failed lookup instead of an out-of-range access.
package taskmem // import "github.com/crashdiag/taskdwarf/taskmem"

// Address represents an address, or offset, within the inspected task.
// It is 64 bits wide regardless of the host architecture.
type Address uint64

// Mapping is a read-only snapshot of a contiguous task memory range.
// The range [base, base+len(data)) must not wrap the address space.
type Mapping struct {
	data []byte
	base Address
}

// NewMapping wraps data as a snapshot of the task range starting at base.
// The data is not copied; the caller must not modify it afterwards.
func NewMapping(data []byte, base Address) *Mapping {
	return &Mapping{data: data, base: base}
}

// BaseAddress returns the task address of the first byte of the snapshot.
func (m *Mapping) BaseAddress() Address {
	return m.base
}

// Length returns the number of bytes in the snapshot.
func (m *Mapping) Length() int {
	return len(m.data)
}

// End returns the task address one past the last byte of the snapshot.
func (m *Mapping) End() Address {
	return m.base + Address(len(m.data))
}

// Slice returns exactly n bytes at task address addr+offset, or ok=false if
// any part of the requested range falls outside the snapshot. There are no
// partial results. The returned slice aliases the snapshot and must be
// treated as read-only.
func (m *Mapping) Slice(addr Address, offset int64, n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	start := addr + Address(offset)
	// Reject address arithmetic that wrapped the 64-bit space.
	if offset >= 0 {
		if start < addr {
			return nil, false
		}
	} else if start > addr {
		return nil, false
	}
	if start < m.base {
		return nil, false
	}
	idx := uint64(start - m.base)
	if idx > uint64(len(m.data)) || uint64(n) > uint64(len(m.data))-idx {
		return nil, false
	}
	return m.data[idx : idx+uint64(n)], true
}

// Byte returns the single byte at task address addr+offset, or ok=false if
// it lies outside the snapshot.
func (m *Mapping) Byte(addr Address, offset int64) (byte, bool) {
	p, ok := m.Slice(addr, offset, 1)
	if !ok {
		return 0, false
	}
	return p[0], true
}
