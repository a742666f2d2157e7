// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc // import "github.com/crashdiag/taskdwarf/dwarfenc"

import (
	"fmt"

	"github.com/crashdiag/taskdwarf/taskmem"
)

// Base is an optionally configured base address for relative pointer
// encodings. The zero value is "not configured"; address zero is a valid
// configured base, distinct from an unconfigured one.
type Base struct {
	addr taskmem.Address
	set  bool
}

// BaseAt returns a configured Base at the given task address.
func BaseAt(addr taskmem.Address) Base {
	return Base{addr: addr, set: true}
}

// Addr returns the configured address, with ok=false if the base was never
// configured.
func (b Base) Addr() (taskmem.Address, bool) {
	return b.addr, b.set
}

// Bases carries the reference addresses that relative pointer encodings
// resolve against. Any of them may be left unconfigured; decoding a value
// whose encoding needs an unconfigured base fails with ErrUnsupported.
type Bases struct {
	// FrameSection is the task address the frame section is mapped at, and
	// FrameSectionVM its original virtual address in the image it was
	// loaded from. Aligned encodings need both.
	FrameSection   Base
	FrameSectionVM Base

	// PCRel is the task address of the field being decoded.
	PCRel Base

	// Text, Data and Func anchor textrel, datarel and funcrel encodings.
	Text Base
	Data Base
	Func Base
}

// PointerState holds the fixed parameters of encoded pointer decoding: the
// target's address width and the configured bases. It is immutable after
// construction and safe to copy.
type PointerState struct {
	addressSize int
	bases       Bases
}

// NewPointerState validates the target address width and returns a decoding
// state. addressSize must be 1, 2, 4 or 8 bytes.
func NewPointerState(addressSize int, bases Bases) (PointerState, error) {
	switch addressSize {
	case 1, 2, 4, 8:
	default:
		return PointerState{}, fmt.Errorf("address size %d: %w",
			addressSize, ErrUnsupported)
	}
	return PointerState{addressSize: addressSize, bases: bases}, nil
}

// AddressSize returns the target pointer width in bytes.
func (s *PointerState) AddressSize() int {
	return s.addressSize
}
