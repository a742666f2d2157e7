// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc // import "github.com/crashdiag/taskdwarf/dwarfenc"

import (
	"encoding/binary"

	"github.com/crashdiag/taskdwarf/internal/log"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// readUMax64 reads one fixed-width unsigned value at loc+offset, zero
// extended to 64 bits. Reads are all-or-nothing: a range that is partially
// outside the mapping fails without a partial result.
func readUMax64(m *taskmem.Mapping, bo binary.ByteOrder, loc taskmem.Address,
	offset int64, width int) (uint64, bool) {
	p, ok := m.Slice(loc, offset, width)
	if !ok {
		return 0, false
	}
	switch width {
	case 1:
		return uint64(p[0]), true
	case 2:
		return uint64(bo.Uint16(p)), true
	case 4:
		return uint64(bo.Uint32(p)), true
	case 8:
		return bo.Uint64(p), true
	default:
		log.Debugf("unhandled fixed read width %d", width)
		return 0, false
	}
}

func readFailed(loc taskmem.Address, width int) error {
	log.Debugf("failed to read %d byte pointer value at 0x%x", width, loc)
	return errValueRead
}

// ReadPointer decodes one GNU eh_frame encoded pointer at task address loc.
// It returns the decoded target address and the number of bytes the encoded
// value occupied, alignment padding included. Failures wrap ErrNotFound for
// omitted values, ErrUnsupported for encodings this state cannot resolve,
// and ErrInvalid when the backing bytes cannot be obtained. Decoding has no
// side effects; repeating a call yields the same result.
func (s *PointerState) ReadPointer(m *taskmem.Mapping, bo binary.ByteOrder,
	loc taskmem.Address, enc Encoding) (taskmem.Address, int, error) {
	// An omitted value has no bytes; the mapping is never touched.
	if enc == EncOmit {
		log.Debugf("skipping decode of omitted pointer at 0x%x", loc)
		return 0, 0, errOmitted
	}

	var base taskmem.Address
	n := 0
	switch enc & EncBaseMask {
	case EncAbsPtr:
		// No base adjustment.
		base = 0
	case EncPCRel:
		b, ok := s.bases.PCRel.Addr()
		if !ok {
			log.Debugf("pcrel encoding %#02x without a configured pcrel base", enc)
			return 0, 0, errNoPCRelBase
		}
		base = b
	case EncTextRel:
		b, ok := s.bases.Text.Addr()
		if !ok {
			log.Debugf("textrel encoding %#02x without a configured text base", enc)
			return 0, 0, errNoTextBase
		}
		base = b
	case EncDataRel:
		b, ok := s.bases.Data.Addr()
		if !ok {
			log.Debugf("datarel encoding %#02x without a configured data base", enc)
			return 0, 0, errNoDataBase
		}
		base = b
	case EncFuncRel:
		b, ok := s.bases.Func.Addr()
		if !ok {
			log.Debugf("funcrel encoding %#02x without a configured function base", enc)
			return 0, 0, errNoFuncBase
		}
		base = b
	case EncAligned:
		frame, okFrame := s.bases.FrameSection.Addr()
		vmBase, okVM := s.bases.FrameSectionVM.Addr()
		if !okFrame || !okVM {
			log.Debugf("aligned encoding %#02x without configured frame section bases", enc)
			return 0, 0, errNoFrameBase
		}
		if loc < frame {
			log.Debugf("aligned decode at 0x%x precedes frame section base 0x%x",
				loc, frame)
			return 0, 0, errAlignedLocation
		}
		// Alignment applies to the value's address in the original image,
		// not its address within the capture.
		vmAddr := vmBase + (loc - frame)
		align := taskmem.Address(s.addressSize)
		vmAligned := (vmAddr + (align - 1)) &^ (align - 1)
		loc += vmAligned - vmAddr
		// The skipped padding counts toward the encoded size.
		n = int(vmAligned - vmAddr)
		base = 0
	default:
		log.Debugf("unsupported pointer base encoding %#02x", enc)
		return 0, 0, errUnknownBase
	}

	var raw uint64
	switch enc & EncFormatMask {
	case EncAbsPtr:
		v, ok := readUMax64(m, bo, loc, 0, s.addressSize)
		if !ok {
			return 0, 0, readFailed(loc, s.addressSize)
		}
		raw = v
		n += s.addressSize
	case EncULEB128:
		v, size, err := ReadULEB128(m, loc)
		if err != nil {
			return 0, 0, err
		}
		raw = v
		n += size
	case EncUData2:
		v, ok := readUMax64(m, bo, loc, 0, 2)
		if !ok {
			return 0, 0, readFailed(loc, 2)
		}
		raw = v
		n += 2
	case EncUData4:
		v, ok := readUMax64(m, bo, loc, 0, 4)
		if !ok {
			return 0, 0, readFailed(loc, 4)
		}
		raw = v
		n += 4
	case EncUData8:
		v, ok := readUMax64(m, bo, loc, 0, 8)
		if !ok {
			return 0, 0, readFailed(loc, 8)
		}
		raw = v
		n += 8
	case EncSLEB128:
		v, size, err := ReadSLEB128(m, loc)
		if err != nil {
			return 0, 0, err
		}
		raw = uint64(v)
		n += size
	case EncSData2:
		v, ok := readUMax64(m, bo, loc, 0, 2)
		if !ok {
			return 0, 0, readFailed(loc, 2)
		}
		raw = uint64(int16(v))
		n += 2
	case EncSData4:
		v, ok := readUMax64(m, bo, loc, 0, 4)
		if !ok {
			return 0, 0, readFailed(loc, 4)
		}
		raw = uint64(int32(v))
		n += 4
	case EncSData8:
		v, ok := readUMax64(m, bo, loc, 0, 8)
		if !ok {
			return 0, 0, readFailed(loc, 8)
		}
		raw = v
		n += 8
	default:
		log.Debugf("unknown pointer value encoding %#02x", enc)
		return 0, 0, errUnknownFormat
	}

	// Base arithmetic wraps like the target's pointer arithmetic would;
	// whether the result is a dereferenceable address is the caller's
	// concern.
	value := base + taskmem.Address(raw)

	// One level of indirection: the decoded value is the address of the
	// real target, read as a plain native pointer. Passing EncAbsPtr bounds
	// the recursion, as it cannot itself carry the indirect bit. The
	// target's size does not replace the encoded size computed above.
	if enc&EncIndirect != 0 {
		target, _, err := s.ReadPointer(m, bo, value, EncAbsPtr)
		if err != nil {
			return 0, 0, err
		}
		value = target
	}

	return value, n, nil
}
