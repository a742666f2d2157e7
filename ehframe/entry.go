// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package ehframe // import "github.com/crashdiag/taskdwarf/ehframe"

import (
	"fmt"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/internal/log"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// ByteRange locates an undecoded byte run within the frame section.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// Bytes returns the capture bytes for a range produced by this reader.
func (r *Reader) Bytes(br ByteRange) []byte {
	p, ok := r.m.Slice(r.m.BaseAddress()+taskmem.Address(br.Offset), 0, int(br.Length))
	if !ok {
		return nil
	}
	return p
}

// CIE is one parsed Common Information Entry.
type CIE struct {
	// Offset of the entry within the frame section.
	Offset uint64

	Version      uint8
	Augmentation string

	// AddressSize is the pointer width for this entry's encoded pointers.
	// CIE version 4 carries it explicitly; earlier versions inherit the
	// reader's width.
	AddressSize int

	CodeAlign        uint64
	DataAlign        int64
	ReturnAddressReg uint64

	// FDEEnc is the pointer encoding for the PC begin field of FDEs
	// referring to this CIE, from the 'R' augmentation. Defaults to
	// absptr when absent.
	FDEEnc dwarfenc.Encoding

	// LSDAEnc is the encoding of the LSDA field in referring FDEs, from
	// the 'L' augmentation. Omit when absent.
	LSDAEnc dwarfenc.Encoding

	// Personality is the decoded personality routine address from the 'P'
	// augmentation, valid when HasPersonality is set.
	Personality    taskmem.Address
	HasPersonality bool

	// IsSignalHandler is set for signal handler frames ('S' augmentation).
	IsSignalHandler bool

	// HasAugmentationData records whether the entry carried the 'z'
	// augmentation. FDEs referring to such a CIE carry an augmentation
	// data block of their own.
	HasAugmentationData bool

	// Instructions spans the initial CFI instruction program. The bytes
	// are not interpreted.
	Instructions ByteRange
}

// FDE is one parsed Frame Description Entry.
type FDE struct {
	// Offset of the entry within the frame section.
	Offset uint64

	// CIEOffset locates the CIE this entry refers to.
	CIEOffset uint64
	CIE       *CIE

	// PCBegin and PCRange delimit the machine code covered by this entry:
	// [PCBegin, PCBegin+PCRange).
	PCBegin taskmem.Address
	PCRange uint64

	// LSDA is the decoded language specific data area pointer, valid when
	// HasLSDA is set.
	LSDA    taskmem.Address
	HasLSDA bool

	// Instructions spans the CFI instruction program. The bytes are not
	// interpreted.
	Instructions ByteRange
}

// Covers reports whether pc falls within the machine code range.
func (f *FDE) Covers(pc taskmem.Address) bool {
	return pc >= f.PCBegin && pc-f.PCBegin < taskmem.Address(f.PCRange)
}

// entryHeader is the frame of one CIE or FDE: the initial length, the
// CIE id word, and a cursor bounded to the entry body.
type entryHeader struct {
	offset uint64
	isCIE  bool
	cieOff uint64
	body   cursor
}

// parseEntryHeader reads the initial length and id word at the cursor and
// advances it past the whole entry. A zero initial length is the section
// terminator and reports errEmptyEntry with the cursor past the length
// field, so callers may scan on.
func (r *Reader) parseEntryHeader(c *cursor) (entryHeader, error) {
	offset := r.offsetOf(c.pos)
	var h entryHeader
	h.offset = offset

	dlen := uint64(c.u32())
	if c.err != nil {
		return h, c.err
	}
	if dlen == 0 {
		return h, errEmptyEntry
	}

	dwarf64 := false
	switch {
	case dlen == 0xffffffff:
		dwarf64 = true
		dlen = c.u64()
		if c.err != nil {
			return h, c.err
		}
	case dlen >= 0xfffffff0:
		// Reserved initial length. Entry boundaries are lost from here on.
		return h, fmt.Errorf("reserved initial length %#x at offset %#x: %w",
			dlen, offset, dwarfenc.ErrUnsupported)
	}

	bodyStart := c.pos
	if dlen > uint64(c.end-bodyStart) {
		return h, fmt.Errorf("entry at offset %#x extends past section end: %w",
			offset, dwarfenc.ErrInvalid)
	}
	entryEnd := bodyStart + taskmem.Address(dlen)

	var id, cieMarker uint64
	idOffset := r.offsetOf(c.pos)
	if dwarf64 {
		id = c.u64()
		cieMarker = 0xffffffffffffffff
	} else {
		id = uint64(c.u32())
		cieMarker = 0xffffffff
	}
	if !r.debugFrame {
		cieMarker = 0
	}
	if c.err != nil {
		return h, c.err
	}

	h.body = *c
	h.body.end = entryEnd
	c.pos = entryEnd

	if id == cieMarker {
		h.isCIE = true
		return h, nil
	}
	if r.debugFrame {
		h.cieOff = id
	} else {
		// In .eh_frame the id is a back reference relative to its own
		// field.
		if id > idOffset {
			return h, fmt.Errorf("FDE at offset %#x: CIE pointer %#x underflows: %w",
				offset, id, dwarfenc.ErrInvalid)
		}
		h.cieOff = idOffset - id
	}
	if h.cieOff >= uint64(r.m.Length()) {
		return h, fmt.Errorf("FDE at offset %#x: CIE offset %#x outside section: %w",
			offset, h.cieOff, dwarfenc.ErrInvalid)
	}
	return h, nil
}

// CIEAt parses the CIE at the given section offset. Parsed entries are
// cached, keyed by offset.
func (r *Reader) CIEAt(offset uint64) (*CIE, error) {
	if cie, ok := r.cieCache.Get(offset); ok {
		return cie, nil
	}
	c := r.cursor(offset)
	h, err := r.parseEntryHeader(&c)
	if err != nil {
		if err == errEmptyEntry {
			err = fmt.Errorf("CIE offset %#x is the section terminator: %w",
				offset, dwarfenc.ErrInvalid)
		}
		return nil, err
	}
	if !h.isCIE {
		return nil, fmt.Errorf("entry at offset %#x is not a CIE: %w",
			offset, dwarfenc.ErrInvalid)
	}
	cie, err := r.parseCIE(&h)
	if err != nil {
		return nil, err
	}
	r.cieCache.Add(offset, cie)
	return cie, nil
}

func (r *Reader) parseCIE(h *entryHeader) (*CIE, error) {
	c := &h.body
	cie := &CIE{
		Offset:      h.offset,
		AddressSize: r.addressSize,
		FDEEnc:      dwarfenc.EncAbsPtr,
		LSDAEnc:     dwarfenc.EncOmit,
	}

	cie.Version = c.u8()
	switch cie.Version {
	case 1, 3, 4:
	default:
		if c.err != nil {
			return nil, c.err
		}
		return nil, fmt.Errorf("CIE at offset %#x: version %d: %w",
			h.offset, cie.Version, dwarfenc.ErrUnsupported)
	}

	cie.Augmentation = c.str()
	if c.err != nil {
		return nil, c.err
	}
	if cie.Augmentation != "" && cie.Augmentation[0] != 'z' {
		return nil, fmt.Errorf("CIE at offset %#x: augmentation %q: %w",
			h.offset, cie.Augmentation, dwarfenc.ErrUnsupported)
	}

	if cie.Version == 4 {
		addressSize := c.u8()
		segmentSize := c.u8()
		if c.err != nil {
			return nil, c.err
		}
		switch addressSize {
		case 1, 2, 4, 8:
			cie.AddressSize = int(addressSize)
		default:
			return nil, fmt.Errorf("CIE at offset %#x: address size %d: %w",
				h.offset, addressSize, dwarfenc.ErrUnsupported)
		}
		if segmentSize != 0 {
			return nil, fmt.Errorf("CIE at offset %#x: segment selectors: %w",
				h.offset, dwarfenc.ErrUnsupported)
		}
		c.addressSize = cie.AddressSize
	}

	cie.CodeAlign = c.uleb()
	cie.DataAlign = c.sleb()
	if cie.Version == 1 {
		cie.ReturnAddressReg = uint64(c.u8())
	} else {
		cie.ReturnAddressReg = c.uleb()
	}
	if c.err != nil {
		return nil, c.err
	}

	if cie.Augmentation != "" {
		cie.HasAugmentationData = true
		augLen := c.uleb()
		if c.err != nil {
			return nil, c.err
		}
		augEnd := c.pos + taskmem.Address(augLen)
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'L':
				cie.LSDAEnc = dwarfenc.Encoding(c.u8())
			case 'R':
				cie.FDEEnc = dwarfenc.Encoding(c.u8())
			case 'P':
				penc := dwarfenc.Encoding(c.u8())
				if c.err != nil {
					return nil, c.err
				}
				if penc != dwarfenc.EncOmit {
					// The indirection cell is not part of the
					// capture; keep the slot address instead.
					cie.Personality = c.ptr(penc &^ dwarfenc.EncIndirect)
					cie.HasPersonality = true
				}
			case 'S':
				cie.IsSignalHandler = true
			default:
				return nil, fmt.Errorf("CIE at offset %#x: augmentation %q: %w",
					h.offset, cie.Augmentation, dwarfenc.ErrUnsupported)
			}
			if c.err != nil {
				return nil, c.err
			}
		}
		c.seek(augEnd)
		if c.err != nil {
			return nil, c.err
		}
	}

	cie.Instructions = ByteRange{
		Offset: r.offsetOf(c.pos),
		Length: uint64(c.end - c.pos),
	}
	return cie, nil
}

// FDEAt parses the FDE at the given section offset, resolving its CIE.
func (r *Reader) FDEAt(offset uint64) (*FDE, error) {
	c := r.cursor(offset)
	h, err := r.parseEntryHeader(&c)
	if err != nil {
		if err == errEmptyEntry {
			err = fmt.Errorf("FDE offset %#x is the section terminator: %w",
				offset, dwarfenc.ErrInvalid)
		}
		return nil, err
	}
	if h.isCIE {
		return nil, fmt.Errorf("entry at offset %#x is not an FDE: %w",
			offset, dwarfenc.ErrInvalid)
	}
	return r.parseFDEBody(&h)
}

func (r *Reader) parseFDEBody(h *entryHeader) (*FDE, error) {
	cie, err := r.CIEAt(h.cieOff)
	if err != nil {
		return nil, err
	}
	fde := &FDE{
		Offset:    h.offset,
		CIEOffset: h.cieOff,
		CIE:       cie,
	}

	c := &h.body
	c.addressSize = cie.AddressSize
	fde.PCBegin = c.ptr(cie.FDEEnc)
	fde.PCRange = uint64(c.ptr(cie.FDEEnc & dwarfenc.EncFormatMask))
	if c.err != nil {
		return nil, c.err
	}

	if cie.HasAugmentationData {
		augLen := c.uleb()
		if c.err != nil {
			return nil, c.err
		}
		augEnd := c.pos + taskmem.Address(augLen)
		if cie.LSDAEnc != dwarfenc.EncOmit {
			fde.LSDA = c.ptr(cie.LSDAEnc)
			fde.HasLSDA = true
		}
		c.seek(augEnd)
		if c.err != nil {
			return nil, c.err
		}
	}

	fde.Instructions = ByteRange{
		Offset: r.offsetOf(c.pos),
		Length: uint64(c.end - c.pos),
	}
	return fde, nil
}

// Scan walks the section from the start and calls fn for each FDE in entry
// order. CIE entries and zero terminators are passed over. A malformed FDE
// body is logged and skipped; framing damage that loses the entry
// boundaries stops the walk with an error. fn returns false to stop early.
func (r *Reader) Scan(fn func(*FDE) bool) error {
	c := r.cursor(0)
	for c.hasData() {
		h, err := r.parseEntryHeader(&c)
		if err == errEmptyEntry {
			continue
		}
		if err != nil {
			return err
		}
		if h.isCIE {
			continue
		}
		fde, err := r.parseFDEBody(&h)
		if err != nil {
			log.Debugf("skipping FDE at offset %#x: %v", h.offset, err)
			continue
		}
		if !fn(fde) {
			return nil
		}
	}
	return c.err
}

// FindFDE scans the section for the FDE covering pc. Sections with an
// .eh_frame_hdr search table are better served by SearchTable.LookupFDE.
func (r *Reader) FindFDE(pc taskmem.Address) (*FDE, error) {
	var found *FDE
	err := r.Scan(func(fde *FDE) bool {
		if fde.Covers(pc) {
			found = fde
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("no FDE covers %#x: %w", pc, dwarfenc.ErrNotFound)
	}
	return found, nil
}
