// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package ehframe // import "github.com/crashdiag/taskdwarf/ehframe"

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// TableOptions adjust how an .eh_frame_hdr capture is parsed.
type TableOptions struct {
	// VMAddr is the virtual address the header section had in its
	// original image. It anchors the pcrel and datarel encodings used by
	// the header fields and the table entries. When left unconfigured the
	// mapping base address is used.
	VMAddr dwarfenc.Base
}

// SearchTable is a parsed .eh_frame_hdr section: a sorted table of
// (pc start, FDE address) pairs over a frame section. Lookups are
// O(log n) and parse only the one FDE found.
type SearchTable struct {
	m     *taskmem.Mapping
	bo    binary.ByteOrder
	frame *Reader
	hdrVM taskmem.Address

	addressSize int
	tableEnc    dwarfenc.Encoding
	entryWidth  int

	frameAddr taskmem.Address
	fdeCount  uint64
	tableOff  taskmem.Address
}

// NewSearchTable parses the header fields of an .eh_frame_hdr capture.
// frame must wrap the .eh_frame section of the same image.
func NewSearchTable(m *taskmem.Mapping, bo binary.ByteOrder, frame *Reader, opt TableOptions) (*SearchTable, error) {
	t := &SearchTable{
		m:           m,
		bo:          bo,
		frame:       frame,
		hdrVM:       m.BaseAddress(),
		addressSize: frame.addressSize,
	}
	if addr, ok := opt.VMAddr.Addr(); ok {
		t.hdrVM = addr
	}

	hdr, ok := m.Slice(m.BaseAddress(), 0, 4)
	if !ok {
		return nil, fmt.Errorf("header too short: %w", dwarfenc.ErrInvalid)
	}
	if hdr[0] != 1 {
		return nil, fmt.Errorf("header version %d: %w", hdr[0], dwarfenc.ErrUnsupported)
	}
	framePtrEnc := dwarfenc.Encoding(hdr[1])
	fdeCountEnc := dwarfenc.Encoding(hdr[2])
	t.tableEnc = dwarfenc.Encoding(hdr[3])

	pos := m.BaseAddress() + 4
	frameAddr, n, err := t.ptrAt(pos, framePtrEnc)
	if err != nil {
		return nil, fmt.Errorf("eh_frame_ptr: %w", err)
	}
	t.frameAddr = frameAddr
	pos += taskmem.Address(n)

	fdeCount, n, err := t.ptrAt(pos, fdeCountEnc)
	if err != nil {
		return nil, fmt.Errorf("fde_count: %w", err)
	}
	t.fdeCount = uint64(fdeCount)
	pos += taskmem.Address(n)
	t.tableOff = pos

	width, err := tableEntryWidth(t.tableEnc, t.addressSize)
	if err != nil {
		return nil, err
	}
	t.entryWidth = 2 * width

	remaining := uint64(m.End() - t.tableOff)
	if t.fdeCount > remaining/uint64(t.entryWidth) {
		return nil, fmt.Errorf("table of %d entries extends past section end: %w",
			t.fdeCount, dwarfenc.ErrInvalid)
	}
	return t, nil
}

// tableEntryWidth returns the byte width of one table field. Binary search
// needs random access, so only fixed width encodings with a position
// independent base are usable.
func tableEntryWidth(enc dwarfenc.Encoding, addressSize int) (int, error) {
	switch enc & dwarfenc.EncBaseMask {
	case 0, dwarfenc.EncPCRel, dwarfenc.EncDataRel:
	default:
		return 0, fmt.Errorf("table encoding %s: %w", enc, dwarfenc.ErrUnsupported)
	}
	if enc&dwarfenc.EncIndirect != 0 {
		return 0, fmt.Errorf("table encoding %s: %w", enc, dwarfenc.ErrUnsupported)
	}
	switch enc & dwarfenc.EncFormatMask {
	case dwarfenc.EncAbsPtr:
		return addressSize, nil
	case dwarfenc.EncUData2, dwarfenc.EncSData2:
		return 2, nil
	case dwarfenc.EncUData4, dwarfenc.EncSData4:
		return 4, nil
	case dwarfenc.EncUData8, dwarfenc.EncSData8:
		return 8, nil
	default:
		return 0, fmt.Errorf("table encoding %s: %w", enc, dwarfenc.ErrUnsupported)
	}
}

// ptrAt decodes one encoded pointer in the header capture. The datarel
// base is the header section itself.
func (t *SearchTable) ptrAt(loc taskmem.Address, enc dwarfenc.Encoding) (taskmem.Address, int, error) {
	st, err := dwarfenc.NewPointerState(t.addressSize, dwarfenc.Bases{
		FrameSection:   dwarfenc.BaseAt(t.m.BaseAddress()),
		FrameSectionVM: dwarfenc.BaseAt(t.hdrVM),
		PCRel:          dwarfenc.BaseAt(t.hdrVM + (loc - t.m.BaseAddress())),
		Data:           dwarfenc.BaseAt(t.hdrVM),
	})
	if err != nil {
		return 0, 0, err
	}
	return st.ReadPointer(t.m, t.bo, loc, enc)
}

// Count returns the number of table entries.
func (t *SearchTable) Count() uint64 {
	return t.fdeCount
}

// FrameAddress returns the decoded eh_frame_ptr field: the image address
// of the frame section this table indexes.
func (t *SearchTable) FrameAddress() taskmem.Address {
	return t.frameAddr
}

// entryAt decodes table entry i as (pc start, FDE image address).
func (t *SearchTable) entryAt(i int) (ipStart, fdeAddr taskmem.Address, err error) {
	loc := t.tableOff + taskmem.Address(i*t.entryWidth)
	width := t.entryWidth / 2
	ipStart, _, err = t.ptrAt(loc, t.tableEnc)
	if err != nil {
		return 0, 0, err
	}
	fdeAddr, _, err = t.ptrAt(loc+taskmem.Address(width), t.tableEnc)
	if err != nil {
		return 0, 0, err
	}
	return ipStart, fdeAddr, nil
}

// LookupFDE finds and parses the FDE covering pc via binary search.
func (t *SearchTable) LookupFDE(pc taskmem.Address) (*FDE, error) {
	if t.fdeCount == 0 {
		return nil, fmt.Errorf("empty search table: %w", dwarfenc.ErrNotFound)
	}

	var searchErr error
	idx := sort.Search(int(t.fdeCount), func(i int) bool {
		if searchErr != nil {
			return true
		}
		ipStart, _, err := t.entryAt(i)
		if err != nil {
			searchErr = err
			return true
		}
		return ipStart > pc
	})
	if searchErr != nil {
		return nil, searchErr
	}
	if idx == 0 {
		return nil, fmt.Errorf("no FDE covers %#x: %w", pc, dwarfenc.ErrNotFound)
	}

	ipStart, fdeAddr, err := t.entryAt(idx - 1)
	if err != nil {
		return nil, err
	}
	if fdeAddr < t.frame.vmAddr {
		return nil, fmt.Errorf("table FDE address %#x precedes frame section %#x: %w",
			fdeAddr, t.frame.vmAddr, dwarfenc.ErrInvalid)
	}
	fde, err := t.frame.FDEAt(uint64(fdeAddr - t.frame.vmAddr))
	if err != nil {
		return nil, err
	}
	if fde.PCBegin != ipStart {
		return nil, fmt.Errorf("table pc start %#x disagrees with FDE pc begin %#x: %w",
			ipStart, fde.PCBegin, dwarfenc.ErrInvalid)
	}
	if !fde.Covers(pc) {
		return nil, fmt.Errorf("no FDE covers %#x: %w", pc, dwarfenc.ErrNotFound)
	}
	return fde, nil
}
