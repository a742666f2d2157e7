// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// Package ehframe parses DWARF call frame information from captured task
// memory: the .eh_frame and .debug_frame entry layouts and the
// .eh_frame_hdr binary search table. It decodes CIE and FDE headers and
// locates the FDE covering an address. The CFI instruction programs are
// carried as opaque byte ranges and never interpreted.
//
// Entry fields are decoded with the dwarfenc pointer decoder; pcrel values
// are anchored at the field's address in the original image, so a capture
// may live at a different task address than the section it was taken from.
package ehframe // import "github.com/crashdiag/taskdwarf/ehframe"

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/taskmem"
)

const cieCacheSize = 256

var (
	errEmptyEntry = errors.New("empty entry")
	errTruncated  = fmt.Errorf("entry truncated: %w", dwarfenc.ErrInvalid)
)

// Options adjust how a frame section capture is parsed.
type Options struct {
	// DebugFrame selects the .debug_frame entry layout instead of
	// .eh_frame: CIEs are marked with an all-ones id and FDE CIE pointers
	// are section offsets rather than self-relative back references.
	DebugFrame bool

	// AddressSize is the target pointer width in bytes; 0 selects 8.
	AddressSize int

	// VMAddr is the virtual address the section had in its original image.
	// It anchors pcrel and aligned decoding. When left unconfigured the
	// mapping base address is used, which is correct whenever the capture
	// is based at the image address.
	VMAddr dwarfenc.Base

	// Text, Data and Func anchor the corresponding relative encodings
	// when the caller knows the image's bases.
	Text dwarfenc.Base
	Data dwarfenc.Base
	Func dwarfenc.Base
}

// Reader parses CIE and FDE entries out of one frame section capture.
// It is not safe for concurrent use.
type Reader struct {
	m           *taskmem.Mapping
	bo          binary.ByteOrder
	debugFrame  bool
	addressSize int
	vmAddr      taskmem.Address
	textBase    dwarfenc.Base
	dataBase    dwarfenc.Base
	funcBase    dwarfenc.Base

	cieCache *lru.LRU[uint64, *CIE]
}

// NewReader wraps a frame section capture for parsing.
func NewReader(m *taskmem.Mapping, bo binary.ByteOrder, opt Options) (*Reader, error) {
	if opt.AddressSize == 0 {
		opt.AddressSize = 8
	}
	switch opt.AddressSize {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("address size %d: %w",
			opt.AddressSize, dwarfenc.ErrUnsupported)
	}
	cache, err := lru.New[uint64, *CIE](cieCacheSize, hashOffset)
	if err != nil {
		return nil, err
	}
	vmAddr := m.BaseAddress()
	if addr, ok := opt.VMAddr.Addr(); ok {
		vmAddr = addr
	}
	return &Reader{
		m:           m,
		bo:          bo,
		debugFrame:  opt.DebugFrame,
		addressSize: opt.AddressSize,
		vmAddr:      vmAddr,
		textBase:    opt.Text,
		dataBase:    opt.Data,
		funcBase:    opt.Func,
		cieCache:    cache,
	}, nil
}

func hashOffset(offset uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], offset)
	return uint32(xxh3.Hash(b[:]))
}

// offsetOf translates a task address within the capture to a section offset.
func (r *Reader) offsetOf(pos taskmem.Address) uint64 {
	return uint64(pos - r.m.BaseAddress())
}

// cursor walks the section capture, tracking the current task address. The
// first failed read sticks; later reads return zero values.
type cursor struct {
	r           *Reader
	pos         taskmem.Address
	end         taskmem.Address
	addressSize int
	err         error
}

func (r *Reader) cursor(offset uint64) cursor {
	return cursor{
		r:           r,
		pos:         r.m.BaseAddress() + taskmem.Address(offset),
		end:         r.m.End(),
		addressSize: r.addressSize,
	}
}

func (c *cursor) hasData() bool {
	return c.err == nil && c.pos < c.end
}

func (c *cursor) take(width int) []byte {
	if c.err != nil {
		return nil
	}
	if taskmem.Address(width) > c.end-c.pos {
		c.err = errTruncated
		return nil
	}
	p, ok := c.r.m.Slice(c.pos, 0, width)
	if !ok {
		c.err = errTruncated
		return nil
	}
	c.pos += taskmem.Address(width)
	return p
}

func (c *cursor) u8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *cursor) u32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return c.r.bo.Uint32(p)
}

func (c *cursor) u64() uint64 {
	p := c.take(8)
	if p == nil {
		return 0
	}
	return c.r.bo.Uint64(p)
}

func (c *cursor) uleb() uint64 {
	if c.err != nil {
		return 0
	}
	v, n, err := dwarfenc.ReadULEB128(c.r.m, c.pos)
	if err != nil {
		c.err = err
		return 0
	}
	c.pos += taskmem.Address(n)
	if c.pos > c.end {
		c.err = errTruncated
		return 0
	}
	return v
}

func (c *cursor) sleb() int64 {
	if c.err != nil {
		return 0
	}
	v, n, err := dwarfenc.ReadSLEB128(c.r.m, c.pos)
	if err != nil {
		c.err = err
		return 0
	}
	c.pos += taskmem.Address(n)
	if c.pos > c.end {
		c.err = errTruncated
		return 0
	}
	return v
}

// str reads one zero-terminated string. Only used for the augmentation
// string, which is a handful of bytes.
func (c *cursor) str() string {
	var s []byte
	for {
		b := c.u8()
		if c.err != nil {
			return ""
		}
		if b == 0 {
			return string(s)
		}
		s = append(s, b)
	}
}

// seek advances the cursor to the given task address. Only forward seeks
// within the current bounds are valid.
func (c *cursor) seek(to taskmem.Address) {
	if c.err != nil {
		return
	}
	if to < c.pos || to > c.end {
		c.err = errTruncated
		return
	}
	c.pos = to
}

// ptr decodes one encoded pointer at the cursor, with pcrel anchored at the
// field's address in the original image and aligned decoding anchored at
// the section bases.
func (c *cursor) ptr(enc dwarfenc.Encoding) taskmem.Address {
	if c.err != nil {
		return 0
	}
	st, err := dwarfenc.NewPointerState(c.addressSize, dwarfenc.Bases{
		FrameSection:   dwarfenc.BaseAt(c.r.m.BaseAddress()),
		FrameSectionVM: dwarfenc.BaseAt(c.r.vmAddr),
		PCRel:          dwarfenc.BaseAt(c.r.vmAddr + (c.pos - c.r.m.BaseAddress())),
		Text:           c.r.textBase,
		Data:           c.r.dataBase,
		Func:           c.r.funcBase,
	})
	if err != nil {
		c.err = err
		return 0
	}
	v, n, err := st.ReadPointer(c.r.m, c.r.bo, c.pos, enc)
	if err != nil {
		c.err = err
		return 0
	}
	c.pos += taskmem.Address(n)
	if c.pos > c.end {
		c.err = errTruncated
		return 0
	}
	return v
}
