// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// Package elffile extracts frame sections from ELF executables and shared
// objects. Sections are returned as taskmem captures based at their link
// time virtual address, ready for the ehframe parser. Compressed debug
// sections (SHF_COMPRESSED and the legacy .zdebug_ form) are inflated
// transparently.
package elffile // import "github.com/crashdiag/taskdwarf/elffile"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// maxSectionSize caps how much section data is loaded or inflated.
const maxSectionSize = 1 << 30

// File is an open ELF file.
type File struct {
	elf    *elf.File
	raw    io.ReaderAt
	closer io.Closer
}

// Open opens the named ELF file.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	f.closer = r
	return f, nil
}

// NewFile parses an ELF image from r.
func NewFile(r io.ReaderAt) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	return &File{elf: ef, raw: r}, nil
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

// ByteOrder returns the image's data encoding.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.elf.ByteOrder
}

// AddressSize returns the image's pointer width in bytes.
func (f *File) AddressSize() int {
	if f.elf.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// FrameSection returns the image's call frame information as a capture
// based at the section's virtual address. The flag reports whether the
// data uses the .debug_frame entry layout; .eh_frame is preferred when
// both sections are present.
func (f *File) FrameSection() (*taskmem.Mapping, bool, error) {
	m, err := f.Section(".eh_frame")
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, dwarfenc.ErrNotFound) {
		return nil, false, err
	}
	for _, name := range []string{".debug_frame", ".zdebug_frame"} {
		m, err = f.Section(name)
		if err == nil {
			return m, true, nil
		}
		if !errors.Is(err, dwarfenc.ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("no frame section: %w", dwarfenc.ErrNotFound)
}

// EhFrameHdr returns the .eh_frame_hdr section as a capture based at its
// virtual address.
func (f *File) EhFrameHdr() (*taskmem.Mapping, error) {
	return f.Section(".eh_frame_hdr")
}

// Section loads one named section, inflating it if compressed. The capture
// is based at the section's virtual address, which is zero for sections
// not mapped at run time.
func (f *File) Section(name string) (*taskmem.Mapping, error) {
	s := f.elf.Section(name)
	if s == nil {
		return nil, fmt.Errorf("no section %s: %w", name, dwarfenc.ErrNotFound)
	}
	if s.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("section %s has no file data: %w", name, dwarfenc.ErrInvalid)
	}
	if s.FileSize > maxSectionSize {
		return nil, fmt.Errorf("section %s is %d bytes: %w", name, s.FileSize, dwarfenc.ErrInvalid)
	}

	raw := make([]byte, s.FileSize)
	n, err := f.raw.ReadAt(raw, int64(s.Offset))
	if err != nil && (err != io.EOF || n != len(raw)) {
		return nil, fmt.Errorf("reading section %s: %w", name, err)
	}

	data, err := f.inflate(s, raw)
	if err != nil {
		return nil, fmt.Errorf("section %s: %w", name, err)
	}
	return taskmem.NewMapping(data, taskmem.Address(s.Addr)), nil
}

func (f *File) inflate(s *elf.Section, raw []byte) ([]byte, error) {
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		return f.inflateChdr(raw)
	}
	if strings.HasPrefix(s.Name, ".zdebug_") {
		return inflateZlibHeader(raw)
	}
	return raw, nil
}

// inflateChdr handles SHF_COMPRESSED sections: a compression header in
// the image's class and byte order, then the compressed payload.
func (f *File) inflateChdr(raw []byte) ([]byte, error) {
	bo := f.elf.ByteOrder
	var typ uint32
	var size uint64
	var payload []byte
	if f.elf.Class == elf.ELFCLASS32 {
		if len(raw) < 12 {
			return nil, fmt.Errorf("compression header truncated: %w", dwarfenc.ErrInvalid)
		}
		typ = bo.Uint32(raw[0:4])
		size = uint64(bo.Uint32(raw[4:8]))
		payload = raw[12:]
	} else {
		if len(raw) < 24 {
			return nil, fmt.Errorf("compression header truncated: %w", dwarfenc.ErrInvalid)
		}
		typ = bo.Uint32(raw[0:4])
		size = bo.Uint64(raw[8:16])
		payload = raw[24:]
	}
	if size > maxSectionSize {
		return nil, fmt.Errorf("inflates to %d bytes: %w", size, dwarfenc.ErrInvalid)
	}

	switch elf.CompressionType(typ) {
	case elf.COMPRESS_ZLIB:
		return inflateZlib(payload, size)
	case elf.COMPRESS_ZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		data, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("inflating zstd: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("compression type %d: %w", typ, dwarfenc.ErrUnsupported)
	}
}

// inflateZlibHeader handles the legacy .zdebug_ form: a "ZLIB" magic, the
// inflated size as a big endian u64, then a zlib stream.
func inflateZlibHeader(raw []byte) ([]byte, error) {
	if len(raw) < 12 || string(raw[:4]) != "ZLIB" {
		return nil, fmt.Errorf("missing ZLIB header: %w", dwarfenc.ErrInvalid)
	}
	size := binary.BigEndian.Uint64(raw[4:12])
	if size > maxSectionSize {
		return nil, fmt.Errorf("inflates to %d bytes: %w", size, dwarfenc.ErrInvalid)
	}
	return inflateZlib(raw[12:], size)
}

func inflateZlib(payload []byte, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("inflating zlib: %w", err)
	}
	defer zr.Close()
	data := make([]byte, size)
	if _, err := io.ReadFull(zr, data); err != nil {
		return nil, fmt.Errorf("inflating zlib: %w", err)
	}
	return data, nil
}
