// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package elffile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/ehframe"
	"github.com/crashdiag/taskdwarf/taskmem"
)

type testSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	addr  uint64
	data  []byte
}

// buildELF assembles a little endian ELF64 image holding the given
// sections plus the null section and .shstrtab.
func buildELF(t *testing.T, sections []testSection) []byte {
	t.Helper()

	names := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(names))
		names = append(names, s.name...)
		names = append(names, 0)
	}
	strtabName := uint32(len(names))
	names = append(names, ".shstrtab"...)
	names = append(names, 0)

	const ehsize = 64
	const shentsize = 64
	shnum := len(sections) + 2

	var buf bytes.Buffer
	buf.Write(make([]byte, ehsize))

	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		offsets[i] = uint64(buf.Len())
		buf.Write(s.data)
	}
	strtabOff := uint64(buf.Len())
	buf.Write(names)
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
	shoff := uint64(buf.Len())

	le := binary.LittleEndian
	shdr := func(name uint32, typ elf.SectionType, flags elf.SectionFlag,
		addr, off, size uint64) {
		var h [shentsize]byte
		le.PutUint32(h[0:], name)
		le.PutUint32(h[4:], uint32(typ))
		le.PutUint64(h[8:], uint64(flags))
		le.PutUint64(h[16:], addr)
		le.PutUint64(h[24:], off)
		le.PutUint64(h[32:], size)
		le.PutUint64(h[48:], 1)
		buf.Write(h[:])
	}

	shdr(0, elf.SHT_NULL, 0, 0, 0, 0)
	for i, s := range sections {
		shdr(nameOff[i], s.typ, s.flags, s.addr, offsets[i], uint64(len(s.data)))
	}
	shdr(strtabName, elf.SHT_STRTAB, 0, 0, strtabOff, uint64(len(names)))

	out := buf.Bytes()
	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(out[16:], uint16(elf.ET_DYN))
	le.PutUint16(out[18:], uint16(elf.EM_X86_64))
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], ehsize)
	le.PutUint16(out[58:], shentsize)
	le.PutUint16(out[60:], uint16(shnum))
	le.PutUint16(out[62:], uint16(shnum-1))
	return out
}

// frameBytes is a parseable .eh_frame with a "zR" CIE and one FDE
// covering [0x10800, 0x10900), laid out for load address 0x10000.
var frameBytes = []byte{
	0x14, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x01,
	0x7a, 0x52, 0x00,
	0x01, 0x78, 0x10,
	0x01, 0x1b,
	0x0c, 0x07, 0x08,
	0x00, 0x00, 0x00, 0x00,

	0x14, 0x00, 0x00, 0x00,
	0x1c, 0x00, 0x00, 0x00,
	0xe0, 0x07, 0x00, 0x00, // pc begin: 0x10020 + 0x7e0
	0x00, 0x01, 0x00, 0x00,
	0x00,
	0x41, 0x0e, 0x10,
	0x00, 0x00, 0x00, 0x00,

	0x00, 0x00, 0x00, 0x00,
}

// hdrBytes indexes frameBytes, laid out for load address 0xf000.
var hdrBytes = []byte{
	0x01, 0x1b, 0x03, 0x3b,
	0xfc, 0x0f, 0x00, 0x00, // eh_frame_ptr: 0xf004 + 0xffc = 0x10000
	0x01, 0x00, 0x00, 0x00, // fde_count 1
	0x00, 0x18, 0x00, 0x00, // pc start 0x10800
	0x18, 0x10, 0x00, 0x00, // FDE at 0x10018
}

func compressChdrZlib(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZLIB))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(data)))
	binary.LittleEndian.PutUint64(hdr[16:], 8)
	buf.Write(hdr)
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func compressChdrZstd(t *testing.T, data []byte) []byte {
	t.Helper()
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZSTD))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(data)))
	binary.LittleEndian.PutUint64(hdr[16:], 8)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, hdr)
}

func compressZdebug(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("ZLIB")
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	buf.Write(size[:])
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSectionExtraction(t *testing.T) {
	image := buildELF(t, []testSection{
		{".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10000, frameBytes},
		{".eh_frame_hdr", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0xf000, hdrBytes},
	})

	f, err := NewFile(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), f.ByteOrder())
	assert.Equal(t, 8, f.AddressSize())

	m, debugFrame, err := f.FrameSection()
	require.NoError(t, err)
	assert.False(t, debugFrame)
	assert.Equal(t, taskmem.Address(0x10000), m.BaseAddress())
	got, ok := m.Slice(0x10000, 0, len(frameBytes))
	require.True(t, ok)
	assert.Equal(t, frameBytes, got)

	h, err := f.EhFrameHdr()
	require.NoError(t, err)
	assert.Equal(t, taskmem.Address(0xf000), h.BaseAddress())
}

func TestDebugFrameFallback(t *testing.T) {
	image := buildELF(t, []testSection{
		{".debug_frame", elf.SHT_PROGBITS, 0, 0, frameBytes},
	})

	f, err := NewFile(bytes.NewReader(image))
	require.NoError(t, err)
	m, debugFrame, err := f.FrameSection()
	require.NoError(t, err)
	assert.True(t, debugFrame)
	assert.Equal(t, taskmem.Address(0), m.BaseAddress())
}

func TestCompressedSections(t *testing.T) {
	for name, comp := range map[string]func(*testing.T, []byte) []byte{
		"chdr zlib": compressChdrZlib,
		"chdr zstd": compressChdrZstd,
	} {
		t.Run(name, func(t *testing.T) {
			image := buildELF(t, []testSection{
				{".debug_frame", elf.SHT_PROGBITS, elf.SHF_COMPRESSED, 0,
					comp(t, frameBytes)},
			})
			f, err := NewFile(bytes.NewReader(image))
			require.NoError(t, err)
			m, debugFrame, err := f.FrameSection()
			require.NoError(t, err)
			assert.True(t, debugFrame)
			got, ok := m.Slice(0, 0, len(frameBytes))
			require.True(t, ok)
			assert.Equal(t, frameBytes, got)
		})
	}
}

func TestLegacyZdebug(t *testing.T) {
	image := buildELF(t, []testSection{
		{".zdebug_frame", elf.SHT_PROGBITS, 0, 0, compressZdebug(t, frameBytes)},
	})

	f, err := NewFile(bytes.NewReader(image))
	require.NoError(t, err)
	m, debugFrame, err := f.FrameSection()
	require.NoError(t, err)
	assert.True(t, debugFrame)
	got, ok := m.Slice(0, 0, len(frameBytes))
	require.True(t, ok)
	assert.Equal(t, frameBytes, got)
}

func TestSectionErrors(t *testing.T) {
	badChdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(badChdr[0:], 99)

	tests := map[string]struct {
		sections []testSection
		wantErr  error
	}{
		"no frame section": {
			sections: []testSection{
				{".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x1000, []byte{0xc3}},
			},
			wantErr: dwarfenc.ErrNotFound,
		},
		"bad zdebug magic": {
			sections: []testSection{
				{".zdebug_frame", elf.SHT_PROGBITS, 0, 0,
					[]byte("NOPE\x00\x00\x00\x00\x00\x00\x00\x00")},
			},
			wantErr: dwarfenc.ErrInvalid,
		},
		"unknown compression type": {
			sections: []testSection{
				{".debug_frame", elf.SHT_PROGBITS, elf.SHF_COMPRESSED, 0, badChdr},
			},
			wantErr: dwarfenc.ErrUnsupported,
		},
		"truncated compression header": {
			sections: []testSection{
				{".debug_frame", elf.SHT_PROGBITS, elf.SHF_COMPRESSED, 0,
					[]byte{1, 0, 0}},
			},
			wantErr: dwarfenc.ErrInvalid,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := NewFile(bytes.NewReader(buildELF(t, tc.sections)))
			require.NoError(t, err)
			_, _, err = f.FrameSection()
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestOpen(t *testing.T) {
	image := buildELF(t, []testSection{
		{".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10000, frameBytes},
	})
	path := filepath.Join(t.TempDir(), "fixture.so")
	require.NoError(t, os.WriteFile(path, image, 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, debugFrame, err := f.FrameSection()
	require.NoError(t, err)
	assert.False(t, debugFrame)
	require.NoError(t, f.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// TestLookupPipeline drives an image from section extraction through an
// FDE lookup.
func TestLookupPipeline(t *testing.T) {
	image := buildELF(t, []testSection{
		{".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10000, frameBytes},
		{".eh_frame_hdr", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0xf000, hdrBytes},
	})
	f, err := NewFile(bytes.NewReader(image))
	require.NoError(t, err)

	m, debugFrame, err := f.FrameSection()
	require.NoError(t, err)
	frame, err := ehframe.NewReader(m, f.ByteOrder(), ehframe.Options{
		DebugFrame:  debugFrame,
		AddressSize: f.AddressSize(),
	})
	require.NoError(t, err)

	h, err := f.EhFrameHdr()
	require.NoError(t, err)
	tab, err := ehframe.NewSearchTable(h, f.ByteOrder(), frame, ehframe.TableOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), tab.Count())

	fde, err := tab.LookupFDE(0x10840)
	require.NoError(t, err)
	assert.Equal(t, taskmem.Address(0x10800), fde.PCBegin)
	assert.Equal(t, uint64(0x100), fde.PCRange)

	_, err = tab.LookupFDE(0x20000)
	assert.ErrorIs(t, err, dwarfenc.ErrNotFound)
}
