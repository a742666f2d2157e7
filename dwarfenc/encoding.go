// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfenc decodes DWARF/GNU eh_frame encoded pointers and LEB128
// integers from captured task memory. It implements the DW_EH_PE_* pointer
// encoding scheme used by the .eh_frame and .eh_frame_hdr sections, reading
// through taskmem.Mapping so that corrupt or truncated captures fail cleanly
// instead of faulting. The decoders allocate nothing and take no locks,
// which keeps them usable from crash-time diagnostic paths.
package dwarfenc // import "github.com/crashdiag/taskdwarf/dwarfenc"

import "fmt"

// Encoding describes how one pointer value is stored. The low nibble selects
// the value format, bits 4..6 select the base address the value is relative
// to, and the top bit requests one level of indirection through the decoded
// address. The values match the DW_EH_PE_* constants of the GNU eh_frame
// format.
type Encoding uint8

// Value format (EncFormatMask bits).
const (
	EncAbsPtr  Encoding = 0x00 // pointer of natural address width
	EncULEB128 Encoding = 0x01 // unsigned LEB128
	EncUData2  Encoding = 0x02 // unsigned 16-bit
	EncUData4  Encoding = 0x03 // unsigned 32-bit
	EncUData8  Encoding = 0x04 // unsigned 64-bit
	EncSLEB128 Encoding = 0x09 // signed LEB128
	EncSData2  Encoding = 0x0a // signed 16-bit
	EncSData4  Encoding = 0x0b // signed 32-bit
	EncSData8  Encoding = 0x0c // signed 64-bit
)

// Base address class (EncBaseMask bits).
const (
	EncPCRel   Encoding = 0x10 // relative to the address of the field
	EncTextRel Encoding = 0x20 // relative to the text base
	EncDataRel Encoding = 0x30 // relative to the data base
	EncFuncRel Encoding = 0x40 // relative to the function base
	EncAligned Encoding = 0x50 // absolute, aligned to the address size
)

const (
	EncFormatMask Encoding = 0x0f
	EncBaseMask   Encoding = 0x70

	// EncIndirect requests one dereference of the decoded address.
	EncIndirect Encoding = 0x80

	// EncOmit marks a value that is not present at all.
	EncOmit Encoding = 0xff
)

// String formats the encoding symbolically, e.g. "indirect|pcrel|sdata4".
func (e Encoding) String() string {
	if e == EncOmit {
		return "omit"
	}
	var s string
	switch e & EncFormatMask {
	case EncAbsPtr:
		s = "absptr"
	case EncULEB128:
		s = "uleb128"
	case EncUData2:
		s = "udata2"
	case EncUData4:
		s = "udata4"
	case EncUData8:
		s = "udata8"
	case EncSLEB128:
		s = "sleb128"
	case EncSData2:
		s = "sdata2"
	case EncSData4:
		s = "sdata4"
	case EncSData8:
		s = "sdata8"
	default:
		s = fmt.Sprintf("format(%#02x)", uint8(e&EncFormatMask))
	}
	switch e & EncBaseMask {
	case 0:
	case EncPCRel:
		s = "pcrel|" + s
	case EncTextRel:
		s = "textrel|" + s
	case EncDataRel:
		s = "datarel|" + s
	case EncFuncRel:
		s = "funcrel|" + s
	case EncAligned:
		s = "aligned|" + s
	default:
		s = fmt.Sprintf("base(%#02x)|", uint8(e&EncBaseMask)) + s
	}
	if e&EncIndirect != 0 {
		s = "indirect|" + s
	}
	return s
}
