// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashdiag/taskdwarf/taskmem"
)

func TestReadULEB128(t *testing.T) {
	tests := map[string]struct {
		data  []byte
		value uint64
		size  int
		err   error
	}{
		"zero":         {data: []byte{0x00}, value: 0, size: 1},
		"two":          {data: []byte{0x02}, value: 2, size: 1},
		"boundary 127": {data: []byte{0x7f}, value: 127, size: 1},
		"boundary 128": {data: []byte{0x80, 0x01}, value: 128, size: 2},
		"624485":       {data: []byte{0xe5, 0x8e, 0x26}, value: 624485, size: 3},
		"max uint64": {
			data:  []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
			value: math.MaxUint64,
			size:  10,
		},
		// The tenth group straddles bit 63; bits beyond it are dropped as
		// long as the group terminates the value.
		"high bits dropped": {
			data:  []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
			value: math.MaxUint64,
			size:  10,
		},
		"continues past 64 bits": {
			data: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
			err:  ErrUnsupported,
		},
		"unterminated": {data: []byte{0x80}, err: ErrInvalid},
		"empty":        {data: []byte{}, err: ErrInvalid},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := taskmem.NewMapping(test.data, 0x1000)
			value, size, err := ReadULEB128(m, 0x1000)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.value, value)
			assert.Equal(t, test.size, size)
		})
	}
}

func TestReadSLEB128(t *testing.T) {
	tests := map[string]struct {
		data  []byte
		value int64
		size  int
		err   error
	}{
		"zero":      {data: []byte{0x00}, value: 0, size: 1},
		"two":       {data: []byte{0x02}, value: 2, size: 1},
		"minus one": {data: []byte{0x7f}, value: -1, size: 1},
		"63":        {data: []byte{0x3f}, value: 63, size: 1},
		"minus 64":  {data: []byte{0x40}, value: -64, size: 1},
		"624485":    {data: []byte{0xe5, 0x8e, 0x26}, value: 624485, size: 3},
		"minus 624485": {
			data:  []byte{0x9b, 0xf1, 0x59},
			value: -624485,
			size:  3,
		},
		"min int64": {
			data:  []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x7f},
			value: math.MinInt64,
			size:  10,
		},
		// The sign bit of the tenth group sits beyond bit 63 and must not
		// be applied; the accumulated low bits come back as they are.
		"sign beyond 64 bits": {
			data:  []byte{0x81, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x40},
			value: 1,
			size:  10,
		},
		"continues past 64 bits": {
			data: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
			err:  ErrUnsupported,
		},
		"unterminated": {data: []byte{0xff}, err: ErrInvalid},
		"empty":        {data: []byte{}, err: ErrInvalid},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := taskmem.NewMapping(test.data, 0x1000)
			value, size, err := ReadSLEB128(m, 0x1000)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.value, value)
			assert.Equal(t, test.size, size)
		})
	}
}

func TestLEB128Location(t *testing.T) {
	m := taskmem.NewMapping([]byte{0x00, 0x00, 0xe5, 0x8e, 0x26}, 0x400)

	value, size, err := ReadULEB128(m, 0x402)
	require.NoError(t, err)
	assert.Equal(t, uint64(624485), value)
	assert.Equal(t, 3, size)

	svalue, size, err := ReadSLEB128(m, 0x404)
	require.NoError(t, err)
	assert.Equal(t, int64(0x26), svalue)
	assert.Equal(t, 1, size)

	_, _, err = ReadULEB128(m, 0x405)
	require.ErrorIs(t, err, ErrInvalid)
	_, _, err = ReadULEB128(m, 0x3ff)
	require.ErrorIs(t, err, ErrInvalid)
}
