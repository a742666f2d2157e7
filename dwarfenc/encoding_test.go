// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodingString(t *testing.T) {
	tests := map[string]struct {
		enc  Encoding
		want string
	}{
		"omit":           {enc: EncOmit, want: "omit"},
		"absptr":         {enc: EncAbsPtr, want: "absptr"},
		"uleb128":        {enc: EncULEB128, want: "uleb128"},
		"pcrel sdata4":   {enc: EncPCRel | EncSData4, want: "pcrel|sdata4"},
		"datarel":        {enc: EncDataRel | EncUData4, want: "datarel|udata4"},
		"aligned":        {enc: EncAligned, want: "aligned|absptr"},
		"indirect":       {enc: EncIndirect | EncPCRel | EncSData8, want: "indirect|pcrel|sdata8"},
		"unknown format": {enc: Encoding(0x05), want: "format(0x5)"},
		"unknown base":   {enc: Encoding(0x60) | EncUData2, want: "base(0x60)|udata2"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, test.enc.String())
		})
	}
}
