// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package taskmem // import "github.com/crashdiag/taskdwarf/taskmem"

import (
	"fmt"
	"io"
)

// ProcessVirtualMemory reads the address space of a live process. It
// implements io.ReaderAt with the read offset interpreted as a task address.
type ProcessVirtualMemory struct {
	pid int
}

// NewProcessVirtualMemory returns a reader for the given process.
func NewProcessVirtualMemory(pid int) ProcessVirtualMemory {
	return ProcessVirtualMemory{pid: pid}
}

// Capture snapshots length bytes at task address addr from r.
func Capture(r io.ReaderAt, addr Address, length int) (*Mapping, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative capture length %d", length)
	}
	data := make([]byte, length)
	n, err := r.ReadAt(data, int64(addr))
	if err != nil && (err != io.EOF || n != length) {
		return nil, err
	}
	return NewMapping(data, addr), nil
}

// CaptureProcess snapshots length bytes at task address addr from a live
// process. The capture is a point-in-time copy; later writes by the process
// are not reflected in the returned Mapping.
func CaptureProcess(pid int, addr Address, length int) (*Mapping, error) {
	return Capture(NewProcessVirtualMemory(pid), addr, length)
}
