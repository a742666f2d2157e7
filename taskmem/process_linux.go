// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package taskmem // import "github.com/crashdiag/taskdwarf/taskmem"

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	want := len(p)
	if want == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(want)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: want}}
	got, err := unix.ProcessVMReadv(vm.pid, localIov, remoteIov, 0)
	if err != nil {
		err = fmt.Errorf("reading PID %d at 0x%x: %w", vm.pid, off, err)
	} else if got != want {
		err = fmt.Errorf("reading PID %d at 0x%x: got %d of %d bytes",
			vm.pid, off, got, want)
	}
	return got, err
}
