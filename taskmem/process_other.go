// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package taskmem // import "github.com/crashdiag/taskdwarf/taskmem"

import (
	"fmt"
	"runtime"
)

// ReadAt is a stub that allows compiling the package on non-linux systems.
// It always fails at runtime.
func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
