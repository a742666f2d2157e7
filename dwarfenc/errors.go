// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfenc // import "github.com/crashdiag/taskdwarf/dwarfenc"

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every error returned by the decoders in this package
// wraps one of these sentinels, so callers classify failures with errors.Is
// instead of string matching.
var (
	// ErrNotFound marks values that are intentionally absent from the data.
	ErrNotFound = errors.New("value not present")

	// ErrUnsupported marks data that was recognized but cannot be decoded.
	ErrUnsupported = errors.New("not supported")

	// ErrInvalid marks data whose bytes are malformed or unobtainable.
	ErrInvalid = errors.New("invalid data")
)

// Predeclared errors for the decode paths. Decode failure returns allocate
// nothing; the specifics are emitted with log.Debugf at the failure site.
var (
	errOmitted         = fmt.Errorf("pointer encoding is omit: %w", ErrNotFound)
	errNoPCRelBase     = fmt.Errorf("pcrel base not configured: %w", ErrUnsupported)
	errNoTextBase      = fmt.Errorf("textrel base not configured: %w", ErrUnsupported)
	errNoDataBase      = fmt.Errorf("datarel base not configured: %w", ErrUnsupported)
	errNoFuncBase      = fmt.Errorf("funcrel base not configured: %w", ErrUnsupported)
	errNoFrameBase     = fmt.Errorf("frame section bases not configured: %w", ErrUnsupported)
	errUnknownBase     = fmt.Errorf("unknown pointer base encoding: %w", ErrUnsupported)
	errUnknownFormat   = fmt.Errorf("unknown pointer value encoding: %w", ErrUnsupported)
	errValueRead       = fmt.Errorf("pointer bytes outside mapped range: %w", ErrInvalid)
	errAlignedLocation = fmt.Errorf("location precedes frame section base: %w", ErrInvalid)
	errLEBOverflow     = fmt.Errorf("LEB128 value exceeds 64 bits: %w", ErrUnsupported)
	errLEBTruncated    = fmt.Errorf("LEB128 value did not terminate in mapped range: %w", ErrInvalid)
)
