// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// ehdump lists or looks up call frame information entries. It reads the
// frame sections either from an ELF file or out of a live process, and
// prints one line per entry.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/crashdiag/taskdwarf/dwarfenc"
	"github.com/crashdiag/taskdwarf/ehframe"
	"github.com/crashdiag/taskdwarf/elffile"
	"github.com/crashdiag/taskdwarf/internal/log"
	"github.com/crashdiag/taskdwarf/taskmem"
)

// Help strings for command line arguments
var (
	addressSizeHelp = "Pointer width in bytes of the target task (-pid mode only)."
	dataBaseHelp    = "Base address for datarel encoded pointers. 0 leaves the base unset."
	debugFrameHelp  = "Treat the frame data as .debug_frame instead of .eh_frame " +
		"(-pid mode only; file sections carry their own layout)."
	exeHelp         = "Path of an ELF executable or shared object to read frame sections from."
	frameAddrHelp   = "Address of the frame section in the target task."
	frameLengthHelp = "Length in bytes of the frame section in the target task."
	funcBaseHelp    = "Base address for funcrel encoded pointers. 0 leaves the base unset."
	hdrAddrHelp     = "Address of the .eh_frame_hdr section in the target task."
	hdrLengthHelp   = "Length in bytes of the .eh_frame_hdr section in the target task."
	pcHelp          = "Look up the single entry covering this address instead of " +
		"listing every entry."
	pidHelp      = "Capture the frame section out of this process instead of a file."
	textBaseHelp = "Base address for textrel encoded pointers. 0 leaves the base unset."
	verboseHelp  = "Enable verbose logging."
)

type arguments struct {
	addressSize uint
	dataBase    uint64
	debugFrame  bool
	exePath     string
	frameAddr   uint64
	frameLength uint64
	funcBase    uint64
	hdrAddr     uint64
	hdrLength   uint64
	pc          uint64
	pid         uint
	textBase    uint64
	verbose     bool
}

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("ehdump", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.UintVar(&args.addressSize, "address-size", 8, addressSizeHelp)
	fs.Uint64Var(&args.dataBase, "data-base", 0, dataBaseHelp)
	fs.BoolVar(&args.debugFrame, "debug-frame", false, debugFrameHelp)
	fs.StringVar(&args.exePath, "exe", "", exeHelp)
	fs.Uint64Var(&args.frameAddr, "frame-addr", 0, frameAddrHelp)
	fs.Uint64Var(&args.frameLength, "frame-length", 0, frameLengthHelp)
	fs.Uint64Var(&args.funcBase, "func-base", 0, funcBaseHelp)
	fs.Uint64Var(&args.hdrAddr, "hdr-addr", 0, hdrAddrHelp)
	fs.Uint64Var(&args.hdrLength, "hdr-length", 0, hdrLengthHelp)
	fs.Uint64Var(&args.pc, "pc", 0, pcHelp)
	fs.UintVar(&args.pid, "pid", 0, pidHelp)
	fs.Uint64Var(&args.textBase, "text-base", 0, textBaseHelp)
	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EHDUMP"),
	)
}

func sanityCheck(args *arguments) exitCode {
	if args.exePath == "" && args.pid == 0 {
		return parseError("Specify either -exe or -pid")
	}
	if args.exePath != "" && args.pid != 0 {
		return parseError("-exe and -pid are mutually exclusive")
	}
	if args.pid != 0 && args.frameLength == 0 {
		return parseError("-pid mode needs -frame-addr and -frame-length")
	}
	if (args.hdrAddr == 0) != (args.hdrLength == 0) {
		return parseError("-hdr-addr and -hdr-length must be given together")
	}
	switch args.addressSize {
	case 1, 2, 4, 8:
	default:
		return parseError("Invalid -address-size %d: must be 1, 2, 4 or 8",
			args.addressSize)
	}
	return exitSuccess
}

// input is the frame data to dump, wherever it came from.
type input struct {
	frame       *taskmem.Mapping
	hdr         *taskmem.Mapping
	bo          binary.ByteOrder
	addressSize int
	debugFrame  bool
}

func loadFile(args *arguments) (*input, error) {
	f, err := elffile.Open(args.exePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	in := &input{
		bo:          f.ByteOrder(),
		addressSize: f.AddressSize(),
	}
	in.frame, in.debugFrame, err = f.FrameSection()
	if err != nil {
		return nil, err
	}
	if hdr, err := f.EhFrameHdr(); err == nil {
		in.hdr = hdr
	}
	return in, nil
}

func loadTask(args *arguments) (*input, error) {
	in := &input{
		bo:          binary.NativeEndian,
		addressSize: int(args.addressSize),
		debugFrame:  args.debugFrame,
	}
	var err error
	in.frame, err = taskmem.CaptureProcess(int(args.pid),
		taskmem.Address(args.frameAddr), int(args.frameLength))
	if err != nil {
		return nil, fmt.Errorf("capturing frame section: %w", err)
	}
	if args.hdrLength != 0 {
		in.hdr, err = taskmem.CaptureProcess(int(args.pid),
			taskmem.Address(args.hdrAddr), int(args.hdrLength))
		if err != nil {
			return nil, fmt.Errorf("capturing eh_frame_hdr: %w", err)
		}
	}
	return in, nil
}

func baseOrUnset(addr uint64) dwarfenc.Base {
	if addr == 0 {
		return dwarfenc.Base{}
	}
	return dwarfenc.BaseAt(taskmem.Address(addr))
}

func printCIE(cie *ehframe.CIE) {
	line := fmt.Sprintf("cie %#x: version %d aug %q code %d data %d ra %d enc %s",
		cie.Offset, cie.Version, cie.Augmentation, cie.CodeAlign, cie.DataAlign,
		cie.ReturnAddressReg, cie.FDEEnc)
	if cie.HasPersonality {
		line += fmt.Sprintf(" personality %#x", cie.Personality)
	}
	if cie.IsSignalHandler {
		line += " signal"
	}
	fmt.Printf("%s instr %d bytes\n", line, cie.Instructions.Length)
}

func printFDE(fde *ehframe.FDE) {
	line := fmt.Sprintf("fde %#x: pc %#x..%#x cie %#x",
		fde.Offset, fde.PCBegin,
		fde.PCBegin+taskmem.Address(fde.PCRange), fde.CIEOffset)
	if fde.HasLSDA {
		line += fmt.Sprintf(" lsda %#x", fde.LSDA)
	}
	fmt.Printf("%s instr %d bytes\n", line, fde.Instructions.Length)
}

func dumpAll(frame *ehframe.Reader) error {
	seen := make(map[uint64]bool)
	count := 0
	err := frame.Scan(func(fde *ehframe.FDE) bool {
		if !seen[fde.CIEOffset] {
			seen[fde.CIEOffset] = true
			printCIE(fde.CIE)
		}
		printFDE(fde)
		count++
		return true
	})
	if err != nil {
		return err
	}
	log.Infof("%d FDEs, %d CIEs", count, len(seen))
	return nil
}

func lookup(in *input, frame *ehframe.Reader, pc taskmem.Address) error {
	var fde *ehframe.FDE
	var err error
	if in.hdr != nil {
		var tab *ehframe.SearchTable
		tab, err = ehframe.NewSearchTable(in.hdr, in.bo, frame, ehframe.TableOptions{})
		if err != nil {
			return fmt.Errorf("parsing eh_frame_hdr: %w", err)
		}
		log.Debugf("binary search over %d table entries", tab.Count())
		fde, err = tab.LookupFDE(pc)
	} else {
		log.Debugf("no search table, scanning")
		fde, err = frame.FindFDE(pc)
	}
	if err != nil {
		return err
	}
	printCIE(fde.CIE)
	printFDE(fde)
	return nil
}

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	var in *input
	if args.exePath != "" {
		in, err = loadFile(args)
	} else {
		in, err = loadTask(args)
	}
	if err != nil {
		return failure("Failed to load frame data: %v", err)
	}
	log.Debugf("frame section: %d bytes at %#x",
		in.frame.Length(), in.frame.BaseAddress())

	frame, err := ehframe.NewReader(in.frame, in.bo, ehframe.Options{
		DebugFrame:  in.debugFrame,
		AddressSize: in.addressSize,
		Text:        baseOrUnset(args.textBase),
		Data:        baseOrUnset(args.dataBase),
		Func:        baseOrUnset(args.funcBase),
	})
	if err != nil {
		return failure("Failed to read frame section: %v", err)
	}

	if args.pc != 0 {
		err = lookup(in, frame, taskmem.Address(args.pc))
	} else {
		err = dumpAll(frame)
	}
	if err != nil {
		return failure("%v", err)
	}
	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
