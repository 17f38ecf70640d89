package luneffi

import (
	"runtime"
	"unsafe"

	"tlog.app/go/errors"
)

// Version of the engine, surfaced by the CLI and the REPL banner.
const Version = "0.3.0"

// Convention names the argument-passing protocol a native function expects.
// "cdecl" maps to the platform default ABI; the remaining names are accepted
// only where the target actually supports them.
type Convention string

const (
	ConvDefault Convention = ""
	ConvCDecl   Convention = "cdecl"
	ConvSysV    Convention = "sysv"
	ConvStdcall Convention = "stdcall"
)

// ptrSize is the target pointer width in bytes, fixed at process start.
const ptrSize = unsafe.Sizeof(uintptr(0))

// PointerSize returns the pointer width of the target in bytes.
func PointerSize() int { return int(ptrSize) }

// OS returns the operating system name descriptor.
func OS() string { return runtime.GOOS }

// Arch returns the CPU architecture name descriptor.
func Arch() string { return runtime.GOARCH }

// DefaultConvention returns the calling convention used when a declaration
// does not select one explicitly.
func DefaultConvention() Convention { return ConvCDecl }

// normalizeConvention validates a convention name against the target.
// cdecl/sysv collapse onto the default ABI on x86-64 Linux; stdcall exists
// only on 32-bit x86.
func normalizeConvention(c Convention) (Convention, error) {
	switch c {
	case ConvDefault, ConvCDecl:
		return ConvCDecl, nil
	case ConvSysV:
		if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" || runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
			return ConvCDecl, nil
		}
		return "", errors.New("convention %q not supported on %v/%v", c, runtime.GOOS, runtime.GOARCH)
	case ConvStdcall:
		if runtime.GOARCH == "386" {
			return ConvStdcall, nil
		}
		return "", errors.New("convention %q requires x86", c)
	}
	return "", errors.New("unknown calling convention %q", c)
}
