// Package target describes the platforms the instrumentation can emit code
// for: architecture tag geometry, operating-system conventions and the
// per-architecture trap encodings used by inline checks.
package target

import (
	"fmt"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// Arch identifies a target instruction set.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX8664
	ArchAArch64
	ArchAArch64BE
	ArchRISCV64
	ArchARM
)

func (a Arch) String() string {
	switch a {
	case ArchX8664:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	case ArchAArch64BE:
		return "aarch64_be"
	case ArchRISCV64:
		return "riscv64"
	case ArchARM:
		return "arm"
	default:
		return "unknown"
	}
}

// OS identifies the target operating system family.
type OS int

const (
	OSUnknown OS = iota
	OSLinux
	OSAndroid
	OSFuchsia
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSAndroid:
		return "android"
	case OSFuchsia:
		return "fuchsia"
	default:
		return "unknown"
	}
}

// Format identifies the object-file container.
type Format int

const (
	FormatELF Format = iota
	FormatMachO
	FormatCOFF
)

// Platform is the set of facts about a compilation target that the
// instrumentation consults. OSVersion carries the platform API level
// (for Android, the SDK level as the major component); nil means unknown.
type Platform struct {
	Arch      Arch
	OS        OS
	Format    Format
	OSVersion *semver.Version
}

// Parse accepts compact triples of the form "arch-os" with an optional
// trailing OS version, e.g. "aarch64-android30" or "x86_64-linux".
func Parse(triple string) (Platform, error) {
	parts := strings.SplitN(triple, "-", 2)
	if len(parts) != 2 {
		return Platform{}, fmt.Errorf("target: malformed triple %q", triple)
	}

	var p Platform
	switch parts[0] {
	case "x86_64":
		p.Arch = ArchX8664
	case "aarch64", "arm64":
		p.Arch = ArchAArch64
	case "aarch64_be":
		p.Arch = ArchAArch64BE
	case "riscv64":
		p.Arch = ArchRISCV64
	case "arm":
		p.Arch = ArchARM
	default:
		return Platform{}, fmt.Errorf("target: unknown architecture %q", parts[0])
	}

	osName := parts[1]
	ver := strings.TrimLeftFunc(osName, func(r rune) bool { return r < '0' || r > '9' })
	osName = osName[:len(osName)-len(ver)]
	switch osName {
	case "linux":
		p.OS = OSLinux
	case "android":
		p.OS = OSAndroid
	case "fuchsia":
		p.OS = OSFuchsia
	default:
		return Platform{}, fmt.Errorf("target: unknown OS %q", osName)
	}
	p.Format = FormatELF

	if ver != "" {
		v, err := semver.NewVersion(ver)
		if err != nil {
			return Platform{}, fmt.Errorf("target: bad OS version %q: %w", ver, err)
		}
		p.OSVersion = v
	}
	return p, nil
}

func (p Platform) IsAndroid() bool { return p.OS == OSAndroid }
func (p Platform) IsFuchsia() bool { return p.OS == OSFuchsia }
func (p Platform) IsELF() bool     { return p.Format == FormatELF }

// AndroidVersionLT reports whether the Android API level is below the given
// one. An unknown version is treated as older than everything, matching the
// conservative runtime-feature gating this drives.
func (p Platform) AndroidVersionLT(api uint64) bool {
	if p.OSVersion == nil {
		return true
	}
	min := semver.New(api, 0, 0, "", "")
	return p.OSVersion.LessThan(min)
}

// PointerTagShift is the bit position of the pointer tag field. x86_64
// linear address masking leaves bits 57..62 usable; the other supported
// architectures ignore the whole top byte.
func (p Platform) PointerTagShift() uint {
	if p.Arch == ArchX8664 {
		return 57
	}
	return 56
}

// TagMaskByte is the set of usable tag bits within the tag byte.
func (p Platform) TagMaskByte() uint64 {
	if p.Arch == ArchX8664 {
		return 0x3f
	}
	return 0xff
}

// IgnoresTagBits reports whether ordinary loads and stores on this
// architecture disregard the pointer tag field, so instrumented accesses
// can keep using tagged pointers directly.
func (p Platform) IgnoresTagBits() bool {
	switch p.Arch {
	case ArchAArch64, ArchAArch64BE, ArchX8664, ArchRISCV64:
		return true
	default:
		return false
	}
}

// HasFlippableTagBits reports whether the architecture can flip a
// single-bit-run tag mask in one instruction, which selects the table-based
// retag mask scheme for stack allocations.
func (p Platform) HasFlippableTagBits() bool {
	return p.Arch != ArchX8664
}

// SPRegister names the stack-pointer register used for vfork handling.
func (p Platform) SPRegister() string {
	if p.Arch == ArchX8664 {
		return "rsp"
	}
	return "sp"
}

// TrapSpec describes how an inline check reports a tag mismatch: an
// assembly template with a %d slot for the encoded access information, and
// the register constraint that pins the faulting address.
type TrapSpec struct {
	Template   string
	Constraint string
	BaseImm    int
}

// TrapFor returns the trap encoding for an architecture. Architectures
// without an entry cannot use inline checks; reaching this is fatal to the
// compilation rather than recoverable.
func TrapFor(a Arch) (TrapSpec, error) {
	switch a {
	case ArchX8664:
		// The signal handler finds the faulting address in rdi.
		return TrapSpec{Template: "int3\nnopl %d(%%rax)", Constraint: "{rdi}", BaseImm: 0x40}, nil
	case ArchAArch64, ArchAArch64BE:
		// The signal handler finds the faulting address in x0.
		return TrapSpec{Template: "brk #%d", Constraint: "{x0}", BaseImm: 0x900}, nil
	case ArchRISCV64:
		// The signal handler finds the faulting address in x10.
		return TrapSpec{Template: "ebreak\naddiw x0, x11, %d", Constraint: "{x10}", BaseImm: 0x40}, nil
	default:
		return TrapSpec{}, fmt.Errorf("target: no trap encoding for architecture %s", a)
	}
}
