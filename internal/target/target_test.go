package target

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		triple  string
		arch    Arch
		os      OS
		api     uint64
		hasVer  bool
		wantErr bool
	}{
		{triple: "aarch64-linux", arch: ArchAArch64, os: OSLinux},
		{triple: "arm64-linux", arch: ArchAArch64, os: OSLinux},
		{triple: "x86_64-linux", arch: ArchX8664, os: OSLinux},
		{triple: "riscv64-linux", arch: ArchRISCV64, os: OSLinux},
		{triple: "aarch64-android30", arch: ArchAArch64, os: OSAndroid, api: 30, hasVer: true},
		{triple: "aarch64-fuchsia", arch: ArchAArch64, os: OSFuchsia},
		{triple: "mips-linux", wantErr: true},
		{triple: "aarch64-windows", wantErr: true},
		{triple: "aarch64", wantErr: true},
	}
	for _, tt := range tests {
		p, err := Parse(tt.triple)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.triple)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.triple, err)
			continue
		}
		if p.Arch != tt.arch || p.OS != tt.os {
			t.Errorf("Parse(%q) = %v/%v", tt.triple, p.Arch, p.OS)
		}
		if tt.hasVer && (p.OSVersion == nil || p.OSVersion.Major() != tt.api) {
			t.Errorf("Parse(%q) version = %v, want %d", tt.triple, p.OSVersion, tt.api)
		}
	}
}

func TestTagGeometry(t *testing.T) {
	x86 := Platform{Arch: ArchX8664}
	arm64 := Platform{Arch: ArchAArch64}

	if x86.PointerTagShift() != 57 || x86.TagMaskByte() != 0x3f {
		t.Errorf("x86_64 geometry wrong: shift %d mask %#x",
			x86.PointerTagShift(), x86.TagMaskByte())
	}
	if arm64.PointerTagShift() != 56 || arm64.TagMaskByte() != 0xff {
		t.Errorf("aarch64 geometry wrong: shift %d mask %#x",
			arm64.PointerTagShift(), arm64.TagMaskByte())
	}
	if !arm64.HasFlippableTagBits() || x86.HasFlippableTagBits() {
		t.Errorf("flippable-tag-bit classification wrong")
	}
	arm := Platform{Arch: ArchARM}
	if !arm64.IgnoresTagBits() || arm.IgnoresTagBits() {
		t.Errorf("tag-ignoring classification wrong")
	}
}

func TestAndroidVersionLT(t *testing.T) {
	p, err := Parse("aarch64-android29")
	if err != nil {
		t.Fatal(err)
	}
	if !p.AndroidVersionLT(30) || p.AndroidVersionLT(29) {
		t.Errorf("version comparison wrong for API 29")
	}
	unknown := Platform{Arch: ArchAArch64, OS: OSAndroid}
	if !unknown.AndroidVersionLT(30) {
		t.Errorf("unknown version must compare as old")
	}
}

func TestTrapFor(t *testing.T) {
	tests := []struct {
		arch     Arch
		fragment string
		reg      string
		baseImm  int
	}{
		{ArchX8664, "int3", "{rdi}", 0x40},
		{ArchAArch64, "brk", "{x0}", 0x900},
		{ArchRISCV64, "ebreak", "{x10}", 0x40},
	}
	for _, tt := range tests {
		spec, err := TrapFor(tt.arch)
		if err != nil {
			t.Errorf("TrapFor(%v): %v", tt.arch, err)
			continue
		}
		if !strings.Contains(spec.Template, tt.fragment) {
			t.Errorf("%v trap %q missing %q", tt.arch, spec.Template, tt.fragment)
		}
		if spec.Constraint != tt.reg || spec.BaseImm != tt.baseImm {
			t.Errorf("%v trap spec wrong: %+v", tt.arch, spec)
		}
	}
	if _, err := TrapFor(ArchARM); err == nil {
		t.Errorf("arm must have no inline trap encoding")
	}
}
