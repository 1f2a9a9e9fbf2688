package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	o := Default()
	if o.CallbackPrefix != "__memtag_" {
		t.Errorf("prefix = %q", o.CallbackPrefix)
	}
	if !o.InstrumentReads || !o.InstrumentWrites || !o.InstrumentStack {
		t.Errorf("core instrumentation off by default: %+v", o)
	}
	if o.MaxLifetimes != 3 {
		t.Errorf("max lifetimes = %d, want 3", o.MaxLifetimes)
	}
	if o.MatchAllTag != -1 {
		t.Errorf("match-all enabled by default")
	}
	if o.RecordStackHistory != RecordInstr {
		t.Errorf("stack history mode = %q", o.RecordStackHistory)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	bad := Default()
	bad.RecordStackHistory = "sometimes"
	if err := bad.Validate(); err == nil {
		t.Errorf("unknown history mode accepted")
	}

	bad = Default()
	bad.MatchAllTag = 256
	if err := bad.Validate(); err == nil {
		t.Errorf("out-of-range match-all tag accepted")
	}

	bad = Default()
	bad.MaxLifetimes = 0
	if err := bad.Validate(); err == nil {
		t.Errorf("zero lifetime bound accepted")
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	profile := []byte(
		"kernel: true\n" +
			"recover: true\n" +
			"match_all_tag: 255\n" +
			"record_stack_history: libcall\n" +
			"instrument_with_calls: false\n")
	if err := os.WriteFile(path, profile, 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !o.Kernel || !o.Recover {
		t.Errorf("profile overrides not applied: %+v", o)
	}
	if o.MatchAllTag != 255 {
		t.Errorf("match_all_tag = %d", o.MatchAllTag)
	}
	if o.RecordStackHistory != RecordLibcall {
		t.Errorf("record_stack_history = %q", o.RecordStackHistory)
	}
	if o.InstrumentWithCalls == nil || *o.InstrumentWithCalls {
		t.Errorf("tristate false not preserved")
	}
	// Untouched keys keep their defaults.
	if !o.InstrumentReads || o.MaxLifetimes != 3 {
		t.Errorf("defaults lost under profile: %+v", o)
	}
}

func TestLoadRejectsBadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("max_lifetimes: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("invalid profile accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestOr(t *testing.T) {
	tr, fa := true, false
	if !Or(nil, true) || Or(nil, false) {
		t.Errorf("nil must take the default")
	}
	if !Or(&tr, false) || Or(&fa, true) {
		t.Errorf("explicit value must win")
	}
}
