// Package config holds the instrumentation options and loads YAML
// profiles. Pointer-typed fields are tristates: nil means "decide from the
// target", mirroring options whose default depends on platform facts.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stack-history recording modes.
const (
	RecordNone    = "none"
	RecordInstr   = "instr"
	RecordLibcall = "libcall"
)

// Options controls every aspect of the instrumentation pass.
type Options struct {
	CallbackPrefix        string `yaml:"callback_prefix"`
	KernelMemIntrinPrefix bool   `yaml:"kernel_mem_intrin_prefix"`

	InstrumentWithCalls *bool `yaml:"instrument_with_calls"`
	InstrumentReads     bool  `yaml:"instrument_reads"`
	InstrumentWrites    bool  `yaml:"instrument_writes"`
	InstrumentAtomics   bool  `yaml:"instrument_atomics"`
	InstrumentByval     bool  `yaml:"instrument_byval"`

	Recover bool `yaml:"recover"`
	Kernel  bool `yaml:"kernel"`

	InstrumentStack       bool `yaml:"instrument_stack"`
	MaxLifetimes          int  `yaml:"max_lifetimes"`
	UseAfterScope         bool `yaml:"use_after_scope"`
	GenerateTagsWithCalls bool `yaml:"generate_tags_with_calls"`

	Globals     *bool `yaml:"globals"`
	MatchAllTag int   `yaml:"match_all_tag"` // -1 disables the bypass tag

	MappingOffset *uint64 `yaml:"mapping_offset"`
	WithIfunc     bool    `yaml:"with_ifunc"`
	WithTLS       bool    `yaml:"with_tls"`

	RecordStackHistory      string `yaml:"record_stack_history"`
	InstrumentMemIntrinsics bool   `yaml:"instrument_mem_intrinsics"`
	InstrumentLandingPads   *bool  `yaml:"instrument_landing_pads"`
	UseShortGranules        *bool  `yaml:"use_short_granules"`
	InstrumentPersonality   *bool  `yaml:"instrument_personality_functions"`
	InlineAllChecks         bool   `yaml:"inline_all_checks"`
	UsePageAliases          bool   `yaml:"use_page_aliases"`
}

// Default returns the options used when no profile overrides them.
func Default() Options {
	return Options{
		CallbackPrefix:          "__memtag_",
		InstrumentReads:         true,
		InstrumentWrites:        true,
		InstrumentAtomics:       true,
		InstrumentByval:         true,
		InstrumentStack:         true,
		MaxLifetimes:            3,
		MatchAllTag:             -1,
		WithTLS:                 true,
		RecordStackHistory:      RecordInstr,
		InstrumentMemIntrinsics: true,
	}
}

// Load reads a YAML profile over the defaults.
func Load(path string) (Options, error) {
	o := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// Validate rejects option combinations the pass cannot honor.
func (o Options) Validate() error {
	switch o.RecordStackHistory {
	case RecordNone, RecordInstr, RecordLibcall:
	default:
		return fmt.Errorf("config: unknown record_stack_history mode %q", o.RecordStackHistory)
	}
	if o.MatchAllTag < -1 || o.MatchAllTag > 0xff {
		return fmt.Errorf("config: match_all_tag %d out of range", o.MatchAllTag)
	}
	if o.MaxLifetimes < 1 {
		return fmt.Errorf("config: max_lifetimes must be positive")
	}
	return nil
}

// Or resolves a tristate against its platform-derived default.
func Or(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
