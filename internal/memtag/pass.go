package memtag

import (
	"fmt"
	"strings"

	"github.com/memtag-dev/memtag/internal/analysis"
	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/ir"
	"github.com/memtag-dev/memtag/internal/scan"
	"github.com/memtag-dev/memtag/internal/target"
)

// Well-known symbols published to the runtime, linker and loader.
const (
	ctorName        = "memtag.module_ctor"
	initName        = "__memtag_init"
	noteSym         = "memtag.note"
	noteSection     = ".note.memtag.globals"
	globalsSection  = "memtag_globals"
	startSym        = "__start_memtag_globals"
	stopSym         = "__stop_memtag_globals"
	dummyGlobalSym  = "memtag.dummy.global"
	shadowSym       = "__memtag_shadow"
	dynShadowSym    = "__memtag_shadow_memory_dynamic_address"
	tlsSlotSym      = "__memtag_tls"
	thunkPrefix     = "__memtag_personality_thunk"
	wrapperSym      = "__memtag_personality_wrapper"
	tagMemorySym    = "__memtag_tag_memory"
	generateTagSym  = "__memtag_generate_tag"
	frameRecordSym  = "__memtag_add_frame_record"
	handleVforkSym  = "__memtag_handle_vfork"
	storageSuffix   = ".memtag"
	reservedPrefix  = "memtag."
)

// Analyses is the set of per-function control-flow queries the stack
// tagging engine needs. They are injected so the engine stays free of any
// particular CFG implementation; analysis.Info is the default.
type Analyses interface {
	Dominates(a, b ir.Instr) bool
	PostDominates(a, b ir.Instr) bool
	Reachable(a, b ir.Instr) bool
	ReachableAvoiding(a, b ir.Instr, avoid []*ir.Block) bool
	InLoop(a ir.Instr) bool
}

// callbacks bundles the runtime entry points the instrumented code calls.
type callbacks struct {
	memoryAccess      [2][numAccessSizes]*ir.Function
	memoryAccessSized [2]*ir.Function
	memmove           *ir.Function
	memcpy            *ir.Function
	memset            *ir.Function
	tagMemory         *ir.Function
	generateTag       *ir.Function
	addFrameRecord    *ir.Function
	handleVfork       *ir.Function
	checkOutlined     *ir.Function
	checkOutlinedSG   *ir.Function
	shadowGlobal      *ir.Global
}

// funcState is scratch state scoped to one function's instrumentation.
// It is created when a function starts and dropped when it finishes;
// nothing here survives into the next function.
type funcState struct {
	fn           *ir.Function
	shadowBase   ir.Value
	stackBaseTag ir.Value
	cachedSP     ir.Value
}

// Pass instruments one module.
type Pass struct {
	M    *ir.Module
	Plat target.Platform
	Opts config.Options

	// StackSafe and Excluded are optional injection points for an external
	// safety analysis and for per-site opt-outs.
	StackSafe func(ir.Instr) bool
	Excluded  func(ir.Instr) bool

	// Analyze builds the CFG queries for one function. Defaults to
	// analysis.New.
	Analyze func(*ir.Function) Analyses

	// Logf, when set, receives one progress line per instrumented function.
	Logf func(format string, args ...any)

	codec   Codec
	mapping ShadowMapping

	kernel      bool
	recoverMode bool

	withCalls       bool
	instrumentStack bool
	useAfterScope   bool
	usePageAliases  bool
	outlined        bool
	shortGranules   bool
	landingPads     bool
	matchAll        *uint8
	matchAllCB      bool
	newRuntime      bool

	cb        callbacks
	ctor      *ir.Function
	threadPtr *ir.Global

	fx *funcState
}

// New prepares a pass over m: resolves the shadow mapping, applies the
// platform gating, declares the runtime interface, and performs the
// module-level rewrites (constructor, note, globals, personality thunks).
func New(m *ir.Module, plat target.Platform, opts config.Options) (*Pass, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	p := &Pass{M: m, Plat: plat, Opts: opts}
	p.Analyze = func(f *ir.Function) Analyses { return analysis.New(f) }

	p.kernel = opts.Kernel
	p.recoverMode = opts.Recover
	p.codec = Codec{Shift: plat.PointerTagShift(), MaskByte: plat.TagMaskByte(), Kernel: p.kernel}

	p.usePageAliases = opts.UsePageAliases && plat.Arch == target.ArchX8664
	p.withCalls = config.Or(opts.InstrumentWithCalls, plat.Arch == target.ArchX8664)
	p.instrumentStack = opts.InstrumentStack && !p.usePageAliases
	p.useAfterScope = opts.UseAfterScope && p.instrumentStack

	p.mapping = ResolveShadowMapping(plat, opts, p.withCalls)

	// Older Android runtimes lack support for short granules, global
	// instrumentation and personality thunks.
	p.newRuntime = !plat.IsAndroid() || !plat.AndroidVersionLT(30)
	p.shortGranules = config.Or(opts.UseShortGranules, p.newRuntime)
	p.landingPads = config.Or(opts.InstrumentLandingPads, !p.newRuntime)

	isTableArch := plat.Arch == target.ArchAArch64 || plat.Arch == target.ArchAArch64BE ||
		plat.Arch == target.ArchRISCV64
	p.outlined = isTableArch && plat.IsELF() && !opts.InlineAllChecks &&
		!p.recoverMode && !p.usePageAliases && !p.withCalls

	if opts.MatchAllTag >= 0 {
		t := uint8(opts.MatchAllTag)
		p.matchAll = &t
	} else if p.kernel {
		t := uint8(0xff)
		p.matchAll = &t
	}
	p.matchAllCB = !p.kernel && p.matchAll != nil

	if !p.kernel {
		p.createCtorAndNote()
		if config.Or(opts.Globals, p.newRuntime) && !p.usePageAliases {
			p.InstrumentGlobals()
		}
		if config.Or(opts.InstrumentPersonality, p.newRuntime) {
			p.instrumentPersonalityFunctions()
		}
	}

	if !plat.IsAndroid() {
		g := m.GlobalByName(tlsSlotSym)
		if g == nil {
			g = &ir.Global{Sym: tlsSlotSym, Size: 8, ThreadLocal: true, Decl: true}
			m.Globals = append(m.Globals, g)
			m.AddCompilerUsed(tlsSlotSym)
		}
		p.threadPtr = g
	}

	p.initializeCallbacks()
	return p, nil
}

func (p *Pass) initializeCallbacks() {
	matchAllStr := ""
	if p.matchAllCB {
		matchAllStr = "_match_all"
	}
	endingStr := ""
	if p.recoverMode {
		endingStr = "_noabort"
	}
	prefix := p.Opts.CallbackPrefix

	for w := 0; w <= 1; w++ {
		typeStr := "load"
		if w == 1 {
			typeStr = "store"
		}
		p.cb.memoryAccessSized[w] = p.M.ExternFunc(prefix + typeStr + "N" + matchAllStr + endingStr)
		for idx := 0; idx < numAccessSizes; idx++ {
			p.cb.memoryAccess[w][idx] = p.M.ExternFunc(
				fmt.Sprintf("%s%s%d%s%s", prefix, typeStr, 1<<idx, matchAllStr, endingStr))
		}
	}

	memIntrinPrefix := prefix
	if p.kernel && !p.Opts.KernelMemIntrinPrefix {
		memIntrinPrefix = ""
	}
	p.cb.memmove = p.M.ExternFunc(memIntrinPrefix + "memmove" + matchAllStr)
	p.cb.memcpy = p.M.ExternFunc(memIntrinPrefix + "memcpy" + matchAllStr)
	p.cb.memset = p.M.ExternFunc(memIntrinPrefix + "memset" + matchAllStr)

	p.cb.tagMemory = p.M.ExternFunc(tagMemorySym)
	p.cb.generateTag = p.M.ExternFunc(generateTagSym)
	p.cb.addFrameRecord = p.M.ExternFunc(frameRecordSym)
	p.cb.handleVfork = p.M.ExternFunc(handleVforkSym)
	p.cb.checkOutlined = p.M.ExternFunc(prefix + "check_memaccess")
	p.cb.checkOutlinedSG = p.M.ExternFunc(prefix + "check_memaccess_shortgranules")
	p.cb.shadowGlobal = p.M.ExternGlobal(shadowSym, 0)
}

// Run instruments every function in the module in order.
func (p *Pass) Run() error {
	for _, f := range p.M.Funcs {
		if err := p.InstrumentFunction(f); err != nil {
			return fmt.Errorf("memtag: %s: %w", f.Sym, err)
		}
	}
	return nil
}

// InstrumentFunction applies the per-function transform: scans for work,
// emits the prologue, tags stack allocations and rewrites flagged accesses
// and memory intrinsics.
func (p *Pass) InstrumentFunction(f *ir.Function) error {
	if f == p.ctor || f.Decl || !f.Sanitize {
		return nil
	}

	info, accesses := scan.Scan(f, scan.Config{
		Reads:     p.Opts.InstrumentReads,
		Writes:    p.Opts.InstrumentWrites,
		Atomics:   p.Opts.InstrumentAtomics,
		Byval:     p.Opts.InstrumentByval,
		Stack:     p.instrumentStack,
		StackSafe: p.StackSafe,
		Excluded:  p.Excluded,
	})

	if p.landingPads && len(info.LandingPads) > 0 {
		p.instrumentLandingPads(f, info.LandingPads)
	}

	if len(info.Allocas) == 0 && f.Personality != nil {
		// The personality thunk is a no-op for functions without an
		// instrumented stack, so it can be dropped.
		if fn, ok := f.Personality.(*ir.Function); ok && strings.HasPrefix(fn.Sym, thunkPrefix) {
			f.Personality = nil
		}
	}

	if len(info.Allocas) == 0 && len(accesses) == 0 && len(info.MemIntrinsics) == 0 {
		return nil
	}
	if p.Logf != nil {
		p.Logf("%s: %d accesses, %d stack allocations, %d mem intrinsics",
			f.Sym, len(accesses), len(info.Allocas), len(info.MemIntrinsics))
	}

	p.fx = &funcState{fn: f}
	defer func() { p.fx = nil }()

	entry := ir.NewBuilderAtEntry(f)
	withFrameRecord := p.Opts.RecordStackHistory != config.RecordNone &&
		p.mapping.WithFrameRecord && len(info.Allocas) > 0
	p.emitPrologue(entry, withFrameRecord)

	if len(info.Allocas) > 0 {
		an := p.Analyze(f)
		stackTag := p.stackBaseTag(entry)
		uarTag := p.uarTag(entry)
		if err := p.instrumentStackAllocas(f, info, an, stackTag, uarTag); err != nil {
			return err
		}
	}

	for i := range accesses {
		if err := p.instrumentAccess(f, &accesses[i]); err != nil {
			return err
		}
	}

	if p.Opts.InstrumentMemIntrinsics {
		for _, mi := range info.MemIntrinsics {
			p.instrumentMemIntrinsic(f, mi)
		}
	}

	// Check insertion splits blocks; keep fixed-size allocas in the entry
	// block so they are not mistaken for dynamic allocations.
	moveStaticAllocasToEntry(f)
	return nil
}

func (p *Pass) instrumentLandingPads(f *ir.Function, pads []ir.Instr) {
	for _, lp := range pads {
		b := ir.NewBuilderBefore(f, lp)
		b.SetAfter(lp)
		sp := b.ReadReg(p.Plat.SPRegister())
		b.CallVoid(p.cb.handleVfork, sp)
	}
}

func moveStaticAllocasToEntry(f *ir.Function) {
	entry := f.Entry()
	if entry == nil {
		return
	}
	var moved []ir.Instr
	for _, b := range f.Blocks[1:] {
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			if _, ok := in.(*ir.Alloca); ok {
				moved = append(moved, in)
				continue
			}
			kept = append(kept, in)
		}
		b.Instrs = kept
	}
	if len(moved) > 0 {
		entry.Instrs = append(moved, entry.Instrs...)
	}
}
