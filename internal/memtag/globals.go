package memtag

import (
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/memtag-dev/memtag/internal/ir"
)

// noteName identifies the ELF note the loader uses to find this module's
// tagged-global descriptors. It is padded to the 8 bytes the note header
// declares.
const noteName = "MEMTAG\x00\x00"

// noteType is the note's type field, fixed by the runtime's parser.
const noteType = 3

// maxDescriptorSize caps the byte range one descriptor covers; larger
// globals are described by a chain of descriptors.
const maxDescriptorSize = 0xfffff0

// createCtorAndNote installs the module constructor that initializes the
// runtime, and on ELF targets the note and section bookkeeping that lets
// the loader locate the global descriptors before any code runs.
func (p *Pass) createCtorAndNote() {
	ctor := &ir.Function{Sym: ctorName, Linkage: ir.Internal, Comdat: ctorName, Sanitize: false}
	entry := ctor.NewBlock("entry")
	b := ir.NewBuilderAppend(entry)
	b.CallVoid(p.M.ExternFunc(initName))
	b.Insert(&ir.Ret{})
	p.M.Funcs = append(p.M.Funcs, ctor)
	p.M.Ctors = append(p.M.Ctors, ir.Ctor{Priority: 0, Fn: ctor, Assoc: ctorName})
	p.ctor = ctor

	// Fuchsia's loader finds the descriptors on its own; everywhere else
	// the note carries self-relative pointers to the section bounds.
	if !p.Plat.IsELF() || p.Plat.IsFuchsia() {
		return
	}

	start := p.M.ExternGlobal(startSym, 0)
	start.Visibility = ir.HiddenVisibility
	stop := p.M.ExternGlobal(stopSym, 0)
	stop.Visibility = ir.HiddenVisibility

	note := &ir.Global{
		Sym:      noteSym,
		Section:  noteSection,
		Comdat:   ctorName,
		Linkage:  ir.Private,
		Constant: true,
		Align:    4,
		Init: ir.StructInit{Fields: []ir.Init{
			ir.IntInit{V: uint64(len(noteName)), Bits: 32},
			ir.IntInit{V: 8, Bits: 32},
			ir.IntInit{V: noteType, Bits: 32},
			ir.BytesInit{Data: []byte(noteName)},
			ir.RelPtrInit{Sym: startSym, Bits: 32},
			ir.RelPtrInit{Sym: stopSym, Bits: 32},
		}},
	}
	note.Size = ir.InitSize(note.Init)
	p.M.Globals = append(p.M.Globals, note)
	p.M.AddCompilerUsed(noteSym)

	// A zero-size member of the section guarantees the linker defines the
	// start and stop symbols even when no global ends up instrumented.
	dummy := &ir.Global{
		Sym:      dummyGlobalSym,
		Section:  globalsSection,
		Comdat:   ctorName,
		Assoc:    noteSym,
		Linkage:  ir.Private,
		Constant: true,
		Init:     ir.ZeroInit{},
	}
	p.M.Globals = append(p.M.Globals, dummy)
	p.M.AddCompilerUsed(dummyGlobalSym)
}

// globalEligible filters out globals that must keep their untagged
// identity or that this pass already produced.
func (p *Pass) globalEligible(g *ir.Global) bool {
	switch {
	case g.Decl, g.NoSanitize, g.ThreadLocal:
		return false
	case g.Section != "":
		// A user-placed section implies layout assumptions tagging would break.
		return false
	case g.Linkage == ir.Common:
		// Common symbols may be merged with a definition elsewhere.
		return false
	case strings.HasSuffix(g.Sym, storageSuffix), strings.HasPrefix(g.Sym, reservedPrefix):
		return false
	case strings.HasPrefix(g.Sym, p.Opts.CallbackPrefix):
		return false
	}
	for _, a := range p.M.Aliases {
		if a.Target == g {
			return false
		}
	}
	return true
}

// InstrumentGlobals rewrites each eligible global into tagged form. Tags
// are sequential from a per-file seed so identical builds tag identically,
// and never collide with the short-granule range below 16.
func (p *Pass) InstrumentGlobals() {
	sum := md5.Sum([]byte(p.M.SourceFile))
	tag := sum[0]

	globals := make([]*ir.Global, 0, len(p.M.Globals))
	for _, g := range p.M.Globals {
		if p.globalEligible(g) {
			globals = append(globals, g)
		}
	}
	for _, g := range globals {
		tag &= uint8(p.codec.MaskByte)
		if tag < 16 {
			tag = 16
		}
		p.instrumentGlobal(g, tag)
		tag++
	}
}

// instrumentGlobal moves g's storage to a padded hidden definition, emits
// the descriptor chain the runtime tags it from, and leaves the original
// name bound to an alias carrying the tag in its high bits.
func (p *Pass) instrumentGlobal(g *ir.Global, tag uint8) {
	size := g.Size
	newSize := p.mapping.AlignUp(size)

	init := g.Init
	if init == nil {
		init = ir.ZeroInit{Size: size}
	}
	if newSize != size {
		// The tag in the final padding byte makes the last granule short.
		pad := make([]byte, newSize-size)
		pad[len(pad)-1] = tag
		init = ir.StructInit{Fields: []ir.Init{init, ir.BytesInit{Data: pad}}}
	}

	storage := &ir.Global{
		Sym:      g.Sym + storageSuffix,
		Size:     newSize,
		Align:    maxU64(g.Align, p.mapping.GranuleSize()),
		Init:     init,
		Linkage:  ir.Private,
		Constant: g.Constant,
		// Merging two storage globals with different tags would corrupt
		// one of them, so identical bodies must stay distinct.
		UnnamedAddr: false,
	}
	p.M.Globals = append(p.M.Globals, storage)

	for pos, n := uint64(0), 0; pos < size || pos == 0; pos, n = pos+maxDescriptorSize, n+1 {
		chunk := size - pos
		if chunk > maxDescriptorSize {
			chunk = maxDescriptorSize
		}
		desc := &ir.Global{
			Sym:      fmt.Sprintf("%s%s.descriptor.%d", g.Sym, storageSuffix, n),
			Section:  globalsSection,
			Assoc:    storage.Sym,
			Linkage:  ir.Private,
			Constant: true,
			Init: ir.StructInit{Fields: []ir.Init{
				ir.RelPtrInit{Sym: storage.Sym, Addend: int64(pos), Bits: 32},
				ir.IntInit{V: chunk | uint64(tag)<<24, Bits: 32},
			}},
		}
		desc.Size = ir.InitSize(desc.Init)
		p.M.Globals = append(p.M.Globals, desc)
		p.M.AddCompilerUsed(desc.Sym)
	}

	alias := &ir.Alias{
		Sym:        g.Sym,
		Target:     storage,
		Addend:     uint64(tag) << p.codec.Shift,
		Linkage:    g.Linkage,
		Visibility: g.Visibility,
	}
	p.M.Aliases = append(p.M.Aliases, alias)

	for _, f := range p.M.Funcs {
		ir.ReplaceUses(f, g, alias, nil)
	}
	p.M.RemoveGlobal(g)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
