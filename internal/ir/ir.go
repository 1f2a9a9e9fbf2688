// Package ir defines an SSA-lite intermediate representation for whole
// modules: globals, aliases, functions, basic blocks and instructions.
// It is deliberately close to the target machine (explicit address
// arithmetic, sized loads and stores, inline-asm escapes) so that
// instrumentation passes can rewrite memory operations directly.
package ir

import (
	"fmt"
	"strings"
)

// Value is anything an instruction can reference as an operand: constants,
// parameters, globals, aliases, functions and value-producing instructions.
type Value interface{ isValue() }

// ConstInt is an integer constant with an explicit bit width.
type ConstInt struct {
	V    uint64
	Bits int
}

func Const64(v uint64) *ConstInt    { return &ConstInt{V: v, Bits: 64} }
func Const32(v uint32) *ConstInt    { return &ConstInt{V: uint64(v), Bits: 32} }
func Const8(v uint8) *ConstInt      { return &ConstInt{V: uint64(v), Bits: 8} }

// Param is a function parameter.
type Param struct {
	Sym   string
	Index int
}

// Linkage classifies symbol linkage for globals, aliases and functions.
type Linkage int

const (
	External Linkage = iota
	Private
	Internal
	Common
	LinkOnceODR
)

func (l Linkage) String() string {
	switch l {
	case Private:
		return "private"
	case Internal:
		return "internal"
	case Common:
		return "common"
	case LinkOnceODR:
		return "linkonce_odr"
	default:
		return "external"
	}
}

// Visibility is the ELF-style symbol visibility.
type Visibility int

const (
	DefaultVisibility Visibility = iota
	HiddenVisibility
)

// Global is a module-level variable. Size is the allocated byte size of the
// storage; Init describes the initializer when the global is a definition.
type Global struct {
	Sym         string
	Size        uint64
	Align       uint64
	Init        Init
	Section     string
	Comdat      string
	Assoc       string // symbol this global is associated with for GC purposes
	Linkage     Linkage
	Visibility  Visibility
	Decl        bool
	Constant    bool
	ThreadLocal bool
	NoSanitize  bool
	UnnamedAddr bool
}

// Alias is a symbol whose address is Target's address plus a constant.
// Instrumentation uses the addend to fold a pointer tag into the symbol
// value itself.
type Alias struct {
	Sym        string
	Target     *Global
	Addend     uint64
	Linkage    Linkage
	Visibility Visibility
}

// Init is a structured global initializer.
type Init interface{ isInit() }

// ZeroInit is Size zero bytes.
type ZeroInit struct{ Size uint64 }

// BytesInit is a literal byte run.
type BytesInit struct{ Data []byte }

// IntInit is a little-endian integer field of Bits width.
type IntInit struct {
	V    uint64
	Bits int
}

// RelPtrInit is a truncated self-relative reference: the address of Sym,
// minus the address of the field, plus Addend.
type RelPtrInit struct {
	Sym    string
	Addend int64
	Bits   int
}

// StructInit concatenates member initializers without extra padding.
type StructInit struct{ Fields []Init }

func (ZeroInit) isInit()   {}
func (BytesInit) isInit()  {}
func (IntInit) isInit()    {}
func (RelPtrInit) isInit() {}
func (StructInit) isInit() {}

// InitSize returns the byte size an initializer occupies.
func InitSize(in Init) uint64 {
	switch v := in.(type) {
	case ZeroInit:
		return v.Size
	case BytesInit:
		return uint64(len(v.Data))
	case IntInit:
		return uint64(v.Bits / 8)
	case RelPtrInit:
		return uint64(v.Bits / 8)
	case StructInit:
		var n uint64
		for _, f := range v.Fields {
			n += InitSize(f)
		}
		return n
	default:
		return 0
	}
}

// Function is a sequence of basic blocks, or a bare declaration.
type Function struct {
	Sym            string
	Params         []*Param
	Blocks         []*Block
	Personality    Value // nil when the function has none
	Linkage        Linkage
	Visibility     Visibility
	Comdat         string
	Decl           bool
	NoUnwind       bool
	ReturnsTwice   bool
	Sanitize       bool // opted in to memory-tagging instrumentation
	tmp            int
}

// Block is a label plus a linear run of instructions ending in a terminator.
type Block struct {
	Label  string
	Instrs []Instr
	Parent *Function
}

// Ctor is one entry in the module constructor list.
type Ctor struct {
	Priority int
	Fn       *Function
	Assoc    string
}

// Module is one translation unit.
type Module struct {
	Name         string
	SourceFile   string
	Globals      []*Global
	Aliases      []*Alias
	Funcs        []*Function
	Ctors        []Ctor
	CompilerUsed []string
}

func (*ConstInt) isValue() {}
func (*Param) isValue()    {}
func (*Global) isValue()   {}
func (*Alias) isValue()    {}
func (*Function) isValue() {}

// Lookup helpers. Modules are small enough that linear scans keep the
// representation free of side tables that could go stale under rewriting.

func (m *Module) GlobalByName(sym string) *Global {
	for _, g := range m.Globals {
		if g.Sym == sym {
			return g
		}
	}
	return nil
}

func (m *Module) FuncByName(sym string) *Function {
	for _, f := range m.Funcs {
		if f.Sym == sym {
			return f
		}
	}
	return nil
}

func (m *Module) AliasByName(sym string) *Alias {
	for _, a := range m.Aliases {
		if a.Sym == sym {
			return a
		}
	}
	return nil
}

// ExternFunc returns the named function, declaring it if missing.
func (m *Module) ExternFunc(sym string) *Function {
	if f := m.FuncByName(sym); f != nil {
		return f
	}
	f := &Function{Sym: sym, Decl: true}
	m.Funcs = append(m.Funcs, f)
	return f
}

// ExternGlobal returns the named global, declaring it if missing.
func (m *Module) ExternGlobal(sym string, size uint64) *Global {
	if g := m.GlobalByName(sym); g != nil {
		return g
	}
	g := &Global{Sym: sym, Size: size, Decl: true}
	m.Globals = append(m.Globals, g)
	return g
}

// AddCompilerUsed marks a symbol as retained against dead stripping.
func (m *Module) AddCompilerUsed(sym string) {
	for _, s := range m.CompilerUsed {
		if s == sym {
			return
		}
	}
	m.CompilerUsed = append(m.CompilerUsed, sym)
}

// RemoveGlobal unlinks a global definition from the module.
func (m *Module) RemoveGlobal(g *Global) {
	for i, x := range m.Globals {
		if x == g {
			m.Globals = append(m.Globals[:i], m.Globals[i+1:]...)
			return
		}
	}
}

// Entry returns the function's entry block.
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NewBlock appends an empty block with the given label.
func (f *Function) NewBlock(label string) *Block {
	b := &Block{Label: label, Parent: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// InsertBlockAfter places nb immediately after pos in block order.
func (f *Function) InsertBlockAfter(pos, nb *Block) {
	nb.Parent = f
	for i, b := range f.Blocks {
		if b == pos {
			f.Blocks = append(f.Blocks[:i+1], append([]*Block{nb}, f.Blocks[i+1:]...)...)
			return
		}
	}
	f.Blocks = append(f.Blocks, nb)
}

// NextTemp issues a fresh local value name.
func (f *Function) NextTemp() string {
	t := fmt.Sprintf("t%d", f.tmp)
	f.tmp++
	return t
}

// Terminator returns the block's final instruction, or nil for an open block.
func (b *Block) Terminator() Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	switch last.(type) {
	case *Ret, *Br, *CondBr, *Unreachable:
		return last
	}
	return nil
}

// Successors lists the control-flow successors of a block.
func (b *Block) Successors() []*Block {
	switch t := b.Terminator().(type) {
	case *Br:
		return []*Block{t.Target}
	case *CondBr:
		return []*Block{t.Then, t.Else}
	default:
		return nil
	}
}

// IndexOf returns the position of in within the block, or -1.
func (b *Block) IndexOf(in Instr) int {
	for i, x := range b.Instrs {
		if x == in {
			return i
		}
	}
	return -1
}

// FindBlock returns the block containing the instruction.
func (f *Function) FindBlock(in Instr) *Block {
	for _, b := range f.Blocks {
		if b.IndexOf(in) >= 0 {
			return b
		}
	}
	return nil
}

// RemoveInstr deletes one instruction from the function.
func (f *Function) RemoveInstr(in Instr) {
	for _, b := range f.Blocks {
		if i := b.IndexOf(in); i >= 0 {
			b.Instrs = append(b.Instrs[:i], b.Instrs[i+1:]...)
			return
		}
	}
}

func (m *Module) String() string {
	if m == nil {
		return "<nil-module>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s\n", m.Name)
	for _, g := range m.Globals {
		sb.WriteString(g.defString())
		sb.WriteByte('\n')
	}
	for _, a := range m.Aliases {
		fmt.Fprintf(&sb, "@%s = alias @%s + %d\n", a.Sym, a.Target.Sym, a.Addend)
	}
	for _, f := range m.Funcs {
		sb.WriteString(f.String())
	}
	return sb.String()
}

func (g *Global) defString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "@%s = %s global [%d bytes]", g.Sym, g.Linkage, g.Size)
	if g.Section != "" {
		fmt.Fprintf(&sb, " section %q", g.Section)
	}
	if g.ThreadLocal {
		sb.WriteString(" thread_local")
	}
	if g.Decl {
		sb.WriteString(" declare")
	}
	return sb.String()
}

func (f *Function) String() string {
	var sb strings.Builder
	if f.Decl {
		fmt.Fprintf(&sb, "declare @%s\n", f.Sym)
		return sb.String()
	}
	fmt.Fprintf(&sb, "func @%s(", f.Sym)
	for i, p := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("%" + p.Sym)
	}
	sb.WriteString(")")
	if f.Personality != nil {
		fmt.Fprintf(&sb, " personality %s", ValueString(f.Personality))
	}
	sb.WriteString(" {\n")
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "%s:\n", b.Label)
		for _, in := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(InstrString(in))
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// ValueString renders a value in operand position.
func ValueString(v Value) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case *ConstInt:
		if x.V > 0xffff {
			return fmt.Sprintf("0x%x", x.V)
		}
		return fmt.Sprintf("%d", x.V)
	case *Param:
		return "%" + x.Sym
	case *Global:
		return "@" + x.Sym
	case *Alias:
		return "@" + x.Sym
	case *Function:
		return "@" + x.Sym
	default:
		if n, ok := v.(named); ok {
			return "%" + n.name()
		}
		return "<value>"
	}
}

type named interface{ name() string }
