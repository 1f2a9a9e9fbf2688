// Package moduleio reads modules from their YAML interchange form and
// resolves the symbol and value references into the linked in-memory
// representation the instrumentation operates on.
package moduleio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memtag-dev/memtag/internal/ir"
)

type moduleYAML struct {
	Name       string       `yaml:"name"`
	SourceFile string       `yaml:"source_file"`
	Globals    []globalYAML `yaml:"globals"`
	Functions  []funcYAML   `yaml:"functions"`
}

type globalYAML struct {
	Sym         string `yaml:"sym"`
	Size        uint64 `yaml:"size"`
	Align       uint64 `yaml:"align"`
	Section     string `yaml:"section"`
	Linkage     string `yaml:"linkage"`
	Decl        bool   `yaml:"decl"`
	Constant    bool   `yaml:"constant"`
	ThreadLocal bool   `yaml:"thread_local"`
	NoSanitize  bool   `yaml:"no_sanitize"`
	Bytes       string `yaml:"bytes"` // initializer, literal bytes; empty means zero
}

type funcYAML struct {
	Sym          string      `yaml:"sym"`
	Decl         bool        `yaml:"decl"`
	Sanitize     bool        `yaml:"sanitize"`
	NoUnwind     bool        `yaml:"nounwind"`
	ReturnsTwice bool        `yaml:"returns_twice"`
	Personality  string      `yaml:"personality"`
	Params       []string    `yaml:"params"`
	Blocks       []blockYAML `yaml:"blocks"`
}

type blockYAML struct {
	Label  string      `yaml:"label"`
	Instrs []instrYAML `yaml:"instrs"`
}

// instrYAML is the union of all instruction shapes; Op selects which
// fields are meaningful.
type instrYAML struct {
	Op   string `yaml:"op"`
	Dst  string `yaml:"dst"`
	X    string `yaml:"x"`
	Y    string `yaml:"y"`
	Pred string `yaml:"pred"`
	Bits int    `yaml:"bits"`

	Size  uint64 `yaml:"size"`
	Align uint64 `yaml:"align"`
	Var   string `yaml:"var"`

	Addr string `yaml:"addr"`
	Val  string `yaml:"val"`
	Ptr  string `yaml:"ptr"`

	To   string `yaml:"to"`
	From string `yaml:"from"`
	Len  string `yaml:"len"`

	Callee string   `yaml:"callee"`
	Args   []string `yaml:"args"`
	ByVal  []uint64 `yaml:"byval"`
	Tail   bool     `yaml:"tail"`

	Cond   string `yaml:"cond"`
	Then   string `yaml:"then"`
	Else   string `yaml:"else"`
	Target string `yaml:"target"`

	Reg string `yaml:"reg"`
}

// LoadFile reads and links one module.
func LoadFile(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("moduleio: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("moduleio: %s: %w", path, err)
	}
	return m, nil
}

// Decode links a YAML document into a module.
func Decode(data []byte) (*ir.Module, error) {
	var my moduleYAML
	if err := yaml.Unmarshal(data, &my); err != nil {
		return nil, err
	}

	m := &ir.Module{Name: my.Name, SourceFile: my.SourceFile}
	if m.SourceFile == "" {
		m.SourceFile = m.Name
	}

	for _, gy := range my.Globals {
		g := &ir.Global{
			Sym:         gy.Sym,
			Size:        gy.Size,
			Align:       gy.Align,
			Section:     gy.Section,
			Decl:        gy.Decl,
			Constant:    gy.Constant,
			ThreadLocal: gy.ThreadLocal,
			NoSanitize:  gy.NoSanitize,
		}
		var err error
		if g.Linkage, err = parseLinkage(gy.Linkage); err != nil {
			return nil, fmt.Errorf("global %s: %w", gy.Sym, err)
		}
		if gy.Bytes != "" {
			g.Init = ir.BytesInit{Data: []byte(gy.Bytes)}
			if g.Size == 0 {
				g.Size = uint64(len(gy.Bytes))
			}
		} else if !gy.Decl {
			g.Init = ir.ZeroInit{Size: g.Size}
		}
		m.Globals = append(m.Globals, g)
	}

	// Function headers first so calls and personalities can refer to
	// functions defined later in the file.
	fns := make([]*ir.Function, len(my.Functions))
	for i, fy := range my.Functions {
		f := &ir.Function{
			Sym:          fy.Sym,
			Decl:         fy.Decl,
			Sanitize:     fy.Sanitize,
			NoUnwind:     fy.NoUnwind,
			ReturnsTwice: fy.ReturnsTwice,
		}
		for pi, ps := range fy.Params {
			f.Params = append(f.Params, &ir.Param{Sym: ps, Index: pi})
		}
		fns[i] = f
		m.Funcs = append(m.Funcs, f)
	}

	for i, fy := range my.Functions {
		if err := linkFunction(m, fns[i], fy); err != nil {
			return nil, fmt.Errorf("func %s: %w", fy.Sym, err)
		}
	}
	return m, nil
}

type linker struct {
	m      *ir.Module
	f      *ir.Function
	blocks map[string]*ir.Block
	values map[string]ir.Value
}

func linkFunction(m *ir.Module, f *ir.Function, fy funcYAML) error {
	lk := &linker{m: m, f: f,
		blocks: make(map[string]*ir.Block),
		values: make(map[string]ir.Value)}
	for _, p := range f.Params {
		lk.values[p.Sym] = p
	}

	if fy.Personality != "" {
		v, err := lk.value(fy.Personality)
		if err != nil {
			return fmt.Errorf("personality: %w", err)
		}
		f.Personality = v
	}

	for _, by := range fy.Blocks {
		if lk.blocks[by.Label] != nil {
			return fmt.Errorf("duplicate block %q", by.Label)
		}
		lk.blocks[by.Label] = f.NewBlock(by.Label)
	}
	for _, by := range fy.Blocks {
		blk := lk.blocks[by.Label]
		for _, iy := range by.Instrs {
			in, err := lk.instr(iy)
			if err != nil {
				return fmt.Errorf("block %s: op %s: %w", by.Label, iy.Op, err)
			}
			blk.Instrs = append(blk.Instrs, in)
		}
	}
	return nil
}

// value resolves an operand reference: @sym for module symbols, a leading
// digit for integer constants, anything else for a local value.
func (lk *linker) value(s string) (ir.Value, error) {
	if s == "" {
		return nil, fmt.Errorf("empty operand")
	}
	if strings.HasPrefix(s, "@") {
		sym := s[1:]
		if g := lk.m.GlobalByName(sym); g != nil {
			return g, nil
		}
		if fn := lk.m.FuncByName(sym); fn != nil {
			return fn, nil
		}
		if a := lk.m.AliasByName(sym); a != nil {
			return a, nil
		}
		return nil, fmt.Errorf("unknown symbol %s", s)
	}
	if c := s[0]; c >= '0' && c <= '9' {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad constant %q: %w", s, err)
		}
		return ir.Const64(v), nil
	}
	name := strings.TrimPrefix(s, "%")
	if v, ok := lk.values[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown value %%%s", name)
}

func (lk *linker) block(label string) (*ir.Block, error) {
	if b := lk.blocks[label]; b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("unknown block %q", label)
}

func (lk *linker) define(dst string, v ir.Value) {
	if dst != "" {
		lk.values[dst] = v
	}
}

func (lk *linker) instr(iy instrYAML) (ir.Instr, error) {
	switch iy.Op {
	case "add", "sub", "and", "or", "xor", "shl", "lshr", "ashr", "udiv":
		x, err := lk.value(iy.X)
		if err != nil {
			return nil, err
		}
		y, err := lk.value(iy.Y)
		if err != nil {
			return nil, err
		}
		op, _ := parseBinOp(iy.Op)
		in := &ir.BinOp{Dst: iy.Dst, Op: op, X: x, Y: y}
		lk.define(iy.Dst, in)
		return in, nil
	case "icmp":
		x, err := lk.value(iy.X)
		if err != nil {
			return nil, err
		}
		y, err := lk.value(iy.Y)
		if err != nil {
			return nil, err
		}
		pred, err := parsePred(iy.Pred)
		if err != nil {
			return nil, err
		}
		in := &ir.ICmp{Dst: iy.Dst, Pred: pred, X: x, Y: y}
		lk.define(iy.Dst, in)
		return in, nil
	case "trunc", "zext", "ptrtoint", "inttoptr":
		x, err := lk.value(iy.X)
		if err != nil {
			return nil, err
		}
		kind, _ := parseCast(iy.Op)
		bits := iy.Bits
		if bits == 0 {
			bits = 64
		}
		in := &ir.Cast{Dst: iy.Dst, Kind: kind, X: x, Bits: bits}
		lk.define(iy.Dst, in)
		return in, nil
	case "alloca":
		align := iy.Align
		if align == 0 {
			align = 8
		}
		in := &ir.Alloca{Dst: iy.Dst, SizeBytes: iy.Size, Align: align, VarName: iy.Var}
		lk.define(iy.Dst, in)
		return in, nil
	case "load":
		addr, err := lk.value(iy.Addr)
		if err != nil {
			return nil, err
		}
		in := &ir.Load{Dst: iy.Dst, Addr: addr, Bits: bitsOr64(iy.Bits), Align: iy.Align}
		lk.define(iy.Dst, in)
		return in, nil
	case "store":
		addr, err := lk.value(iy.Addr)
		if err != nil {
			return nil, err
		}
		val, err := lk.value(iy.Val)
		if err != nil {
			return nil, err
		}
		return &ir.Store{Addr: addr, Val: val, Bits: bitsOr64(iy.Bits), Align: iy.Align}, nil
	case "atomicrmw":
		addr, err := lk.value(iy.Addr)
		if err != nil {
			return nil, err
		}
		val, err := lk.value(iy.Val)
		if err != nil {
			return nil, err
		}
		in := &ir.AtomicRMW{Dst: iy.Dst, Addr: addr, Val: val, Bits: bitsOr64(iy.Bits)}
		lk.define(iy.Dst, in)
		return in, nil
	case "call":
		callee, err := lk.value(iy.Callee)
		if err != nil {
			return nil, err
		}
		in := &ir.Call{Dst: iy.Dst, Callee: callee, Tail: iy.Tail, ByVal: iy.ByVal}
		for _, a := range iy.Args {
			v, err := lk.value(a)
			if err != nil {
				return nil, err
			}
			in.Args = append(in.Args, v)
		}
		lk.define(iy.Dst, in)
		return in, nil
	case "memcpy", "memmove":
		to, err := lk.value(iy.To)
		if err != nil {
			return nil, err
		}
		from, err := lk.value(iy.From)
		if err != nil {
			return nil, err
		}
		n, err := lk.value(iy.Len)
		if err != nil {
			return nil, err
		}
		return &ir.MemCopy{To: to, From: from, Len: n, Move: iy.Op == "memmove"}, nil
	case "memset":
		to, err := lk.value(iy.To)
		if err != nil {
			return nil, err
		}
		val, err := lk.value(iy.Val)
		if err != nil {
			return nil, err
		}
		n, err := lk.value(iy.Len)
		if err != nil {
			return nil, err
		}
		return &ir.MemSet{To: to, Val: val, Len: n}, nil
	case "lifetime_start":
		ptr, err := lk.value(iy.Ptr)
		if err != nil {
			return nil, err
		}
		return &ir.LifetimeStart{Ptr: ptr, SizeBytes: iy.Size}, nil
	case "lifetime_end":
		ptr, err := lk.value(iy.Ptr)
		if err != nil {
			return nil, err
		}
		return &ir.LifetimeEnd{Ptr: ptr, SizeBytes: iy.Size}, nil
	case "dbg_declare":
		addr, err := lk.value(iy.Addr)
		if err != nil {
			return nil, err
		}
		return &ir.DbgDeclare{Var: iy.Var, Addr: addr}, nil
	case "landingpad":
		in := &ir.LandingPad{Dst: iy.Dst}
		lk.define(iy.Dst, in)
		return in, nil
	case "readreg":
		in := &ir.ReadReg{Dst: iy.Dst, Reg: iy.Reg}
		lk.define(iy.Dst, in)
		return in, nil
	case "threadptr":
		in := &ir.ThreadPtr{Dst: iy.Dst}
		lk.define(iy.Dst, in)
		return in, nil
	case "ret":
		if iy.Val == "" {
			return &ir.Ret{}, nil
		}
		v, err := lk.value(iy.Val)
		if err != nil {
			return nil, err
		}
		return &ir.Ret{Val: v}, nil
	case "br":
		t, err := lk.block(iy.Target)
		if err != nil {
			return nil, err
		}
		return &ir.Br{Target: t}, nil
	case "condbr":
		cond, err := lk.value(iy.Cond)
		if err != nil {
			return nil, err
		}
		then, err := lk.block(iy.Then)
		if err != nil {
			return nil, err
		}
		els, err := lk.block(iy.Else)
		if err != nil {
			return nil, err
		}
		return &ir.CondBr{Cond: cond, Then: then, Else: els}, nil
	case "unreachable":
		return &ir.Unreachable{}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", iy.Op)
	}
}

func bitsOr64(b int) int {
	if b == 0 {
		return 64
	}
	return b
}

func parseLinkage(s string) (ir.Linkage, error) {
	switch s {
	case "", "external":
		return ir.External, nil
	case "private":
		return ir.Private, nil
	case "internal":
		return ir.Internal, nil
	case "common":
		return ir.Common, nil
	case "linkonce_odr":
		return ir.LinkOnceODR, nil
	default:
		return ir.External, fmt.Errorf("unknown linkage %q", s)
	}
}

func parseBinOp(s string) (ir.BinOpKind, bool) {
	ops := map[string]ir.BinOpKind{
		"add": ir.OpAdd, "sub": ir.OpSub, "and": ir.OpAnd, "or": ir.OpOr,
		"xor": ir.OpXor, "shl": ir.OpShl, "lshr": ir.OpLShr, "ashr": ir.OpAShr,
		"udiv": ir.OpUDiv,
	}
	op, ok := ops[s]
	return op, ok
}

func parseCast(s string) (ir.CastKind, bool) {
	kinds := map[string]ir.CastKind{
		"trunc": ir.Trunc, "zext": ir.ZExt,
		"ptrtoint": ir.PtrToInt, "inttoptr": ir.IntToPtr,
	}
	k, ok := kinds[s]
	return k, ok
}

func parsePred(s string) (ir.CmpPred, error) {
	preds := map[string]ir.CmpPred{
		"eq": ir.CmpEQ, "ne": ir.CmpNE, "ugt": ir.CmpUGT,
		"uge": ir.CmpUGE, "ult": ir.CmpULT, "ule": ir.CmpULE,
	}
	p, ok := preds[s]
	if !ok {
		return ir.CmpEQ, fmt.Errorf("unknown predicate %q", s)
	}
	return p, nil
}
