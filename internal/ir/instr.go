package ir

import (
	"fmt"
	"strings"
)

// Instr is implemented by all instructions.
type Instr interface{ isInstr() }

// BinOpKind enumerates integer binary operations.
type BinOpKind int

const (
	OpAdd BinOpKind = iota
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr
	OpUDiv
)

func (k BinOpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpShl:
		return "shl"
	case OpLShr:
		return "lshr"
	case OpAShr:
		return "ashr"
	case OpUDiv:
		return "udiv"
	default:
		return "binop?"
	}
}

// CmpPred enumerates integer compare predicates.
type CmpPred int

const (
	CmpEQ CmpPred = iota
	CmpNE
	CmpUGT
	CmpUGE
	CmpULT
	CmpULE
)

func (p CmpPred) String() string {
	switch p {
	case CmpEQ:
		return "eq"
	case CmpNE:
		return "ne"
	case CmpUGT:
		return "ugt"
	case CmpUGE:
		return "uge"
	case CmpULT:
		return "ult"
	case CmpULE:
		return "ule"
	default:
		return "cmp?"
	}
}

// CastKind enumerates width and representation changes.
type CastKind int

const (
	Trunc CastKind = iota
	ZExt
	PtrToInt
	IntToPtr
)

func (k CastKind) String() string {
	switch k {
	case Trunc:
		return "trunc"
	case ZExt:
		return "zext"
	case PtrToInt:
		return "ptrtoint"
	case IntToPtr:
		return "inttoptr"
	default:
		return "cast?"
	}
}

// BinOp computes Dst = X op Y.
type BinOp struct {
	Dst  string
	Op   BinOpKind
	X, Y Value
}

// ICmp computes a 0/1 value from an integer comparison.
type ICmp struct {
	Dst  string
	Pred CmpPred
	X, Y Value
}

// Cast converts X to Bits width (or between pointer and integer form).
type Cast struct {
	Dst  string
	Kind CastKind
	X    Value
	Bits int
}

// Alloca reserves SizeBytes of stack storage and yields its address.
type Alloca struct {
	Dst       string
	SizeBytes uint64
	Align     uint64
	VarName   string // source-level name, for diagnostics
}

// Load reads Bits from Addr.
type Load struct {
	Dst    string
	Addr   Value
	Bits   int
	Align  uint64
	Atomic bool
}

// Store writes Bits of Val to Addr.
type Store struct {
	Addr  Value
	Val   Value
	Bits  int
	Align uint64
}

// AtomicRMW atomically exchanges/updates Bits at Addr, yielding the old value.
type AtomicRMW struct {
	Dst  string
	Addr Value
	Val  Value
	Bits int
}

// CmpXchg is an atomic compare-and-swap of Bits at Addr.
type CmpXchg struct {
	Dst      string
	Addr     Value
	Expected Value
	New      Value
	Bits     int
}

// Call invokes Callee. ByVal[i] is nonzero when argument i is passed as an
// implicit by-value memory copy of that many bytes.
type Call struct {
	Dst    string
	Callee Value
	Args   []Value
	ByVal  []uint64
	Tail   bool
}

// MemCopy is a memcpy (Move=false) or memmove (Move=true) of Len bytes.
type MemCopy struct {
	To   Value
	From Value
	Len  Value
	Move bool
}

// MemSet fills Len bytes at To with the low byte of Val.
type MemSet struct {
	To  Value
	Val Value
	Len Value
}

// LifetimeStart marks the start of an allocation's live range.
type LifetimeStart struct {
	Ptr       Value
	SizeBytes uint64
}

// LifetimeEnd marks the end of an allocation's live range.
type LifetimeEnd struct {
	Ptr       Value
	SizeBytes uint64
}

// DbgDeclare binds a source variable to a stack address for debuggers.
// TagOffset, when set, tells consumers to strip that tag from the address.
type DbgDeclare struct {
	Var       string
	Addr      Value
	TagOffset *uint8
}

// LandingPad receives control during exception unwinding.
type LandingPad struct{ Dst string }

// ReadReg reads a named machine register.
type ReadReg struct {
	Dst string
	Reg string
}

// ThreadPtr yields the architectural thread pointer.
type ThreadPtr struct{ Dst string }

// InlineAsm is a raw assembly escape. Constraint binds Args to registers.
type InlineAsm struct {
	Dst        string
	Template   string
	Constraint string
	Args       []Value
	SideEffect bool
}

// Ret returns, with an optional value.
type Ret struct{ Val Value }

// Br branches unconditionally.
type Br struct{ Target *Block }

// CondBr branches on a 0/1 condition. Weights bias static branch
// prediction; zero values mean unweighted.
type CondBr struct {
	Cond       Value
	Then, Else *Block
	ThenWeight uint32
	ElseWeight uint32
}

// Unreachable terminates a block that can never be reached or continued.
type Unreachable struct{}

func (*BinOp) isInstr()         {}
func (*ICmp) isInstr()          {}
func (*Cast) isInstr()          {}
func (*Alloca) isInstr()        {}
func (*Load) isInstr()          {}
func (*Store) isInstr()         {}
func (*AtomicRMW) isInstr()     {}
func (*CmpXchg) isInstr()       {}
func (*Call) isInstr()          {}
func (*MemCopy) isInstr()       {}
func (*MemSet) isInstr()        {}
func (*LifetimeStart) isInstr() {}
func (*LifetimeEnd) isInstr()   {}
func (*DbgDeclare) isInstr()    {}
func (*LandingPad) isInstr()    {}
func (*ReadReg) isInstr()       {}
func (*ThreadPtr) isInstr()     {}
func (*InlineAsm) isInstr()     {}
func (*Ret) isInstr()           {}
func (*Br) isInstr()            {}
func (*CondBr) isInstr()        {}
func (*Unreachable) isInstr()   {}

func (i *BinOp) isValue()      {}
func (i *ICmp) isValue()       {}
func (i *Cast) isValue()       {}
func (i *Alloca) isValue()     {}
func (i *Load) isValue()       {}
func (i *AtomicRMW) isValue()  {}
func (i *CmpXchg) isValue()    {}
func (i *Call) isValue()       {}
func (i *LandingPad) isValue() {}
func (i *ReadReg) isValue()    {}
func (i *ThreadPtr) isValue()  {}
func (i *InlineAsm) isValue()  {}

func (i *BinOp) name() string      { return i.Dst }
func (i *ICmp) name() string       { return i.Dst }
func (i *Cast) name() string       { return i.Dst }
func (i *Alloca) name() string     { return i.Dst }
func (i *Load) name() string       { return i.Dst }
func (i *AtomicRMW) name() string  { return i.Dst }
func (i *CmpXchg) name() string    { return i.Dst }
func (i *Call) name() string       { return i.Dst }
func (i *LandingPad) name() string { return i.Dst }
func (i *ReadReg) name() string    { return i.Dst }
func (i *ThreadPtr) name() string  { return i.Dst }
func (i *InlineAsm) name() string  { return i.Dst }

// Operands returns pointers to every value slot of an instruction, so a
// caller can rewrite uses in place.
func Operands(in Instr) []*Value {
	switch i := in.(type) {
	case *BinOp:
		return []*Value{&i.X, &i.Y}
	case *ICmp:
		return []*Value{&i.X, &i.Y}
	case *Cast:
		return []*Value{&i.X}
	case *Load:
		return []*Value{&i.Addr}
	case *Store:
		return []*Value{&i.Addr, &i.Val}
	case *AtomicRMW:
		return []*Value{&i.Addr, &i.Val}
	case *CmpXchg:
		return []*Value{&i.Addr, &i.Expected, &i.New}
	case *Call:
		out := []*Value{&i.Callee}
		for k := range i.Args {
			out = append(out, &i.Args[k])
		}
		return out
	case *MemCopy:
		return []*Value{&i.To, &i.From, &i.Len}
	case *MemSet:
		return []*Value{&i.To, &i.Val, &i.Len}
	case *LifetimeStart:
		return []*Value{&i.Ptr}
	case *LifetimeEnd:
		return []*Value{&i.Ptr}
	case *DbgDeclare:
		return []*Value{&i.Addr}
	case *InlineAsm:
		out := make([]*Value, 0, len(i.Args))
		for k := range i.Args {
			out = append(out, &i.Args[k])
		}
		return out
	case *Ret:
		if i.Val != nil {
			return []*Value{&i.Val}
		}
		return nil
	case *CondBr:
		return []*Value{&i.Cond}
	default:
		return nil
	}
}

// ReplaceUses redirects every use of old to new within f, except in
// instructions rejected by keep (keep==nil replaces everywhere).
func ReplaceUses(f *Function, old, new Value, keep func(Instr) bool) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			if keep != nil && !keep(in) {
				continue
			}
			for _, slot := range Operands(in) {
				if *slot == old {
					*slot = new
				}
			}
		}
	}
}

// InstrString renders one instruction for diagnostics and golden tests.
func InstrString(in Instr) string {
	v := func(x Value) string { return ValueString(x) }
	switch i := in.(type) {
	case *BinOp:
		return fmt.Sprintf("%%%s = %s %s, %s", i.Dst, i.Op, v(i.X), v(i.Y))
	case *ICmp:
		return fmt.Sprintf("%%%s = icmp.%s %s, %s", i.Dst, i.Pred, v(i.X), v(i.Y))
	case *Cast:
		return fmt.Sprintf("%%%s = %s %s to i%d", i.Dst, i.Kind, v(i.X), i.Bits)
	case *Alloca:
		return fmt.Sprintf("%%%s = alloca %d, align %d", i.Dst, i.SizeBytes, i.Align)
	case *Load:
		return fmt.Sprintf("%%%s = load i%d, %s", i.Dst, i.Bits, v(i.Addr))
	case *Store:
		return fmt.Sprintf("store i%d %s, %s", i.Bits, v(i.Val), v(i.Addr))
	case *AtomicRMW:
		return fmt.Sprintf("%%%s = atomicrmw i%d %s, %s", i.Dst, i.Bits, v(i.Addr), v(i.Val))
	case *CmpXchg:
		return fmt.Sprintf("%%%s = cmpxchg i%d %s, %s, %s", i.Dst, i.Bits, v(i.Addr), v(i.Expected), v(i.New))
	case *Call:
		var sb strings.Builder
		if i.Dst != "" {
			fmt.Fprintf(&sb, "%%%s = ", i.Dst)
		}
		if i.Tail {
			sb.WriteString("tail ")
		}
		fmt.Fprintf(&sb, "call %s(", v(i.Callee))
		for k, a := range i.Args {
			if k > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(v(a))
		}
		sb.WriteString(")")
		return sb.String()
	case *MemCopy:
		op := "memcpy"
		if i.Move {
			op = "memmove"
		}
		return fmt.Sprintf("%s %s, %s, %s", op, v(i.To), v(i.From), v(i.Len))
	case *MemSet:
		return fmt.Sprintf("memset %s, %s, %s", v(i.To), v(i.Val), v(i.Len))
	case *LifetimeStart:
		return fmt.Sprintf("lifetime.start %s, %d", v(i.Ptr), i.SizeBytes)
	case *LifetimeEnd:
		return fmt.Sprintf("lifetime.end %s, %d", v(i.Ptr), i.SizeBytes)
	case *DbgDeclare:
		if i.TagOffset != nil {
			return fmt.Sprintf("dbg.declare %s, %s, tag_offset %d", i.Var, v(i.Addr), *i.TagOffset)
		}
		return fmt.Sprintf("dbg.declare %s, %s", i.Var, v(i.Addr))
	case *LandingPad:
		return fmt.Sprintf("%%%s = landingpad", i.Dst)
	case *ReadReg:
		return fmt.Sprintf("%%%s = readreg %s", i.Dst, i.Reg)
	case *ThreadPtr:
		return fmt.Sprintf("%%%s = threadptr", i.Dst)
	case *InlineAsm:
		var sb strings.Builder
		if i.Dst != "" {
			fmt.Fprintf(&sb, "%%%s = ", i.Dst)
		}
		fmt.Fprintf(&sb, "asm %q, %q", i.Template, i.Constraint)
		for _, a := range i.Args {
			sb.WriteString(", ")
			sb.WriteString(v(a))
		}
		return sb.String()
	case *Ret:
		if i.Val == nil {
			return "ret"
		}
		return fmt.Sprintf("ret %s", v(i.Val))
	case *Br:
		return fmt.Sprintf("br %s", i.Target.Label)
	case *CondBr:
		if i.ThenWeight != 0 || i.ElseWeight != 0 {
			return fmt.Sprintf("brcond %s, %s, %s !weights(%d,%d)",
				v(i.Cond), i.Then.Label, i.Else.Label, i.ThenWeight, i.ElseWeight)
		}
		return fmt.Sprintf("brcond %s, %s, %s", v(i.Cond), i.Then.Label, i.Else.Label)
	case *Unreachable:
		return "unreachable"
	default:
		return "<instr>"
	}
}
