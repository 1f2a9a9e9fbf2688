// Package scan walks a function's instruction stream once and produces
// the raw material the instrumentation core consumes: flagged memory
// operands, stack-allocation records with their lifetime markers and debug
// references, memory intrinsics, landing pads and return sites. The core
// itself never iterates instructions looking for candidates.
package scan

import (
	"github.com/memtag-dev/memtag/internal/ir"
)

// Access is one memory operand selected for checking. Slot points into the
// instruction's operand so the pointer is always read live: stack
// instrumentation redirects operands to tagged addresses after the scan,
// and the check must guard whatever the instruction addresses then.
type Access struct {
	Instr     ir.Instr
	Slot      *ir.Value
	IsWrite   bool
	SizeBytes uint64
	Alignment *uint64
}

// Ptr returns the operand's current value.
func (a *Access) Ptr() ir.Value { return *a.Slot }

// AllocaRecord collects everything known about one stack allocation.
// Records live for the duration of one function's instrumentation and are
// then discarded.
type AllocaRecord struct {
	AI      *ir.Alloca
	Starts  []*ir.LifetimeStart
	Ends    []*ir.LifetimeEnd
	DbgRefs []*ir.DbgDeclare
}

// StackInfo is the per-function result of the walk.
type StackInfo struct {
	Allocas               []*AllocaRecord
	UnrecognizedLifetimes []ir.Instr
	CallsReturnTwice      bool
	Rets                  []ir.Instr
	LandingPads           []ir.Instr
	MemIntrinsics         []ir.Instr
}

// Config selects which operand kinds the walk flags. StackSafe and
// Excluded are optional predicates; accesses they accept are skipped
// silently.
type Config struct {
	Reads     bool
	Writes    bool
	Atomics   bool
	Byval     bool
	Stack     bool
	StackSafe func(ir.Instr) bool
	Excluded  func(ir.Instr) bool
}

// Scan visits every instruction of f once.
func Scan(f *ir.Function, cfg Config) (*StackInfo, []Access) {
	s := &scanner{cfg: cfg, byAlloca: make(map[*ir.Alloca]*AllocaRecord)}
	info := &StackInfo{}
	var accesses []Access
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			s.visit(in, info, &accesses)
		}
	}
	return info, accesses
}

type scanner struct {
	cfg      Config
	byAlloca map[*ir.Alloca]*AllocaRecord
}

func (s *scanner) visit(in ir.Instr, info *StackInfo, accesses *[]Access) {
	switch i := in.(type) {
	case *ir.Alloca:
		if s.cfg.Stack && i.SizeBytes > 0 {
			rec := &AllocaRecord{AI: i}
			s.byAlloca[i] = rec
			info.Allocas = append(info.Allocas, rec)
		}
	case *ir.LifetimeStart:
		if rec, known := s.record(i.Ptr); rec != nil {
			rec.Starts = append(rec.Starts, i)
		} else if !known {
			info.UnrecognizedLifetimes = append(info.UnrecognizedLifetimes, in)
		}
	case *ir.LifetimeEnd:
		if rec, known := s.record(i.Ptr); rec != nil {
			rec.Ends = append(rec.Ends, i)
		} else if !known {
			info.UnrecognizedLifetimes = append(info.UnrecognizedLifetimes, in)
		}
	case *ir.DbgDeclare:
		if rec, _ := s.record(i.Addr); rec != nil {
			rec.DbgRefs = append(rec.DbgRefs, i)
		}
	case *ir.Ret:
		info.Rets = append(info.Rets, in)
	case *ir.LandingPad:
		info.LandingPads = append(info.LandingPads, in)
	case *ir.Load:
		if s.cfg.Reads && !s.ignore(in, i.Addr) {
			align := i.Align
			var alignp *uint64
			if align != 0 {
				alignp = &align
			}
			*accesses = append(*accesses, Access{
				Instr: in, Slot: &i.Addr, SizeBytes: uint64(i.Bits / 8), Alignment: alignp,
			})
		}
	case *ir.Store:
		if s.cfg.Writes && !s.ignore(in, i.Addr) {
			align := i.Align
			var alignp *uint64
			if align != 0 {
				alignp = &align
			}
			*accesses = append(*accesses, Access{
				Instr: in, Slot: &i.Addr, IsWrite: true, SizeBytes: uint64(i.Bits / 8), Alignment: alignp,
			})
		}
	case *ir.AtomicRMW:
		if s.cfg.Atomics && !s.ignore(in, i.Addr) {
			*accesses = append(*accesses, Access{
				Instr: in, Slot: &i.Addr, IsWrite: true, SizeBytes: uint64(i.Bits / 8),
			})
		}
	case *ir.CmpXchg:
		if s.cfg.Atomics && !s.ignore(in, i.Addr) {
			*accesses = append(*accesses, Access{
				Instr: in, Slot: &i.Addr, IsWrite: true, SizeBytes: uint64(i.Bits / 8),
			})
		}
	case *ir.Call:
		if fn, ok := i.Callee.(*ir.Function); ok && fn.ReturnsTwice {
			info.CallsReturnTwice = true
		}
		if s.cfg.Byval {
			for argNo, sz := range i.ByVal {
				if sz == 0 || s.ignore(in, i.Args[argNo]) {
					continue
				}
				one := uint64(1)
				*accesses = append(*accesses, Access{
					Instr: in, Slot: &i.Args[argNo], SizeBytes: sz, Alignment: &one,
				})
			}
		}
	case *ir.MemCopy:
		ignored := (!s.cfg.Writes || s.ignore(in, i.To)) &&
			(!s.cfg.Reads || s.ignore(in, i.From))
		if !ignored {
			info.MemIntrinsics = append(info.MemIntrinsics, in)
		}
	case *ir.MemSet:
		if s.cfg.Writes && !s.ignore(in, i.To) {
			info.MemIntrinsics = append(info.MemIntrinsics, in)
		}
	}
}

// record resolves a lifetime or debug pointer back to its alloca record.
// known reports whether the pointer traced to an alloca at all; markers of
// allocations the walk skipped are dropped silently, only pointers that
// resolve to no allocation count as unrecognized.
func (s *scanner) record(ptr ir.Value) (rec *AllocaRecord, known bool) {
	ai := FindAlloca(ptr)
	if ai == nil {
		return nil, false
	}
	return s.byAlloca[ai], true
}

func (s *scanner) ignore(in ir.Instr, ptr ir.Value) bool {
	if s.cfg.Excluded != nil && s.cfg.Excluded(in) {
		return true
	}
	if FindAlloca(ptr) != nil {
		if !s.cfg.Stack {
			return true
		}
		if s.cfg.StackSafe != nil && s.cfg.StackSafe(in) {
			return true
		}
	}
	return false
}

// FindAlloca traces a pointer value through casts and address arithmetic
// to the stack allocation it is derived from, if any.
func FindAlloca(v ir.Value) *ir.Alloca {
	for depth := 0; depth < 32; depth++ {
		switch x := v.(type) {
		case *ir.Alloca:
			return x
		case *ir.Cast:
			v = x.X
		case *ir.BinOp:
			// Address arithmetic keeps the base on the left by convention.
			switch x.Op {
			case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpAnd, ir.OpXor:
				v = x.X
			default:
				return nil
			}
		default:
			return nil
		}
	}
	return nil
}
