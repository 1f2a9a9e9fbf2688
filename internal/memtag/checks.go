package memtag

import (
	"fmt"
	"math/bits"

	"github.com/memtag-dev/memtag/internal/ir"
	"github.com/memtag-dev/memtag/internal/scan"
	"github.com/memtag-dev/memtag/internal/target"
)

// Branch weights biasing every check toward the no-fault path.
const (
	faultWeight   = 1
	noFaultWeight = 100000
)

// accessSizeIndex maps a power-of-two byte size to its callback index.
func accessSizeIndex(size uint64) uint8 {
	return uint8(bits.TrailingZeros64(size))
}

// checkableSize reports whether the access can use a fixed-size check.
// Underaligned accesses may straddle a granule boundary, which a single
// shadow byte cannot vouch for, so they fall back to the sized callback.
func (p *Pass) checkableSize(size uint64, align *uint64) bool {
	if size == 0 || size&(size-1) != 0 || size > 1<<(numAccessSizes-1) {
		return false
	}
	return align == nil || *align >= p.mapping.GranuleSize() || *align >= size
}

// instrumentAccess inserts the tag check for one flagged memory operand.
// The pointer is read through the operand slot: stack instrumentation ran
// first and may have redirected the operand to a tagged address, and the
// check must guard that address, not the raw allocation.
func (p *Pass) instrumentAccess(f *ir.Function, a *scan.Access) error {
	b := ir.NewBuilderBefore(f, a.Instr)
	ptrLong := b.PtrToInt(a.Ptr())

	w := 0
	if a.IsWrite {
		w = 1
	}

	// Variable and oddly sized accesses always go through the sized entry
	// point; there is no inline expansion for them.
	if !p.checkableSize(a.SizeBytes, a.Alignment) {
		p.callSized(b, w, ptrLong, a.SizeBytes)
		p.untagPointerOperand(f, a, ptrLong)
		return nil
	}

	idx := accessSizeIndex(a.SizeBytes)
	switch {
	case p.withCalls:
		p.callFixed(b, w, idx, ptrLong)
	case p.outlined:
		p.callOutlined(b, ptrLong, p.accessInfo(a.IsWrite, idx))
	default:
		if err := p.inlineCheck(f, a, ptrLong, p.accessInfo(a.IsWrite, idx)); err != nil {
			return err
		}
	}
	p.untagPointerOperand(f, a, ptrLong)
	return nil
}

func (p *Pass) callFixed(b *ir.Builder, w int, idx uint8, ptrLong ir.Value) {
	if p.matchAllCB {
		b.CallVoid(p.cb.memoryAccess[w][idx], ptrLong, ir.Const8(*p.matchAll))
		return
	}
	b.CallVoid(p.cb.memoryAccess[w][idx], ptrLong)
}

func (p *Pass) callSized(b *ir.Builder, w int, ptrLong ir.Value, size uint64) {
	if p.matchAllCB {
		b.CallVoid(p.cb.memoryAccessSized[w], ptrLong, ir.Const64(size), ir.Const8(*p.matchAll))
		return
	}
	b.CallVoid(p.cb.memoryAccessSized[w], ptrLong, ir.Const64(size))
}

// callOutlined emits the compact fixed-register check sequence the linker
// expands against the runtime's check functions.
func (p *Pass) callOutlined(b *ir.Builder, ptrLong ir.Value, info AccessInfo) {
	fn := p.cb.checkOutlined
	if p.shortGranules {
		fn = p.cb.checkOutlinedSG
	}
	b.CallVoid(fn, p.fx.shadowBase, ptrLong, ir.Const32(uint32(info.Encode())))
}

// inlineCheck expands the full check sequence in line:
//
//	entry:   tag = ptr >> shift;  memtag = *shadow(untag(ptr))
//	         if tag != memtag -> mismatch (cold), else cont
//	mismatch: if memtag >= 16 -> fail
//	short:   if lowbits(ptr)+size-1 >= memtag -> fail
//	short2:  if tag != *(untag(ptr) | 15) -> fail, else cont
//	fail:    trap (or resume at cont when recovering)
//
// The short-granule legs only exist when short granules are enabled.
func (p *Pass) inlineCheck(f *ir.Function, a *scan.Access, ptrLong ir.Value, info AccessInfo) error {
	spec, err := target.TrapFor(p.Plat.Arch)
	if err != nil {
		return err
	}

	blk := f.FindBlock(a.Instr)
	if blk == nil {
		return fmt.Errorf("access not in function")
	}
	base := f.NextTemp()
	cont := ir.SplitBlock(blk, blk.IndexOf(a.Instr), base+".cont")

	b := ir.NewBuilderAppend(blk)
	ptrTag := p.codec.EmitExtractTag(b, ptrLong)
	addrLong := p.codec.EmitUntag(b, ptrLong)
	shadow := p.memToShadow(b, addrLong)
	memTag := b.Load(shadow, 8)
	mismatch := b.ICmp(ir.CmpNE, ptrTag, memTag)
	if p.matchAll != nil {
		notIgnored := b.ICmp(ir.CmpNE, ptrTag, ir.Const8(*p.matchAll))
		mismatch = b.And(mismatch, notIgnored)
	}

	fail := &ir.Block{Label: base + ".fail", Parent: f}
	f.InsertBlockAfter(blk, fail)

	if !p.shortGranules {
		b.Insert(&ir.CondBr{Cond: mismatch, Then: fail, Else: cont,
			ThenWeight: faultWeight, ElseWeight: noFaultWeight})
	} else {
		slow := &ir.Block{Label: base + ".short", Parent: f}
		slow2 := &ir.Block{Label: base + ".short2", Parent: f}
		f.InsertBlockAfter(blk, slow)
		f.InsertBlockAfter(slow, slow2)

		mm := &ir.Block{Label: base + ".mismatch", Parent: f}
		f.InsertBlockAfter(blk, mm)
		b.Insert(&ir.CondBr{Cond: mismatch, Then: mm, Else: cont,
			ThenWeight: faultWeight, ElseWeight: noFaultWeight})

		// A shadow byte of 16 or more is a real tag, so the mismatch is
		// final. Below 16 it is the byte count of a short granule.
		mb := ir.NewBuilderAppend(mm)
		outOfShort := mb.ICmp(ir.CmpUGT, memTag, ir.Const8(15))
		mb.Insert(&ir.CondBr{Cond: outOfShort, Then: fail, Else: slow,
			ThenWeight: faultWeight, ElseWeight: noFaultWeight})

		sb := ir.NewBuilderAppend(slow)
		ptrLowBits := sb.Add(sb.And(sb.Trunc(ptrLong, 8), ir.Const8(15)),
			ir.Const8(uint8(a.SizeBytes-1)))
		oob := sb.ICmp(ir.CmpUGE, ptrLowBits, memTag)
		sb.Insert(&ir.CondBr{Cond: oob, Then: fail, Else: slow2,
			ThenWeight: faultWeight, ElseWeight: noFaultWeight})

		// The real tag of a short granule sits in the granule's last byte.
		s2 := ir.NewBuilderAppend(slow2)
		inlineTag := s2.Load(s2.IntToPtr(s2.Or(addrLong, ir.Const64(15))), 8)
		bad := s2.ICmp(ir.CmpNE, ptrTag, inlineTag)
		s2.Insert(&ir.CondBr{Cond: bad, Then: fail, Else: cont,
			ThenWeight: faultWeight, ElseWeight: noFaultWeight})
	}

	fb := ir.NewBuilderAppend(fail)
	imm := spec.BaseImm + int(info.Encode()&AccessInfoRuntimeMask)
	fb.Insert(&ir.InlineAsm{
		Template:   fmt.Sprintf(spec.Template, imm),
		Constraint: spec.Constraint,
		Args:       []ir.Value{ptrLong},
		SideEffect: true,
	})
	if p.recoverMode {
		fb.Insert(&ir.Br{Target: cont})
	} else {
		fb.Insert(&ir.Unreachable{})
	}
	return nil
}

// untagPointerOperand rewrites the checked instruction to use the untagged
// address on architectures whose loads and stores honor the tag bits.
func (p *Pass) untagPointerOperand(f *ir.Function, a *scan.Access, ptrLong ir.Value) {
	if p.Plat.IgnoresTagBits() {
		return
	}
	b := ir.NewBuilderBefore(f, a.Instr)
	*a.Slot = b.IntToPtr(p.codec.EmitUntag(b, ptrLong))
}

// instrumentMemIntrinsic replaces a bulk memory operation with its
// tag-checking runtime equivalent.
func (p *Pass) instrumentMemIntrinsic(f *ir.Function, in ir.Instr) {
	b := ir.NewBuilderBefore(f, in)
	switch mi := in.(type) {
	case *ir.MemCopy:
		fn := p.cb.memcpy
		if mi.Move {
			fn = p.cb.memmove
		}
		if p.matchAllCB {
			b.CallVoid(fn, mi.To, mi.From, mi.Len, ir.Const8(*p.matchAll))
		} else {
			b.CallVoid(fn, mi.To, mi.From, mi.Len)
		}
	case *ir.MemSet:
		if p.matchAllCB {
			b.CallVoid(p.cb.memset, mi.To, mi.Val, mi.Len, ir.Const8(*p.matchAll))
		} else {
			b.CallVoid(p.cb.memset, mi.To, mi.Val, mi.Len)
		}
	default:
		return
	}
	f.RemoveInstr(in)
}
