package memtag

import (
	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/ir"
	"github.com/memtag-dev/memtag/internal/target"
)

// opaqueNoopCast hides a constant behind an empty inline asm with input
// register equal to output register, so later passes cannot rematerialize
// the value at every use.
func (p *Pass) opaqueNoopCast(b *ir.Builder, v ir.Value) ir.Value {
	i := &ir.InlineAsm{Dst: b.Fn.NextTemp(), Template: "", Constraint: "=r,0", Args: []ir.Value{v}}
	b.Insert(i)
	return i
}

func (p *Pass) shadowIfunc(b *ir.Builder) ir.Value {
	return p.opaqueNoopCast(b, p.cb.shadowGlobal)
}

func (p *Pass) shadowNonTls(b *ir.Builder) ir.Value {
	if p.mapping.Offset != dynamicShadowSentinel {
		return p.opaqueNoopCast(b, ir.Const64(p.mapping.Offset))
	}
	if p.mapping.InGlobal {
		return p.shadowIfunc(b)
	}
	dyn := p.M.ExternGlobal(dynShadowSym, 8)
	return b.Load(dyn, 64)
}

// threadSlotPtr locates the per-thread ring-buffer/shadow slot.
func (p *Pass) threadSlotPtr(b *ir.Builder) ir.Value {
	if p.Plat.IsAndroid() && p.Plat.Arch == target.ArchAArch64 {
		// Android reserves a fixed sanitizer slot near the thread pointer.
		tp := b.ThreadPtr()
		return b.Add(tp, ir.Const64(0x30))
	}
	if p.threadPtr != nil {
		return p.threadPtr
	}
	return p.M.ExternGlobal(tlsSlotSym, 8)
}

func (p *Pass) getSP(b *ir.Builder) ir.Value {
	if p.fx.cachedSP == nil {
		p.fx.cachedSP = b.ReadReg(p.Plat.SPRegister())
	}
	return p.fx.cachedSP
}

func (p *Pass) getPC(b *ir.Builder) ir.Value {
	if p.Plat.Arch == target.ArchAArch64 || p.Plat.Arch == target.ArchAArch64BE {
		return b.ReadReg("pc")
	}
	return b.PtrToInt(p.fx.fn)
}

// frameRecordInfo packs one ring-buffer record:
//
//	PC is 0x0000PPPPPPPPPPPP (48 meaningful bits)
//	SP is 0xsssssssssssSSSS0 (4 low bits zero)
//
// Only ~20 low SP bits carry entropy, so the record is PC | SP<<44.
func (p *Pass) frameRecordInfo(b *ir.Builder) ir.Value {
	pc := p.getPC(b)
	sp := b.Shl(p.getSP(b), ir.Const64(44))
	return b.Or(pc, sp)
}

// emitPrologue establishes the per-function shadow base and, when
// requested, appends this frame's record to the thread-local ring buffer.
func (p *Pass) emitPrologue(b *ir.Builder, withFrameRecord bool) {
	if !p.mapping.InTls {
		p.fx.shadowBase = p.shadowNonTls(b)
	} else if !withFrameRecord && p.Plat.IsAndroid() {
		p.fx.shadowBase = p.shadowIfunc(b)
	}

	if !withFrameRecord && p.fx.shadowBase != nil {
		return
	}

	var slotPtr, threadLong, threadLongMaybeUntagged ir.Value
	loadSlot := func() ir.Value {
		if slotPtr == nil {
			slotPtr = p.threadSlotPtr(b)
		}
		if threadLong == nil {
			threadLong = b.Load(slotPtr, 64)
		}
		// The address field must be extracted from the slot value on
		// architectures whose loads do not ignore tag bits.
		if p.Plat.Arch == target.ArchAArch64 || p.Plat.Arch == target.ArchAArch64BE {
			return threadLong
		}
		return p.codec.EmitUntag(b, threadLong)
	}

	if withFrameRecord {
		switch p.Opts.RecordStackHistory {
		case config.RecordLibcall:
			record := p.frameRecordInfo(b)
			b.CallVoid(p.cb.addFrameRecord, record)
		case config.RecordInstr:
			threadLongMaybeUntagged = loadSlot()

			p.fx.stackBaseTag = b.AShr(threadLong, ir.Const64(3))

			record := p.frameRecordInfo(b)
			recordPtr := b.IntToPtr(threadLongMaybeUntagged)
			b.Store(record, recordPtr, 64)

			// The slot's top byte is the buffer size in pages, a power of
			// two, with the buffer aligned to twice its size; wrap-around
			// is therefore cursor &= ~((slot >> 56) << 12).
			wrapMask := b.Xor(
				b.Shl(b.AShr(threadLong, ir.Const64(56)), ir.Const64(12)),
				ir.Const64(^uint64(0)))
			next := b.And(b.Add(threadLong, ir.Const64(8)), wrapMask)
			b.Store(next, slotPtr, 64)
		}
	}

	if p.fx.shadowBase == nil {
		if threadLongMaybeUntagged == nil {
			threadLongMaybeUntagged = loadSlot()
		}
		// The shadow base is the slot value aligned up; the runtime
		// guarantees the slot is never already aligned.
		aligned := b.Add(
			b.Or(threadLongMaybeUntagged, ir.Const64(1<<shadowBaseAlignment-1)),
			ir.Const64(1))
		p.fx.shadowBase = b.IntToPtr(aligned)
	}
}

// memToShadow translates an untagged address to its shadow byte address.
func (p *Pass) memToShadow(b *ir.Builder, addr ir.Value) ir.Value {
	shadow := b.LShr(addr, ir.Const64(uint64(p.mapping.Scale)))
	if p.mapping.Offset == 0 {
		return b.IntToPtr(shadow)
	}
	return b.Add(p.fx.shadowBase, shadow)
}
