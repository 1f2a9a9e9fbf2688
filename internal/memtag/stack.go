package memtag

import (
	"github.com/memtag-dev/memtag/internal/ir"
	"github.com/memtag-dev/memtag/internal/scan"
)

// fastMasks lists the 8-bit values with at most one run of set bits:
// x = x ^ (mask << shift) encodes as a single masked bit-flip instruction
// for these on architectures that have one. 255 is excluded because it is
// the use-after-return convention. The order minimizes the collision
// probability between temporally adjacent allocations, so earlier entries
// are handed out first.
var fastMasks = [...]uint8{
	0, 128, 64, 192, 32, 96, 224, 112, 240, 48, 16, 120,
	248, 56, 24, 8, 124, 252, 60, 28, 12, 4, 126, 254,
	62, 30, 14, 6, 2, 127, 63, 31, 15, 7, 3, 1,
}

// RetagMask returns the value XORed into the base tag for allocation
// number n. Architectures without a single-instruction masked flip use a
// plain counter masked to the usable tag bits; collisions past the table
// period are accepted.
func (p *Pass) RetagMask(n int) uint8 {
	if !p.Plat.HasFlippableTagBits() {
		return uint8(uint64(n) & p.codec.MaskByte)
	}
	return fastMasks[n%len(fastMasks)]
}

// applyTagMask clears tag bits the architecture cannot use.
func (p *Pass) applyTagMask(b *ir.Builder, tag ir.Value) ir.Value {
	if p.codec.MaskByte == 0xff {
		return tag
	}
	return b.And(tag, ir.Const64(p.codec.MaskByte))
}

func (p *Pass) nextTagWithCall(b *ir.Builder) ir.Value {
	return b.ZExt(b.Call(p.cb.generateTag), 64)
}

// stackBaseTag derives the per-function base tag. The cheap path mixes
// stack-pointer ASLR entropy (bits 20..28) into the low bits, which differ
// between functions; nil means tags come from runtime calls instead.
func (p *Pass) stackBaseTag(b *ir.Builder) ir.Value {
	if p.Opts.GenerateTagsWithCalls {
		return nil
	}
	if p.fx.stackBaseTag != nil {
		return p.fx.stackBaseTag
	}
	sp := p.getSP(b)
	return p.applyTagMask(b, b.Xor(sp, b.LShr(sp, ir.Const64(20))))
}

// allocaTag computes the tag for allocation number n.
func (p *Pass) allocaTag(b *ir.Builder, stackTag ir.Value, n int) ir.Value {
	if p.Opts.GenerateTagsWithCalls {
		return p.nextTagWithCall(b)
	}
	return b.Xor(stackTag, ir.Const64(uint64(p.RetagMask(n))))
}

// uarTag is the use-after-return tag written over dead stack memory.
func (p *Pass) uarTag(b *ir.Builder) ir.Value {
	sp := p.getSP(b)
	return p.applyTagMask(b, b.LShr(sp, ir.Const64(uint64(p.codec.Shift))))
}

// tagAlloca writes tag over the allocation's shadow region. With short
// granules enabled and an unaligned size, the partial granule's shadow
// byte holds the remainder length and the tag itself is mirrored into the
// last byte of the padded object.
func (p *Pass) tagAlloca(b *ir.Builder, ai *ir.Alloca, tag ir.Value, size uint64) {
	alignedSize := p.mapping.AlignUp(size)
	if !p.shortGranules {
		size = alignedSize
	}

	tag8 := b.Trunc(tag, 8)
	if p.withCalls {
		b.CallVoid(p.cb.tagMemory, ai, tag8, ir.Const64(alignedSize))
		return
	}

	shadowSize := size >> p.mapping.Scale
	addr := p.codec.EmitUntag(b, b.PtrToInt(ai))
	shadowPtr := p.memToShadow(b, addr)
	if shadowSize > 0 {
		b.MemSet(shadowPtr, tag8, ir.Const64(shadowSize))
	}
	if size != alignedSize {
		remainder := size % p.mapping.GranuleSize()
		b.Store(ir.Const8(uint8(remainder)), b.Add(shadowPtr, ir.Const64(shadowSize)), 8)
		b.Store(tag8, b.Add(ai, ir.Const64(alignedSize-1)), 8)
	}
}

// instrumentStackAllocas assigns and writes tags for every stack
// allocation, places the untagging according to the lifetime
// classification, redirects uses to the tagged address and annotates debug
// references.
func (p *Pass) instrumentStackAllocas(f *ir.Function, info *scan.StackInfo, an Analyses,
	stackTag, uarTag ir.Value) error {

	for n, rec := range info.Allocas {
		ai := rec.AI
		b := ir.NewBuilderBefore(f, ai)
		b.SetAfter(ai)

		tag := p.allocaTag(b, stackTag, n)
		aiLong := b.PtrToInt(ai)
		noTag := p.codec.EmitUntag(b, aiLong)
		tagged := b.IntToPtr(p.codec.EmitTag(b, noTag, tag))

		size := ai.SizeBytes
		alignedSize := p.mapping.AlignUp(size)

		// Widen lifetime markers to the padded size so tagging and
		// untagging always cover whole granules.
		for _, s := range rec.Starts {
			s.SizeBytes = alignedSize
		}
		for _, e := range rec.Ends {
			e.SizeBytes = alignedSize
		}

		bookkeeping := map[ir.Instr]bool{}
		collectDerivation(bookkeeping, aiLong, noTag, tagged)
		ir.ReplaceUses(f, ai, tagged, func(in ir.Instr) bool {
			if bookkeeping[in] {
				return false
			}
			switch in.(type) {
			case *ir.LifetimeStart, *ir.LifetimeEnd:
				return false
			}
			return true
		})

		// Debuggers recover the untagged address from the retag mask.
		off := p.RetagMask(n)
		for _, d := range rec.DbgRefs {
			v := off
			d.TagOffset = &v
		}

		untagAt := func(node ir.Instr) {
			ub := ir.NewBuilderBefore(f, node)
			// Untag the whole padded region: using the unpadded size here
			// would leave the last granule tagged and write a stray zero
			// into its final byte via the short-granule path.
			p.tagAlloca(ub, ai, uarTag, alignedSize)
		}

		standard := len(info.UnrecognizedLifetimes) == 0 &&
			!info.CallsReturnTwice &&
			p.isStandardLifetime(rec, an)
		if p.useAfterScope && standard {
			start := rec.Starts[0]
			sb := ir.NewBuilderBefore(f, start)
			sb.SetAfter(start)
			p.tagAlloca(sb, ai, tag, size)
			if !p.forAllReachableExits(f, an, start, rec.Ends, info.Rets, untagAt) {
				for _, e := range rec.Ends {
					f.RemoveInstr(e)
				}
			}
		} else {
			p.tagAlloca(b, ai, tag, size)
			for _, ret := range info.Rets {
				untagAt(ret)
			}
			// Tagging sits outside the original live range now, so the
			// markers have to go.
			for _, s := range rec.Starts {
				f.RemoveInstr(s)
			}
			for _, e := range rec.Ends {
				f.RemoveInstr(e)
			}
		}

		// Pad and align the allocation itself to the granule.
		ai.SizeBytes = alignedSize
		if ai.Align < p.mapping.GranuleSize() {
			ai.Align = p.mapping.GranuleSize()
		}
	}

	for _, in := range info.UnrecognizedLifetimes {
		f.RemoveInstr(in)
	}
	return nil
}

// collectDerivation marks the codec's own pointer plumbing so use
// replacement leaves it alone.
func collectDerivation(dst map[ir.Instr]bool, vs ...ir.Value) {
	for _, v := range vs {
		for {
			in, ok := v.(ir.Instr)
			if !ok || dst[in] {
				break
			}
			dst[in] = true
			switch x := in.(type) {
			case *ir.Cast:
				v = x.X
			case *ir.BinOp:
				v = x.X
			default:
			}
			if _, again := v.(ir.Instr); !again {
				break
			}
		}
	}
}

// isStandardLifetime reports whether the allocation has exactly one start
// and a bounded, mutually unreachable set of ends, so a single tag point
// covers every execution.
func (p *Pass) isStandardLifetime(rec *scan.AllocaRecord, an Analyses) bool {
	if len(rec.Starts) != 1 || len(rec.Ends) == 0 {
		return false
	}
	if len(rec.Ends) == 1 {
		return true
	}
	if len(rec.Ends) > p.Opts.MaxLifetimes {
		return false
	}
	return !p.maybeReachableFromEachOther(rec.Ends, an)
}

func (p *Pass) maybeReachableFromEachOther(ends []*ir.LifetimeEnd, an Analyses) bool {
	for i, a := range ends {
		if an.InLoop(a) {
			return true
		}
		for j, b := range ends {
			if i != j && an.Reachable(a, b) {
				return true
			}
		}
	}
	return false
}

// forAllReachableExits calls untagAt on every exit point of the live range
// started at start. It returns false when it had to fall back to untagging
// at returns, in which case the caller discards the end markers.
func (p *Pass) forAllReachableExits(f *ir.Function, an Analyses, start *ir.LifetimeStart,
	ends []*ir.LifetimeEnd, rets []ir.Instr, untagAt func(ir.Instr)) bool {

	if len(ends) == 1 && an.PostDominates(ends[0], start) {
		untagAt(ends[0])
		return true
	}

	endBlocks := make([]*ir.Block, 0, len(ends))
	for _, e := range ends {
		if blk := f.FindBlock(e); blk != nil {
			endBlocks = append(endBlocks, blk)
		}
	}
	inEndBlock := func(in ir.Instr) bool {
		blk := f.FindBlock(in)
		for _, eb := range endBlocks {
			if eb == blk {
				return true
			}
		}
		return false
	}

	var reachable []ir.Instr
	covered := 0
	for _, ri := range rets {
		if !an.Reachable(start, ri) {
			continue
		}
		reachable = append(reachable, ri)
		// A return in an end's own block is covered; otherwise it is
		// covered when no path from the start dodges every end block.
		if inEndBlock(ri) || !an.ReachableAvoiding(start, ri, endBlocks) {
			covered++
		}
	}

	if covered == len(reachable) {
		for _, e := range ends {
			untagAt(e)
		}
		return true
	}
	// Mixed coverage: untag at the returns instead, avoiding double
	// untagging on the covered paths.
	for _, ri := range reachable {
		untagAt(ri)
	}
	return false
}
