// Package analysis provides per-function control-flow queries: dominance,
// post-dominance, loop membership and reachability. All queries are pure
// and recomputed per function; nothing is cached across functions.
package analysis

import (
	set "github.com/hashicorp/go-set"

	"github.com/memtag-dev/memtag/internal/ir"
)

// Info answers control-flow queries for one function.
type Info struct {
	fn    *ir.Function
	preds map[*ir.Block][]*ir.Block
	exits []*ir.Block
	// loops maps each natural-loop header to the set of member blocks.
	loops map[*ir.Block]*set.Set[*ir.Block]
}

// New builds the control-flow facts for f.
func New(f *ir.Function) *Info {
	in := &Info{fn: f, preds: make(map[*ir.Block][]*ir.Block)}
	for _, b := range f.Blocks {
		for _, s := range b.Successors() {
			in.preds[s] = append(in.preds[s], b)
		}
		switch b.Terminator().(type) {
		case *ir.Ret, *ir.Unreachable:
			in.exits = append(in.exits, b)
		}
	}
	in.findLoops()
	return in
}

func (in *Info) blockOf(x ir.Instr) (*ir.Block, int) {
	for _, b := range in.fn.Blocks {
		if i := b.IndexOf(x); i >= 0 {
			return b, i
		}
	}
	return nil, -1
}

// reachableBlocks walks forward from the given roots, never entering avoid.
func (in *Info) reachableBlocks(roots []*ir.Block, avoid *ir.Block) *set.Set[*ir.Block] {
	seen := set.New[*ir.Block](len(in.fn.Blocks))
	work := append([]*ir.Block(nil), roots...)
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if b == avoid || !seen.Insert(b) {
			continue
		}
		work = append(work, b.Successors()...)
	}
	return seen
}

// Dominates reports whether a executes before b on every path from entry
// to b. An instruction dominates itself.
func (in *Info) Dominates(a, b ir.Instr) bool {
	if a == b {
		return true
	}
	ab, ai := in.blockOf(a)
	bb, bi := in.blockOf(b)
	if ab == nil || bb == nil {
		return false
	}
	if ab == bb {
		return ai < bi
	}
	// ab dominates bb iff bb is unreachable from entry once ab is removed.
	return !in.reachableBlocks([]*ir.Block{in.fn.Entry()}, ab).Contains(bb)
}

// PostDominates reports whether every path from b to a function exit
// passes through a.
func (in *Info) PostDominates(a, b ir.Instr) bool {
	if a == b {
		return true
	}
	ab, ai := in.blockOf(a)
	bb, bi := in.blockOf(b)
	if ab == nil || bb == nil {
		return false
	}
	if ab == bb {
		return ai > bi
	}
	// Walk forward from b avoiding a's block; reaching an exit means some
	// path dodges a.
	seen := in.reachableBlocks(bb.Successors(), ab)
	if bb != ab {
		seen.Insert(bb)
	}
	for _, e := range in.exits {
		if seen.Contains(e) {
			return false
		}
	}
	return true
}

// Reachable reports whether control can flow from a to b.
func (in *Info) Reachable(a, b ir.Instr) bool {
	return in.ReachableAvoiding(a, b, nil)
}

// ReachableAvoiding is Reachable with a set of blocks control may not pass
// through. Within a single block, instruction order decides; a later
// instruction reaches an earlier one only through a cycle.
func (in *Info) ReachableAvoiding(a, b ir.Instr, avoidBlocks []*ir.Block) bool {
	var avoid *set.Set[*ir.Block]
	if len(avoidBlocks) > 0 {
		avoid = set.From(avoidBlocks)
	}
	ab, ai := in.blockOf(a)
	bb, bi := in.blockOf(b)
	if ab == nil || bb == nil {
		return false
	}
	if avoid != nil && avoid.Contains(bb) && ab != bb {
		return false
	}
	if ab == bb && ai < bi {
		return true
	}
	seen := set.New[*ir.Block](len(in.fn.Blocks))
	work := append([]*ir.Block(nil), ab.Successors()...)
	for len(work) > 0 {
		blk := work[len(work)-1]
		work = work[:len(work)-1]
		if avoid != nil && avoid.Contains(blk) {
			continue
		}
		if !seen.Insert(blk) {
			continue
		}
		if blk == bb {
			return true
		}
		work = append(work, blk.Successors()...)
	}
	return false
}

// findLoops detects natural loops: for every back edge n->h where h
// dominates n, the loop body is h plus everything that reaches n without
// passing h.
func (in *Info) findLoops() {
	in.loops = make(map[*ir.Block]*set.Set[*ir.Block])
	entry := in.fn.Entry()
	if entry == nil {
		return
	}
	for _, n := range in.fn.Blocks {
		for _, h := range n.Successors() {
			if !in.blockDominates(h, n) {
				continue
			}
			body := in.loops[h]
			if body == nil {
				body = set.New[*ir.Block](4)
				in.loops[h] = body
			}
			body.Insert(h)
			// Walk backward from n, stopping at h.
			work := []*ir.Block{n}
			for len(work) > 0 {
				b := work[len(work)-1]
				work = work[:len(work)-1]
				if b == h || !body.Insert(b) {
					continue
				}
				work = append(work, in.preds[b]...)
			}
		}
	}
}

func (in *Info) blockDominates(a, b *ir.Block) bool {
	if a == b {
		return true
	}
	return !in.reachableBlocks([]*ir.Block{in.fn.Entry()}, a).Contains(b)
}

// InLoop reports whether the instruction's block belongs to any natural loop.
func (in *Info) InLoop(x ir.Instr) bool {
	b, _ := in.blockOf(x)
	if b == nil {
		return false
	}
	for _, body := range in.loops {
		if body.Contains(b) {
			return true
		}
	}
	return false
}
