package memtag

import (
	"testing"

	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/ir"
	"github.com/memtag-dev/memtag/internal/scan"
)

func newTestPass(t *testing.T, m *ir.Module, triple string, mutate func(*config.Options)) *Pass {
	t.Helper()
	opts := config.Default()
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(m, mustPlat(t, triple), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRetagMaskTable(t *testing.T) {
	m := &ir.Module{Name: "m", SourceFile: "m.c"}
	p := newTestPass(t, m, "aarch64-linux", nil)

	seen := make(map[uint8]bool)
	for n := 0; n < len(fastMasks); n++ {
		mask := p.RetagMask(n)
		if seen[mask] {
			t.Errorf("RetagMask(%d) = %d repeats within one period", n, mask)
		}
		seen[mask] = true
		if mask == 0xff {
			t.Errorf("RetagMask(%d) produced the use-after-return tag", n)
		}
	}
	if p.RetagMask(0) != 0 || p.RetagMask(1) != 128 {
		t.Errorf("table head wrong: got %d, %d", p.RetagMask(0), p.RetagMask(1))
	}
	// Past one period the table repeats rather than overflowing.
	if got := p.RetagMask(len(fastMasks)); got != p.RetagMask(0) {
		t.Errorf("RetagMask(%d) = %d, want %d", len(fastMasks), got, p.RetagMask(0))
	}
}

func TestRetagMaskCounterOnX86(t *testing.T) {
	m := &ir.Module{Name: "m", SourceFile: "m.c"}
	p := newTestPass(t, m, "x86_64-linux", nil)

	for _, n := range []int{0, 1, 0x3f, 0x40, 0x7f} {
		if got, want := p.RetagMask(n), uint8(n&0x3f); got != want {
			t.Errorf("RetagMask(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestStandardLifetimeClassification(t *testing.T) {
	// One start and ends that cannot reach each other is standard; ends in
	// a loop or exceeding the bound are not.
	m := &ir.Module{Name: "m", SourceFile: "m.c"}
	p := newTestPass(t, m, "aarch64-linux", nil)

	f := &ir.Function{Sym: "f", Sanitize: true}
	entry := f.NewBlock("entry")
	b1 := f.NewBlock("b1")
	b2 := f.NewBlock("b2")
	ai := &ir.Alloca{Dst: "x", SizeBytes: 16, Align: 16}
	start := &ir.LifetimeStart{Ptr: ai, SizeBytes: 16}
	end1 := &ir.LifetimeEnd{Ptr: ai, SizeBytes: 16}
	end2 := &ir.LifetimeEnd{Ptr: ai, SizeBytes: 16}
	cond := &ir.Param{Sym: "c"}
	f.Params = []*ir.Param{cond}
	entry.Instrs = []ir.Instr{ai, start, &ir.CondBr{Cond: cond, Then: b1, Else: b2}}
	b1.Instrs = []ir.Instr{end1, &ir.Ret{}}
	b2.Instrs = []ir.Instr{end2, &ir.Ret{}}

	an := p.Analyze(f)
	rec := &scan.AllocaRecord{AI: ai,
		Starts: []*ir.LifetimeStart{start},
		Ends:   []*ir.LifetimeEnd{end1, end2}}
	if !p.isStandardLifetime(rec, an) {
		t.Errorf("disjoint ends should be standard")
	}

	rec.Ends = []*ir.LifetimeEnd{end1, end2, end1, end2}
	if p.isStandardLifetime(rec, an) {
		t.Errorf("more ends than the bound should not be standard")
	}

	rec.Starts = nil
	rec.Ends = []*ir.LifetimeEnd{end1}
	if p.isStandardLifetime(rec, an) {
		t.Errorf("missing start should not be standard")
	}
}

func TestStandardLifetimeRejectsLoopedEnd(t *testing.T) {
	m := &ir.Module{Name: "m", SourceFile: "m.c"}
	p := newTestPass(t, m, "aarch64-linux", nil)

	f := &ir.Function{Sym: "f", Sanitize: true}
	entry := f.NewBlock("entry")
	loop := f.NewBlock("loop")
	exit := f.NewBlock("exit")
	ai := &ir.Alloca{Dst: "x", SizeBytes: 16, Align: 16}
	start := &ir.LifetimeStart{Ptr: ai, SizeBytes: 16}
	end1 := &ir.LifetimeEnd{Ptr: ai, SizeBytes: 16}
	end2 := &ir.LifetimeEnd{Ptr: ai, SizeBytes: 16}
	cond := &ir.Param{Sym: "c"}
	f.Params = []*ir.Param{cond}
	entry.Instrs = []ir.Instr{ai, start, &ir.Br{Target: loop}}
	loop.Instrs = []ir.Instr{end1, &ir.CondBr{Cond: cond, Then: loop, Else: exit}}
	exit.Instrs = []ir.Instr{end2, &ir.Ret{}}

	an := p.Analyze(f)
	rec := &scan.AllocaRecord{AI: ai,
		Starts: []*ir.LifetimeStart{start},
		Ends:   []*ir.LifetimeEnd{end1, end2}}
	if p.isStandardLifetime(rec, an) {
		t.Errorf("an end inside a loop should not be standard")
	}
}
