package moduleio

import (
	"testing"

	"github.com/memtag-dev/memtag/internal/ir"
)

const sample = `
name: demo
source_file: demo.c
globals:
  - sym: counter
    size: 8
    align: 8
functions:
  - sym: pers
    decl: true
  - sym: f
    sanitize: true
    personality: "@pers"
    params: [p, n]
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: buf, size: 20, align: 8, var: buf}
          - {op: lifetime_start, ptr: "%buf", size: 20}
          - {op: load, dst: v, addr: "%p", bits: 32}
          - {op: add, dst: sum, x: "%v", y: "16"}
          - {op: store, addr: "@counter", val: "%sum", bits: 64}
          - {op: icmp, dst: c, pred: ult, x: "%sum", y: "0x100"}
          - {op: condbr, cond: "%c", then: done, else: more}
      - label: more
        instrs:
          - {op: memcpy, to: "%buf", from: "%p", len: "%n"}
          - {op: br, target: done}
      - label: done
        instrs:
          - {op: lifetime_end, ptr: "%buf", size: 20}
          - {op: ret, val: "%sum"}
`

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(sample))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Name != "demo" || m.SourceFile != "demo.c" {
		t.Errorf("header wrong: %q %q", m.Name, m.SourceFile)
	}

	g := m.GlobalByName("counter")
	if g == nil || g.Size != 8 {
		t.Fatalf("global not linked: %+v", g)
	}

	f := m.FuncByName("f")
	if f == nil || !f.Sanitize || len(f.Params) != 2 {
		t.Fatalf("function header wrong: %+v", f)
	}
	if f.Personality != ir.Value(m.FuncByName("pers")) {
		t.Errorf("personality not resolved to the declaration")
	}
	if len(f.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(f.Blocks))
	}

	entry := f.Blocks[0]
	ai, ok := entry.Instrs[0].(*ir.Alloca)
	if !ok || ai.SizeBytes != 20 || ai.VarName != "buf" {
		t.Fatalf("alloca wrong: %+v", entry.Instrs[0])
	}
	if ls, ok := entry.Instrs[1].(*ir.LifetimeStart); !ok || ls.Ptr != ir.Value(ai) {
		t.Errorf("lifetime start not linked to the alloca")
	}

	ld := entry.Instrs[2].(*ir.Load)
	if ld.Addr != ir.Value(f.Params[0]) || ld.Bits != 32 {
		t.Errorf("load operand wrong: %+v", ld)
	}
	add := entry.Instrs[3].(*ir.BinOp)
	if add.X != ir.Value(ld) {
		t.Errorf("local value reference not resolved")
	}
	if c, ok := add.Y.(*ir.ConstInt); !ok || c.V != 16 {
		t.Errorf("constant operand wrong: %v", add.Y)
	}
	st := entry.Instrs[4].(*ir.Store)
	if st.Addr != ir.Value(g) {
		t.Errorf("store does not target the global")
	}
	cmp := entry.Instrs[5].(*ir.ICmp)
	if cmp.Pred != ir.CmpULT {
		t.Errorf("predicate = %v", cmp.Pred)
	}
	if c, ok := cmp.Y.(*ir.ConstInt); !ok || c.V != 0x100 {
		t.Errorf("hex constant wrong: %v", cmp.Y)
	}

	cb, ok := entry.Terminator().(*ir.CondBr)
	if !ok || cb.Then.Label != "done" || cb.Else.Label != "more" {
		t.Fatalf("terminator wrong: %v", entry.Terminator())
	}

	ret, ok := f.Blocks[2].Terminator().(*ir.Ret)
	if !ok || ret.Val != ir.Value(add) {
		t.Errorf("cross-block value reference not resolved")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown op", `
functions:
  - sym: f
    blocks:
      - label: entry
        instrs:
          - {op: frobnicate}
`},
		{"unknown value", `
functions:
  - sym: f
    blocks:
      - label: entry
        instrs:
          - {op: ret, val: "%missing"}
`},
		{"unknown block", `
functions:
  - sym: f
    blocks:
      - label: entry
        instrs:
          - {op: br, target: nowhere}
`},
		{"unknown symbol", `
functions:
  - sym: f
    blocks:
      - label: entry
        instrs:
          - {op: load, dst: v, addr: "@missing"}
`},
		{"duplicate block", `
functions:
  - sym: f
    blocks:
      - label: entry
        instrs: [{op: ret}]
      - label: entry
        instrs: [{op: ret}]
`},
	}
	for _, tt := range tests {
		if _, err := Decode([]byte(tt.doc)); err == nil {
			t.Errorf("%s: decode succeeded, want error", tt.name)
		}
	}
}
