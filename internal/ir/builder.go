package ir

// Builder emits instructions at a movable insertion point inside one
// function. Emitted value-producing instructions are returned as Values
// so call sites read like straight-line codegen.
type Builder struct {
	Fn  *Function
	Blk *Block
	At  int
}

// NewBuilderAtEntry positions a builder at the top of the entry block.
func NewBuilderAtEntry(f *Function) *Builder {
	return &Builder{Fn: f, Blk: f.Entry(), At: 0}
}

// NewBuilderBefore positions a builder immediately before in.
func NewBuilderBefore(f *Function, in Instr) *Builder {
	b := &Builder{Fn: f}
	b.SetBefore(in)
	return b
}

// NewBuilderAppend positions a builder at the end of blk.
func NewBuilderAppend(blk *Block) *Builder {
	return &Builder{Fn: blk.Parent, Blk: blk, At: len(blk.Instrs)}
}

// SetBefore moves the insertion point to just before in.
func (b *Builder) SetBefore(in Instr) {
	blk := b.Fn.FindBlock(in)
	if blk == nil {
		panic("ir: instruction not in function")
	}
	b.Blk = blk
	b.At = blk.IndexOf(in)
}

// SetAfter moves the insertion point to just after in.
func (b *Builder) SetAfter(in Instr) {
	b.SetBefore(in)
	b.At++
}

// Insert places in at the current point and advances past it.
func (b *Builder) Insert(in Instr) Instr {
	b.Blk.Instrs = append(b.Blk.Instrs, nil)
	copy(b.Blk.Instrs[b.At+1:], b.Blk.Instrs[b.At:])
	b.Blk.Instrs[b.At] = in
	b.At++
	return in
}

func (b *Builder) binop(op BinOpKind, x, y Value) Value {
	i := &BinOp{Dst: b.Fn.NextTemp(), Op: op, X: x, Y: y}
	b.Insert(i)
	return i
}

func (b *Builder) Add(x, y Value) Value  { return b.binop(OpAdd, x, y) }
func (b *Builder) Sub(x, y Value) Value  { return b.binop(OpSub, x, y) }
func (b *Builder) And(x, y Value) Value  { return b.binop(OpAnd, x, y) }
func (b *Builder) Or(x, y Value) Value   { return b.binop(OpOr, x, y) }
func (b *Builder) Xor(x, y Value) Value  { return b.binop(OpXor, x, y) }
func (b *Builder) Shl(x, y Value) Value  { return b.binop(OpShl, x, y) }
func (b *Builder) LShr(x, y Value) Value { return b.binop(OpLShr, x, y) }
func (b *Builder) AShr(x, y Value) Value { return b.binop(OpAShr, x, y) }
func (b *Builder) UDiv(x, y Value) Value { return b.binop(OpUDiv, x, y) }

func (b *Builder) ICmp(pred CmpPred, x, y Value) Value {
	i := &ICmp{Dst: b.Fn.NextTemp(), Pred: pred, X: x, Y: y}
	b.Insert(i)
	return i
}

func (b *Builder) cast(kind CastKind, x Value, bits int) Value {
	i := &Cast{Dst: b.Fn.NextTemp(), Kind: kind, X: x, Bits: bits}
	b.Insert(i)
	return i
}

func (b *Builder) Trunc(x Value, bits int) Value { return b.cast(Trunc, x, bits) }
func (b *Builder) ZExt(x Value, bits int) Value  { return b.cast(ZExt, x, bits) }
func (b *Builder) PtrToInt(x Value) Value        { return b.cast(PtrToInt, x, 64) }
func (b *Builder) IntToPtr(x Value) Value        { return b.cast(IntToPtr, x, 64) }

func (b *Builder) Load(addr Value, bits int) Value {
	i := &Load{Dst: b.Fn.NextTemp(), Addr: addr, Bits: bits}
	b.Insert(i)
	return i
}

func (b *Builder) Store(val, addr Value, bits int) {
	b.Insert(&Store{Addr: addr, Val: val, Bits: bits})
}

func (b *Builder) Call(callee Value, args ...Value) Value {
	i := &Call{Dst: b.Fn.NextTemp(), Callee: callee, Args: args}
	b.Insert(i)
	return i
}

// CallVoid is Call for callees whose result is unused.
func (b *Builder) CallVoid(callee Value, args ...Value) {
	b.Insert(&Call{Callee: callee, Args: args})
}

func (b *Builder) MemSet(to, val, n Value) {
	b.Insert(&MemSet{To: to, Val: val, Len: n})
}

func (b *Builder) ReadReg(reg string) Value {
	i := &ReadReg{Dst: b.Fn.NextTemp(), Reg: reg}
	b.Insert(i)
	return i
}

func (b *Builder) ThreadPtr() Value {
	i := &ThreadPtr{Dst: b.Fn.NextTemp()}
	b.Insert(i)
	return i
}

// SplitBlock moves the instructions of blk from position at onward into a
// fresh block placed right after it. The original block is left without a
// terminator; the caller is expected to add one.
func SplitBlock(blk *Block, at int, label string) *Block {
	nb := &Block{Label: label, Parent: blk.Parent}
	nb.Instrs = append(nb.Instrs, blk.Instrs[at:]...)
	blk.Instrs = blk.Instrs[:at:at]
	blk.Parent.InsertBlockAfter(blk, nb)
	return nb
}
