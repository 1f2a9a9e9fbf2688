package memtag

import (
	"github.com/memtag-dev/memtag/internal/ir"
)

// Codec embeds, extracts and clears pointer tags for one tag geometry.
// User-mode pointers carry zero in the unused high bits; kernel pointers
// carry all ones, so the two modes tag and untag with opposite operations.
type Codec struct {
	Shift    uint
	MaskByte uint64
	Kernel   bool
}

// Tag returns addr with t (reduced to the usable tag bits) in the tag field.
func (c Codec) Tag(addr uint64, t uint8) uint64 {
	tag := uint64(t) & c.MaskByte
	if c.Kernel {
		return addr & (tag<<c.Shift | (1<<c.Shift - 1))
	}
	return addr | tag<<c.Shift
}

// Untag returns addr with the tag field restored to its canonical value:
// all ones for kernel pointers, zero for user pointers.
func (c Codec) Untag(addr uint64) uint64 {
	if c.Kernel {
		return addr | c.MaskByte<<c.Shift
	}
	return addr &^ (c.MaskByte << c.Shift)
}

// ExtractTag recovers the usable tag bits from an address.
func (c Codec) ExtractTag(addr uint64) uint8 {
	return uint8((addr >> c.Shift) & c.MaskByte)
}

// EmitTag emits IR computing Tag(ptrLong, tag).
func (c Codec) EmitTag(b *ir.Builder, ptrLong, tag ir.Value) ir.Value {
	shifted := b.Shl(tag, ir.Const64(uint64(c.Shift)))
	if c.Kernel {
		mask := b.Or(shifted, ir.Const64(1<<c.Shift-1))
		return b.And(ptrLong, mask)
	}
	return b.Or(ptrLong, shifted)
}

// EmitUntag emits IR computing Untag(ptrLong).
func (c Codec) EmitUntag(b *ir.Builder, ptrLong ir.Value) ir.Value {
	if c.Kernel {
		return b.Or(ptrLong, ir.Const64(c.MaskByte<<c.Shift))
	}
	return b.And(ptrLong, ir.Const64(^(c.MaskByte << c.Shift)))
}

// EmitExtractTag emits IR recovering the tag byte of ptrLong.
func (c Codec) EmitExtractTag(b *ir.Builder, ptrLong ir.Value) ir.Value {
	return b.Trunc(b.LShr(ptrLong, ir.Const64(uint64(c.Shift))), 8)
}
