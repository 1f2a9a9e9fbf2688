// Package memtag implements hardware-assisted memory tagging
// instrumentation over the ir package: every checked memory access
// compares the tag in the pointer's top byte against a tag byte held in
// shadow memory, with stack, global and unwinding support to keep the two
// in sync.
package memtag

import (
	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/target"
)

const (
	// shadowScale fixes the granule size at 1<<4 = 16 bytes.
	shadowScale = 4

	// dynamicShadowSentinel marks a mapping whose offset is only known at
	// run time.
	dynamicShadowSentinel = ^uint64(0)

	// shadowBaseAlignment is the log2 alignment the runtime guarantees for
	// the TLS-resident shadow base.
	shadowBaseAlignment = 32

	// Access sizes are powers of two: 1, 2, 4, 8, 16.
	numAccessSizes = 5
)

// ShadowMapping describes how an address is translated to its shadow byte:
//
//	shadow = (addr >> Scale) + Offset
//
// Exactly one addressing mode is active: a fixed numeric Offset, the
// ifunc-resolved global (InGlobal), or a thread-local slot (InTls).
// WithFrameRecord additionally routes the stack ring buffer through the
// same thread-local slot.
type ShadowMapping struct {
	Scale           uint8
	Offset          uint64
	InGlobal        bool
	InTls           bool
	WithFrameRecord bool
}

// GranuleSize is the number of real bytes covered by one shadow byte.
func (m ShadowMapping) GranuleSize() uint64 { return 1 << m.Scale }

// AlignUp rounds n up to a granule multiple.
func (m ShadowMapping) AlignUp(n uint64) uint64 {
	g := m.GranuleSize()
	return (n + g - 1) &^ (g - 1)
}

// ResolveShadowMapping derives the mapping from platform facts and
// options. The decision is priority ordered and always succeeds.
func ResolveShadowMapping(p target.Platform, o config.Options, withCalls bool) ShadowMapping {
	m := ShadowMapping{Scale: shadowScale}
	switch {
	case p.IsFuchsia():
		// Always-PIE platform: the bottom of the address space is known to
		// be available, so the shadow can live at a fixed zero offset.
		m.Offset = 0
		m.WithFrameRecord = true
	case o.MappingOffset != nil:
		m.Offset = *o.MappingOffset
	case o.Kernel || withCalls:
		m.Offset = 0
	case o.WithIfunc:
		m.InGlobal = true
		m.Offset = dynamicShadowSentinel
	case o.WithTLS:
		m.InTls = true
		m.Offset = dynamicShadowSentinel
		m.WithFrameRecord = true
	default:
		m.Offset = dynamicShadowSentinel
	}
	return m
}
