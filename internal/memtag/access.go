package memtag

// AccessInfo is the immutable per-site description of one checked access,
// packed into an integer that rides along in trap immediates and outlined
// check arguments.
type AccessInfo struct {
	CompileKernel   bool
	HasMatchAll     bool
	MatchAll        uint8
	Recover         bool
	IsWrite         bool
	AccessSizeIndex uint8
}

// Bit layout of the packed form. The low 16 bits are what the runtime can
// recover from a trap immediate.
const (
	accessSizeShift    = 0 // 4 bits
	isWriteShift       = 4
	recoverShift       = 5
	matchAllShift      = 16 // 8 bits
	hasMatchAllShift   = 24
	compileKernelShift = 25

	// AccessInfoRuntimeMask selects the bits encodable in a trap immediate.
	AccessInfoRuntimeMask = 0xffff
)

// Encode packs the access description.
func (a AccessInfo) Encode() int64 {
	v := int64(a.AccessSizeIndex) << accessSizeShift
	if a.IsWrite {
		v |= 1 << isWriteShift
	}
	if a.Recover {
		v |= 1 << recoverShift
	}
	v |= int64(a.MatchAll) << matchAllShift
	if a.HasMatchAll {
		v |= 1 << hasMatchAllShift
	}
	if a.CompileKernel {
		v |= 1 << compileKernelShift
	}
	return v
}

// DecodeAccessInfo unpacks an encoded access description.
func DecodeAccessInfo(v int64) AccessInfo {
	return AccessInfo{
		CompileKernel:   v>>compileKernelShift&1 != 0,
		HasMatchAll:     v>>hasMatchAllShift&1 != 0,
		MatchAll:        uint8(v >> matchAllShift),
		Recover:         v>>recoverShift&1 != 0,
		IsWrite:         v>>isWriteShift&1 != 0,
		AccessSizeIndex: uint8(v >> accessSizeShift & 0xf),
	}
}

func (p *Pass) accessInfo(isWrite bool, sizeIndex uint8) AccessInfo {
	ai := AccessInfo{
		CompileKernel:   p.kernel,
		Recover:         p.recoverMode,
		IsWrite:         isWrite,
		AccessSizeIndex: sizeIndex,
	}
	if p.matchAll != nil {
		ai.HasMatchAll = true
		ai.MatchAll = *p.matchAll
	}
	return ai
}
