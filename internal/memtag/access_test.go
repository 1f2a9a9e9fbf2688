package memtag

import "testing"

func TestAccessInfoEncoding(t *testing.T) {
	tests := []struct {
		name string
		in   AccessInfo
		want int64
	}{
		{"read1", AccessInfo{}, 0},
		{"read8", AccessInfo{AccessSizeIndex: 3}, 3},
		{"write8", AccessInfo{IsWrite: true, AccessSizeIndex: 3}, 0x13},
		{"recover", AccessInfo{Recover: true}, 0x20},
		{"matchall", AccessInfo{HasMatchAll: true, MatchAll: 0xfe}, 1<<24 | 0xfe<<16},
		{"kernel", AccessInfo{CompileKernel: true}, 1 << 25},
	}
	for _, tt := range tests {
		if got := tt.in.Encode(); got != tt.want {
			t.Errorf("%s: Encode() = %#x, want %#x", tt.name, got, tt.want)
		}
		if got := DecodeAccessInfo(tt.in.Encode()); got != tt.in {
			t.Errorf("%s: decode mismatch: %+v != %+v", tt.name, got, tt.in)
		}
	}
}

func TestAccessInfoRuntimeMaskCoversTrapBits(t *testing.T) {
	// Everything a trap immediate must carry fits in the runtime mask;
	// the match-all byte and kernel bit are compile-time only.
	ai := AccessInfo{IsWrite: true, Recover: true, AccessSizeIndex: 4}
	if enc := ai.Encode(); enc&^AccessInfoRuntimeMask != 0 {
		t.Errorf("trap-relevant bits escape the runtime mask: %#x", enc)
	}
}

func TestAccessSizeIndex(t *testing.T) {
	for i, size := range []uint64{1, 2, 4, 8, 16} {
		if got := accessSizeIndex(size); got != uint8(i) {
			t.Errorf("accessSizeIndex(%d) = %d, want %d", size, got, i)
		}
	}
}
