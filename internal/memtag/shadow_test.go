package memtag

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/target"
)

func mustPlat(t *testing.T, triple string) target.Platform {
	t.Helper()
	p, err := target.Parse(triple)
	if err != nil {
		t.Fatalf("Parse(%q): %v", triple, err)
	}
	return p
}

func TestResolveShadowMappingPriority(t *testing.T) {
	offset := uint64(0x4000_0000)
	tests := []struct {
		name      string
		triple    string
		mutate    func(*config.Options)
		withCalls bool
		want      ShadowMapping
	}{
		{
			name:   "fuchsia wins over everything",
			triple: "aarch64-fuchsia",
			mutate: func(o *config.Options) { o.MappingOffset = &offset; o.Kernel = true },
			want:   ShadowMapping{Scale: 4, Offset: 0, WithFrameRecord: true},
		},
		{
			name:   "explicit offset",
			triple: "aarch64-linux",
			mutate: func(o *config.Options) { o.MappingOffset = &offset },
			want:   ShadowMapping{Scale: 4, Offset: offset},
		},
		{
			name:   "kernel means zero offset",
			triple: "aarch64-linux",
			mutate: func(o *config.Options) { o.Kernel = true },
			want:   ShadowMapping{Scale: 4, Offset: 0},
		},
		{
			name:      "calls mean zero offset",
			triple:    "x86_64-linux",
			mutate:    func(o *config.Options) {},
			withCalls: true,
			want:      ShadowMapping{Scale: 4, Offset: 0},
		},
		{
			name:   "ifunc before tls",
			triple: "aarch64-linux",
			mutate: func(o *config.Options) { o.WithIfunc = true },
			want:   ShadowMapping{Scale: 4, Offset: dynamicShadowSentinel, InGlobal: true},
		},
		{
			name:   "tls default",
			triple: "aarch64-linux",
			mutate: func(o *config.Options) {},
			want: ShadowMapping{Scale: 4, Offset: dynamicShadowSentinel,
				InTls: true, WithFrameRecord: true},
		},
		{
			name:   "plain dynamic",
			triple: "aarch64-linux",
			mutate: func(o *config.Options) { o.WithTLS = false },
			want:   ShadowMapping{Scale: 4, Offset: dynamicShadowSentinel},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.Default()
			tt.mutate(&opts)
			got := ResolveShadowMapping(mustPlat(t, tt.triple), opts, tt.withCalls)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mapping mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAlignUp(t *testing.T) {
	m := ShadowMapping{Scale: 4}
	tests := []struct{ in, want uint64 }{
		{0, 0}, {1, 16}, {15, 16}, {16, 16}, {17, 32}, {20, 32}, {32, 32},
	}
	for _, tt := range tests {
		if got := m.AlignUp(tt.in); got != tt.want {
			t.Errorf("AlignUp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
