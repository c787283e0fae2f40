package version

import (
	"runtime/debug"
	"testing"
)

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		desc string
		info debug.BuildInfo
		want string
	}{
		{
			desc: "checkout",
			info: debug.BuildInfo{Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "6ab9fef83042"},
				{Key: "vcs.modified", Value: "true"},
			}},
			want: "rvb https://github.com/rvboot/tools/commit/6ab9fef83042 (modified)",
		},
		{
			desc: "pseudo-version",
			info: debug.BuildInfo{Main: debug.Module{Version: "v0.0.0-20240827190026-6ab9fef83042"}},
			want: "rvb https://github.com/rvboot/tools/commit/6ab9fef83042",
		},
		{
			desc: "release",
			info: debug.BuildInfo{Main: debug.Module{Version: "v0.3.0"}},
			want: "rvb v0.3.0",
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			bi, ok := parse(&tt.info)
			if !ok {
				t.Fatalf("parse(%+v) failed", tt.info)
			}
			if got := format(bi); got != tt.want {
				t.Errorf("format = %q, want %q", got, tt.want)
			}
		})
	}

	if _, ok := parse(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}); ok {
		t.Errorf("parse accepted a development build without VCS information")
	}
}
