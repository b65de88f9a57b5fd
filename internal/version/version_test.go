package version

import (
	"runtime/debug"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "1.2.0"}, "1.2.0"},
		{Info{Version: "1.2.0", Commit: "0123456789abcdef"}, "1.2.0 (0123456789ab)"},
		{Info{Version: "dev", Commit: "abc", Modified: true}, "dev (abc+dirty)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Fatalf("String(%+v) = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestFromBuildInfoKeepsLinkerValues(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "feedface"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	var info Info
	fromBuildInfo(&info, bi)
	if info.Version != "0.3.1" || info.Commit != "feedface" || info.BuildTime != "2026-01-02T03:04:05Z" || !info.Modified {
		t.Fatalf("unexpected info from build settings: %+v", info)
	}

	info = Info{Version: "9.9.9", Commit: "cafe"}
	fromBuildInfo(&info, bi)
	if info.Version != "9.9.9" || info.Commit != "cafe" {
		t.Fatalf("linker values overwritten: %+v", info)
	}
}

func TestFromBuildInfoIgnoresDevel(t *testing.T) {
	var info Info
	fromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "" {
		t.Fatalf("expected devel version ignored, got %q", info.Version)
	}
}

func TestResolveFillsRuntime(t *testing.T) {
	info := Resolve()
	if info.Version == "" || info.GoVersion == "" || info.Platform == "" {
		t.Fatalf("incomplete info: %+v", info)
	}
}
