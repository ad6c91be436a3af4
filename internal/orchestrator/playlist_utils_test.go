package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMasterManifest(t *testing.T) {
	got := BuildMasterManifest([]QualityProfile{Profile1080p, Profile720p})

	if !strings.HasPrefix(got, "#EXTM3U\n") {
		t.Errorf("missing header:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-VERSION:3") {
		t.Errorf("missing version:\n%s", got)
	}
	first := strings.Index(got, "BANDWIDTH=4000000")
	second := strings.Index(got, "BANDWIDTH=2500000")
	if first < 0 || second < 0 || first > second {
		t.Errorf("variants missing or out of order:\n%s", got)
	}
	if !strings.Contains(got, "RESOLUTION=1920x1080") || !strings.Contains(got, "\n1080p/playlist.m3u8\n") {
		t.Errorf("1080p variant malformed:\n%s", got)
	}
}

func TestWriteMasterManifest(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMasterManifest(dir, Ladder(ModeSingleQuality)); err != nil {
		t.Fatalf("WriteMasterManifest: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != MasterManifestName {
		t.Fatalf("expected only %s, got %v", MasterManifestName, entries)
	}
	raw, err := os.ReadFile(filepath.Join(dir, MasterManifestName))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(raw), "#EXT-X-STREAM-INF") != 1 {
		t.Errorf("unexpected manifest:\n%s", raw)
	}
}

func TestWriteMasterManifest_missingDir(t *testing.T) {
	if err := WriteMasterManifest(filepath.Join(t.TempDir(), "nope"), Ladder(ModeNoTranscode)); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

// Variants carry bandwidth and resolution only. The writer always adds
// PROGRAM-ID, which players ignore.
func TestBuildMasterManifest_variantAttributes(t *testing.T) {
	allowed := map[string]bool{"PROGRAM-ID": true, "BANDWIDTH": true, "RESOLUTION": true}
	got := BuildMasterManifest(Ladder(ModeMultiQuality))

	var variants int
	for _, line := range strings.Split(got, "\n") {
		attrs, ok := strings.CutPrefix(line, "#EXT-X-STREAM-INF:")
		if !ok {
			continue
		}
		variants++
		seen := map[string]bool{}
		for _, kv := range strings.Split(attrs, ",") {
			k, _, _ := strings.Cut(kv, "=")
			if !allowed[k] {
				t.Errorf("unexpected attribute %q in %q", k, line)
			}
			seen[k] = true
		}
		if !seen["BANDWIDTH"] || !seen["RESOLUTION"] {
			t.Errorf("variant lacks BANDWIDTH or RESOLUTION: %q", line)
		}
	}
	if variants != 3 {
		t.Errorf("expected 3 variants, got %d:\n%s", variants, got)
	}
}
