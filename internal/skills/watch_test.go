package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchInitialLoadWithoutManifest(t *testing.T) {
	reg := NewRegistry(nil)
	w, err := Watch(context.Background(), reg, Config{Mode: "auto", Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if got := len(reg.Skills()); got != len(builtins) {
		t.Errorf("loaded %d skills without a manifest, want all %d", got, len(builtins))
	}
}

func TestWatchAppliesManifestChanges(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"enabled":["math"]}`)

	reg := NewRegistry(nil)
	w, err := Watch(context.Background(), reg, Config{Mode: "auto", Dir: dir}, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if _, ok := reg.Skill("math"); !ok {
		t.Fatal("math should load from the initial manifest")
	}
	if _, ok := reg.Skill("json"); ok {
		t.Fatal("json should not load from the initial manifest")
	}

	writeManifest(t, dir, `{"enabled":["math","json"]}`)
	waitFor(t, "json skill to appear", func() bool {
		_, ok := reg.Skill("json")
		return ok
	})

	writeManifest(t, dir, `{"enabled":["json"]}`)
	waitFor(t, "math skill to be retired", func() bool {
		_, ok := reg.Skill("math")
		return !ok
	})
}

func TestWatchRequiresDirectory(t *testing.T) {
	if _, err := Watch(context.Background(), NewRegistry(nil), Config{}, nil); err == nil {
		t.Fatal("expected error when no skills directory is configured")
	}
}
