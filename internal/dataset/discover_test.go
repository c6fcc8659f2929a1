package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "shard-1.tar"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %v", len(want), shards)
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverByRoot(t *testing.T) {
	full := t.TempDir()
	empty := t.TempDir()
	mustWrite(t, filepath.Join(full, "shard-000000.tar"))

	roots, err := DiscoverByRoot([]string{full})
	if err != nil {
		t.Fatalf("DiscoverByRoot: %v", err)
	}
	if len(roots[full]) != 1 {
		t.Fatalf("expected 1 shard under %s, got %v", full, roots[full])
	}
	if _, err := DiscoverByRoot([]string{full, empty}); err == nil {
		t.Fatal("expected error for root without shards")
	}
	if _, err := DiscoverByRoot([]string{filepath.Join(full, "missing")}); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
