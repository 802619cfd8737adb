package snapshotdaemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSweepOrphansRemovesCleanedTokens(t *testing.T) {
	dir := t.TempDir()
	tokensPath := filepath.Join(dir, "zfs.tokens")
	if err := os.WriteFile(tokensPath, []byte("zfs:cow:tank/a\nzfs:cow:tank/b\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cleaned := map[string]bool{}
	swept, err := SweepOrphans(dir, func(token string) error {
		cleaned[token] = true
		return nil
	})
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if swept != 2 {
		t.Fatalf("expected 2 swept, got %d", swept)
	}
	if _, err := os.Stat(tokensPath); !os.IsNotExist(err) {
		t.Fatalf("expected tokens file removed once empty, stat err=%v", err)
	}
}

func TestSweepOrphansRetriesFailures(t *testing.T) {
	dir := t.TempDir()
	tokensPath := filepath.Join(dir, "btrfs.tokens")
	if err := os.WriteFile(tokensPath, []byte("btrfs:cow:/srv/a\nbtrfs:cow:/srv/b\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	swept, err := SweepOrphans(dir, func(token string) error {
		if token == "btrfs:cow:/srv/a" {
			return nil
		}
		return os.ErrPermission
	})
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}
	remaining, err := os.ReadFile(tokensPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(remaining) != "btrfs:cow:/srv/b\n" {
		t.Fatalf("expected the failing token to remain, got %q", remaining)
	}
}

func TestSweepOrphansNoDirectory(t *testing.T) {
	swept, err := SweepOrphans(filepath.Join(t.TempDir(), "missing"), func(string) error { return nil })
	if err != nil {
		t.Fatalf("expected no error for a missing directory, got %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected 0 swept, got %d", swept)
	}
}
