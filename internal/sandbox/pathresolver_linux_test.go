//go:build linux

package sandbox

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPathArgIndexFor(t *testing.T) {
	tests := []struct {
		nr   int32
		want int
	}{
		{int32(unix.SYS_OPENAT), 1},
		{int32(unix.SYS_NEWFSTATAT), 1},
		{int32(unix.SYS_FACCESSAT), 1},
		{int32(unix.SYS_EXECVEAT), 1},
		{int32(unix.SYS_OPEN), 0},
		{int32(unix.SYS_STAT), 0},
		{int32(unix.SYS_LSTAT), 0},
		{int32(unix.SYS_EXECVE), 0},
		{int32(unix.SYS_ACCESS), 0},
		{int32(unix.SYS_WRITE), -1},
	}
	for _, tt := range tests {
		if got := pathArgIndexFor(tt.nr); got != tt.want {
			t.Errorf("pathArgIndexFor(%d) = %d, want %d", tt.nr, got, tt.want)
		}
	}
}

func TestWithinRoot(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/srv/data", "/srv/data", true},
		{"/srv/data", "/srv/data/file.txt", true},
		{"/srv/data", "/srv/data/sub/file.txt", true},
		{"/srv/data", "/srv/data2/file.txt", false},
		{"/srv/data", "/srv/other", false},
		{"/srv/data/", "/srv/data/file.txt", true},
		{"/srv/data", "/srv/../etc/passwd", false},
	}
	for _, tt := range tests {
		if got := withinRoot(tt.root, tt.path); got != tt.want {
			t.Errorf("withinRoot(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	roots := []string{"/srv/data", "/tmp/work"}
	if !matchesAny(roots, "/srv/data/file") {
		t.Error("expected match under /srv/data")
	}
	if !matchesAny(roots, "/tmp/work/out.log") {
		t.Error("expected match under /tmp/work")
	}
	if matchesAny(roots, "/etc/passwd") {
		t.Error("expected no match outside configured roots")
	}
	if matchesAny(nil, "/srv/data") {
		t.Error("expected no match against an empty allowlist")
	}
}

func TestPathResolverAllowed(t *testing.T) {
	cfg := Config{
		AllowRead:  []string{"/srv/read"},
		AllowWrite: []string{"/srv/write"},
		AllowExec:  []string{"/srv/bin"},
	}
	r := newPathResolver(cfg)

	tests := []struct {
		name string
		path string
		nr   int32
		want bool
	}{
		{"read-allowed under AllowRead", "/srv/read/file", int32(unix.SYS_OPENAT), true},
		{"write-ish under AllowWrite", "/srv/write/out", int32(unix.SYS_OPENAT), true},
		{"exec under AllowExec for non-exec syscall", "/srv/bin/tool", int32(unix.SYS_OPENAT), true},
		{"exec syscall requires AllowExec or AllowRead", "/srv/bin/tool", int32(unix.SYS_EXECVE), true},
		{"exec syscall rejects write-only path", "/srv/write/out", int32(unix.SYS_EXECVE), false},
		{"outside every allowlist", "/etc/shadow", int32(unix.SYS_OPENAT), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.allowed(tt.path, tt.nr); got != tt.want {
				t.Errorf("allowed(%q, nr=%d) = %v, want %v", tt.path, tt.nr, got, tt.want)
			}
		})
	}
}

func TestIndexByte(t *testing.T) {
	if got := indexByte([]byte("abc\x00def"), 0); got != 3 {
		t.Errorf("indexByte = %d, want 3", got)
	}
	if got := indexByte([]byte("abcdef"), 0); got != -1 {
		t.Errorf("indexByte = %d, want -1", got)
	}
	if got := indexByte(nil, 0); got != -1 {
		t.Errorf("indexByte(nil) = %d, want -1", got)
	}
}
