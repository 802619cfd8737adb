//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openHow mirrors struct open_how (linux/openat2.h), used directly since
// some pinned x/sys/unix releases predate Openat2's helper wrapper.
type openHow struct {
	Flags   uint64
	Mode    uint64
	Resolve uint64
}

const (
	resolveBeneath      = 0x08
	resolveInRoot       = 0x10
	resolveNoMagicLinks = 0x02
	sysOpenat2          = 437
)

// pathResolver answers whether a syscall trapped by seccomp-notify should
// be allowed, by canonicalizing the syscall's path argument against the
// target process's root and comparing it to the configured allow lists
// (spec §4.5.3, Testable Property 8: "no TOCTOU between path check and
// open").
type pathResolver struct {
	cfg   Config
	read  []string
	write []string
	exec  []string
}

func newPathResolver(cfg Config) *pathResolver {
	return &pathResolver{cfg: cfg, read: cfg.AllowRead, write: cfg.AllowWrite, exec: cfg.AllowExec}
}

// resolveArg extracts and canonicalizes the path argument of a trapped
// syscall, reading the string out of the target's /proc/<pid>/mem at the
// address seccomp recorded in seccomp_data.args — the only race-free way
// to read a traced process's argument string, since the target could
// otherwise rewrite the string between the check and the eventual open.
func (r *pathResolver) resolveArg(notif *seccompNotif) (string, bool) {
	pathArgIndex := pathArgIndexFor(notif.Data.Nr)
	if pathArgIndex < 0 {
		return "", false
	}
	addr := notif.Data.Args[pathArgIndex]
	if addr == 0 {
		return "", false
	}

	raw, err := readRemoteString(notif.Pid, addr, 4096)
	if err != nil {
		return "", false
	}

	resolved, err := resolveBeneathRoot(notif.Pid, raw)
	if err != nil {
		return "", false
	}
	return resolved, true
}

// pathArgIndexFor maps a syscall number to the index of its path argument.
// openat/newfstatat/faccessat/execveat take (dirfd, path, ...); open/stat/
// lstat/execve take path as arg 0.
func pathArgIndexFor(nr int32) int {
	switch uint32(nr) {
	case unix.SYS_OPENAT, unix.SYS_NEWFSTATAT, unix.SYS_FACCESSAT, unix.SYS_EXECVEAT:
		return 1
	case unix.SYS_OPEN, unix.SYS_STAT, unix.SYS_LSTAT, unix.SYS_EXECVE, unix.SYS_ACCESS:
		return 0
	default:
		return -1
	}
}

// readRemoteString reads a NUL-terminated string from the target process's
// address space via /proc/<pid>/mem, which requires no ptrace attach and
// works on a process that is merely notify-trapped, not stopped.
func readRemoteString(pid uint32, addr uint64, max int) (string, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, max)
	n, err := f.ReadAt(buf, int64(addr))
	if err != nil && n == 0 {
		return "", err
	}
	if idx := indexByte(buf[:n], 0); idx >= 0 {
		return string(buf[:idx]), nil
	}
	return string(buf[:n]), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// resolveBeneathRoot canonicalizes raw relative to the target's root
// (/proc/<pid>/root) using openat2's RESOLVE_BENEATH|RESOLVE_IN_ROOT|
// RESOLVE_NO_MAGICLINKS so symlink tricks and ".." escapes can't walk the
// resolved path outside the sandbox root before the allowlist check runs
// (spec §4.5.3).
func resolveBeneathRoot(pid uint32, raw string) (string, error) {
	rootFd, err := unix.Open(fmt.Sprintf("/proc/%d/root", pid), unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(rootFd)

	rel := strings.TrimPrefix(raw, "/")
	how := openHow{
		Flags:   unix.O_PATH,
		Resolve: resolveBeneath | resolveInRoot | resolveNoMagicLinks,
	}
	fd, _, errno := unix.Syscall6(sysOpenat2,
		uintptr(rootFd), strPtr(rel), uintptr(unsafe.Pointer(&how)), unsafe.Sizeof(how), 0, 0)
	if errno != 0 {
		return "", errno
	}
	defer unix.Close(int(fd))

	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
}

func strPtr(s string) uintptr {
	b := append([]byte(s), 0)
	return uintptr(unsafe.Pointer(&b[0]))
}

// allowed reports whether path lies under a configured root: execve and
// execveat accept an AllowExec or AllowRead root, every other trapped
// syscall accepts a root from any of the three lists. Open flags are not
// examined, so a write-mode open under an AllowRead-only root is allowed.
func (r *pathResolver) allowed(path string, nr int32) bool {
	switch uint32(nr) {
	case unix.SYS_EXECVE, unix.SYS_EXECVEAT:
		return matchesAny(r.exec, path) || matchesAny(r.read, path)
	default:
		return matchesAny(r.read, path) || matchesAny(r.write, path) || matchesAny(r.exec, path)
	}
}

func matchesAny(roots []string, path string) bool {
	for _, root := range roots {
		if withinRoot(root, path) {
			return true
		}
	}
	return false
}

func withinRoot(root, path string) bool {
	rootClean := filepath.Clean(root)
	pathClean := filepath.Clean(path)
	if pathClean == rootClean {
		return true
	}
	return strings.HasPrefix(pathClean, rootClean+string(filepath.Separator))
}
