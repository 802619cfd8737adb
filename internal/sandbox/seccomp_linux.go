//go:build linux

package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel seccomp-notify constants and ioctl numbers. These aren't exposed by
// every pinned golang.org/x/sys/unix release, the same situation the control
// envelope's fixed ioctl number is in, so they're spelled out from the UAPI
// headers (linux/seccomp.h) here instead.
const (
	seccompSetModeFilter        = 1
	seccompFilterFlagNewListener = 1 << 3
	seccompRetUserNotif          = 0x7fc00000

	seccompIoctlNotifRecv     = 0xc0502100
	seccompIoctlNotifSend     = 0xc0182101
	seccompIoctlNotifIDValid  = 0x40082102

	seccompRetAllow = 0x7fff0000
)

// seccompNotif mirrors struct seccomp_notif (linux/seccomp.h). data is
// struct seccomp_data inlined: nr, arch, instruction_pointer, args[6].
type seccompNotif struct {
	ID     uint64
	Pid    uint32
	Flags  uint32
	Data   seccompData
}

type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

// seccompNotifResp mirrors struct seccomp_notif_resp.
type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

// notifySyscalls is the NOTIFY set from spec §4.5.3: filesystem-adjacent
// syscalls the supervisor inspects before allowing, so writes outside the
// allowlisted paths can be denied even though the namespace's mount table
// would otherwise permit them.
var notifySyscalls = []uint32{
	unix.SYS_OPENAT,
	unix.SYS_OPEN,
	unix.SYS_STAT,
	unix.SYS_LSTAT,
	unix.SYS_FSTAT,
	unix.SYS_NEWFSTATAT,
	unix.SYS_ACCESS,
	unix.SYS_FACCESSAT,
	unix.SYS_EXECVE,
	unix.SYS_EXECVEAT,
}

// debugNotifySyscalls is layered on top when SeccompDebug is set (spec
// §4.5.3: debug mode additionally routes ptrace/process_vm_{read,write}v
// through the supervisor instead of allowing them outright).
var debugNotifySyscalls = []uint32{
	unix.SYS_PTRACE,
	unix.SYS_PROCESS_VM_READV,
	unix.SYS_PROCESS_VM_WRITEV,
}

// buildNotifyFilter constructs an ALLOW-default BPF program that routes
// syscalls in the NOTIFY set to SECCOMP_RET_USER_NOTIF (spec §4.5.3).
func buildNotifyFilter(cfg Config) []unix.SockFilter {
	set := append([]uint32{}, notifySyscalls...)
	if cfg.SeccompDebug {
		set = append(set, debugNotifySyscalls...)
	}

	prog := make([]unix.SockFilter, 0, len(set)+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})
	for i, nr := range set {
		jmpToNotify := uint8(len(set) - i)
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   jmpToNotify,
			Jf:   0,
			K:    nr,
		})
	}
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetAllow})
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetUserNotif})
	return prog
}

// installSeccompNotify installs the notify filter in the calling process
// (the about-to-exec child, after NO_NEW_PRIVS) and returns the listener fd.
// Call this last, right before exec, so no earlier setup syscall is
// second-guessed by the supervisor.
func installSeccompNotify(cfg Config) (int, error) {
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return -1, fmt.Errorf("prctl(NO_NEW_PRIVS): %v", errno)
	}

	prog := buildNotifyFilter(cfg)
	bpfProg := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}

	fd, _, errno := unix.RawSyscall(unix.SYS_SECCOMP,
		seccompSetModeFilter, seccompFilterFlagNewListener, uintptr(unsafe.Pointer(&bpfProg)))
	if errno != 0 {
		return -1, fmt.Errorf("seccomp(NEW_LISTENER): %v", errno)
	}
	return int(fd), nil
}

// notifySupervisor owns the seccomp-notify listener fd for one sandboxed
// process and decides ALLOW/deny for each trapped syscall using the
// path-resolution rules in pathresolver_linux.go (spec §4.5.3's "dynamic
// grant" path: a NOTIFY hit that resolves within an allowed root is let
// through, everything else gets EPERM).
type notifySupervisor struct {
	fd      int
	cfg     Config
	resolver *pathResolver

	mu      sync.Mutex
	closed  bool
	doneCh  chan struct{}
}

func newNotifySupervisor(fd int, cfg Config) *notifySupervisor {
	return &notifySupervisor{fd: fd, cfg: cfg, resolver: newPathResolver(cfg), doneCh: make(chan struct{})}
}

// Run services notifications until ctx is cancelled or the listener fd is
// closed (the sandboxed process exited, which the kernel signals by
// returning ENOENT from NOTIF_RECV).
func (s *notifySupervisor) Run(ctx context.Context) {
	defer close(s.doneCh)
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		notif, err := s.recv()
		if err != nil {
			if s.isClosed() {
				return
			}
			log.Printf("sandbox: seccomp notify recv: %v", err)
			return
		}
		resp := s.decide(notif)
		if err := s.send(resp); err != nil {
			log.Printf("sandbox: seccomp notify send: %v", err)
		}
	}
}

func (s *notifySupervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *notifySupervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *notifySupervisor) recv() (*seccompNotif, error) {
	var notif seccompNotif
	if err := ioctlPtr(s.fd, seccompIoctlNotifRecv, unsafe.Pointer(&notif)); err != nil {
		return nil, err
	}
	return &notif, nil
}

func (s *notifySupervisor) send(resp *seccompNotifResp) error {
	return ioctlPtr(s.fd, seccompIoctlNotifSend, unsafe.Pointer(resp))
}

// stillValid re-checks SECCOMP_IOCTL_NOTIF_ID_VALID before trusting any
// /proc/<pid>/... path built from notif.Pid — the kernel otherwise permits
// a TOCTOU race where the original thread exits and its PID is recycled
// before the supervisor reads /proc/<pid>/mem or /proc/<pid>/cwd.
func (s *notifySupervisor) stillValid(id uint64) bool {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return ioctlPtr(s.fd, seccompIoctlNotifIDValid, unsafe.Pointer(&buf[0])) == nil
}

// decide resolves the trapped syscall's path argument against the
// configured allowlists and answers ALLOW (continue) or EPERM.
func (s *notifySupervisor) decide(notif *seccompNotif) *seccompNotifResp {
	resp := &seccompNotifResp{ID: notif.ID}

	path, ok := s.resolver.resolveArg(notif)
	if !ok || !s.stillValid(notif.ID) {
		resp.Error = -int32(unix.EPERM)
		return resp
	}

	if s.resolver.allowed(path, notif.Data.Nr) {
		resp.Flags = seccompUserNotifFlagContinue
		return resp
	}
	resp.Error = -int32(unix.EPERM)
	return resp
}

const seccompUserNotifFlagContinue = 1

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// procMemPath returns the /proc/<pid>/mem path of a trapped process. The
// resolver does not call it: readRemoteString builds the same path itself.
func procMemPath(pid uint32) string {
	return filepath.Join("/proc", fmt.Sprint(pid), "mem")
}
