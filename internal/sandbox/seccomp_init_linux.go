//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// SeccompInitArg is the hidden argv[1] the sandbox orchestrator re-execs
// itself with (mirrors the teacher's own "_deny_init" re-exec wrapper
// pattern in spirit, generalized for the notify-based filter): the process
// that installs the seccomp-notify filter must be the same process that
// later execs the real target, since SECCOMP_SET_MODE_FILTER only affects
// the calling thread and its future children/execs.
const SeccompInitArg = "_sandbox_seccomp_init"

// RunSeccompInit is the entrypoint cmd/ah-sandbox's main() dispatches to
// when argv[1] == SeccompInitArg. argv[2] is the fd number of a
// SOCK_STREAM socket connected back to the orchestrator; argv[3:] is the
// real target command.
//
// It installs the notify filter, sends the resulting listener fd to the
// orchestrator over that socket via SCM_RIGHTS (the listener fd is only
// meaningful passed to another process, not inherited across this
// process's own later execve), then execs the real target so the filter
// applies to it.
func RunSeccompInit(cfg Config, sockFD int, name string, args []string) {
	if err := remountProcReadonly(); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: remount /proc: %v\n", err)
		os.Exit(70)
	}

	fd, err := installSeccompNotify(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: install seccomp notify: %v\n", err)
		os.Exit(70)
	}

	if err := sendFD(sockFD, fd); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: send notify fd: %v\n", err)
		os.Exit(70)
	}
	unix.Close(fd)
	unix.Close(sockFD)

	exe, err := exec.LookPath(name)
	if err != nil {
		exe = name
	}
	if err := unix.Exec(exe, append([]string{name}, args...), os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: exec %s: %v\n", name, err)
		os.Exit(70)
	}
}

// SandboxInitArg is the hidden re-exec verb used when seccomp is disabled:
// the child still needs to remount /proc inside its fresh mount/PID
// namespace before the real target runs, so it always passes through one
// init step or the other rather than execing the target directly.
const SandboxInitArg = "_sandbox_init"

// RunSandboxInit remounts /proc and execs the real target, for the
// seccomp-disabled path.
func RunSandboxInit(name string, args []string) {
	if err := remountProcReadonly(); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: remount /proc: %v\n", err)
		os.Exit(70)
	}
	exe, err := exec.LookPath(name)
	if err != nil {
		exe = name
	}
	if err := unix.Exec(exe, append([]string{name}, args...), os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: exec %s: %v\n", name, err)
		os.Exit(70)
	}
}

// sendFD sends fd to the peer on sock via SCM_RIGHTS ancillary data.
func sendFD(sock, fd int) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(sock, []byte{0}, rights, nil, 0)
}

// recvFD receives a single fd sent with sendFD.
func recvFD(sock int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return -1, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("no fd in control message")
	}
	return fds[0], nil
}
