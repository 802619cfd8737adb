//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// launcherState names the stages of the spec §4.5 state machine:
// Configured -> NamespacesEntered -> CgroupAttached -> SeccompInstalled ->
// DevicesReady -> NetworkReady -> Execed -> Cleanup -> Done.
type launcherState int

const (
	stateConfigured launcherState = iota
	stateNamespacesEntered
	stateCgroupAttached
	stateSeccompInstalled
	stateDevicesReady
	stateNetworkReady
	stateExeced
	stateCleanup
	stateDone
)

// linuxSandbox is the Linux Sandbox implementation: namespaces + cgroup v2
// + seccomp-notify + a minimal /dev + the optional TAP/NAT network helper.
type linuxSandbox struct {
	cfg     Config
	tmpDir  string
	cgroup  *cgroupManager
	network *networkHelper
	super   *notifySupervisor
	cancel  context.CancelFunc

	parentSock int // orchestrator's end of the seccomp-fd socketpair
	childSock  *os.File
	state      launcherState
}

// newPlatform constructs the Linux sandbox. It returns a plain error (not
// *EnforcementError — that wrapping happens once, in New) when the host
// cannot create the requested namespace set at all.
func newPlatform(cfg Config) (Sandbox, error) {
	if !hasNamespaceCapability() {
		return nil, fmt.Errorf("linux sandbox: need root or CAP_SYS_ADMIN or unprivileged user namespaces")
	}

	dir, err := os.MkdirTemp("", "ah-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox tmpdir: %w", err)
	}

	s := &linuxSandbox{cfg: cfg, tmpDir: dir, state: stateConfigured}

	cg, err := newCgroupManager(cfg.Cgroup)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.cgroup = cg
	s.state = stateCgroupAttached

	s.network = newNetworkHelper(cfg.Network)
	log.Printf("sandbox: configured tmpdir=%s network=%v seccomp=%v", dir, cfg.AllowNetwork, cfg.Seccomp)
	return s, nil
}

// Exec builds the not-yet-started *exec.Cmd. When seccomp is enabled the
// child re-execs this same binary with the hidden SeccompInitArg instead of
// running name/args directly: the notify filter has to be installed by the
// process that later execs the real target (SECCOMP_SET_MODE_FILTER only
// binds the calling thread and what it execs next), so the child installs
// the filter on itself, hands the listener fd back to this process over a
// socketpair, then execs into the real target.
func (s *linuxSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	root := filepath.Join(s.tmpDir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir sandbox root: %w", err)
	}
	if err := populateDevices(root, s.cfg); err != nil {
		return nil, &SetupError{Stage: "devices", Err: err}
	}
	s.state = stateDevicesReady

	uidMap, gidMap := idMappings()
	attr := &syscall.SysProcAttr{
		Cloneflags:   namespaceFlags(s.cfg),
		Unshareflags: syscall.CLONE_NEWNS,
		UidMappings:  uidMap,
		GidMappings:  gidMap,
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable for sandbox re-exec: %w", err)
	}

	var cmd *exec.Cmd
	if s.cfg.Seccomp {
		parentFD, childFD, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, &SetupError{Stage: "seccomp", Err: fmt.Errorf("socketpair: %w", err)}
		}
		s.parentSock = parentFD
		s.childSock = os.NewFile(uintptr(childFD), "seccomp-notify-sock")

		wrapArgs := append([]string{SeccompInitArg, "3"}, append([]string{name}, args...)...)
		cmd = exec.CommandContext(ctx, exe, wrapArgs...)
		cmd.ExtraFiles = []*os.File{s.childSock}
	} else {
		wrapArgs := append([]string{SandboxInitArg}, append([]string{name}, args...)...)
		cmd = exec.CommandContext(ctx, exe, wrapArgs...)
	}

	cmd.Dir = s.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Env = s.buildEnv()
	cmd.SysProcAttr = attr
	return cmd, nil
}

// PostStart runs the remaining launcher stages once the sandboxed process
// has a PID: write uid/gid maps, attach the cgroup, bring up loopback (and
// the TAP helper when networking is allowed), and pick up the seccomp
// listener fd the child sends back.
func (s *linuxSandbox) PostStart(pid int) error {
	if err := writeIDMaps(pid, idMappings()); err != nil {
		return &SetupError{Stage: "namespaces", Err: err}
	}
	s.state = stateNamespacesEntered

	if s.cgroup != nil {
		if err := s.cgroup.AddPID(pid); err != nil {
			return &SetupError{Stage: "cgroup", Err: err}
		}
	}
	s.state = stateCgroupAttached

	if s.cfg.Seccomp {
		s.childSock.Close() // our dup of the child's end; only parentSock is read
		notifyFD, err := recvFD(s.parentSock)
		if err != nil {
			return &SetupError{Stage: "seccomp", Err: fmt.Errorf("receive notify fd: %w", err)}
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.super = newNotifySupervisor(notifyFD, s.cfg)
		go s.super.Run(ctx)
	}
	s.state = stateSeccompInstalled

	if err := bringUpLoopback(); err != nil {
		log.Printf("sandbox: bring up loopback: %v", err)
	}
	if s.cfg.AllowNetwork {
		if err := s.network.setupTap(pid, fmt.Sprintf("tap%d", pid)); err != nil {
			return &SetupError{Stage: "network", Err: err}
		}
	}
	s.state = stateNetworkReady
	s.state = stateExeced
	return nil
}

// Destroy tears down every resource the sandbox allocated.
func (s *linuxSandbox) Destroy() error {
	s.state = stateCleanup
	if s.cancel != nil {
		s.cancel()
	}
	if s.super != nil {
		s.super.Close()
	}
	if s.parentSock != 0 {
		unix.Close(s.parentSock)
	}
	s.network.Teardown()
	if s.cgroup != nil {
		if err := s.cgroup.Destroy(); err != nil {
			log.Printf("sandbox: destroy cgroup: %v", err)
		}
	}
	err := os.RemoveAll(s.tmpDir)
	s.state = stateDone
	return err
}

func (s *linuxSandbox) buildEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + s.tmpDir,
		"TMPDIR=" + s.tmpDir,
	}
}
