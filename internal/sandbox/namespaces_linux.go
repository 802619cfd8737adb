//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// namespaceFlags is the single atomic clone-flag set the orchestrator
// requests (spec §4.5.1: "A single atomic call creates the requested set
// from {user, mount, PID, UTS, IPC, optional time}"), plus CLONE_NEWNET in
// every mode, so the child never shares the host's network namespace;
// when network access is allowed it goes through the TAP/NAT helper.
func namespaceFlags(cfg Config) uintptr {
	return uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET)
}

// idMappings builds the 1:1 UID/GID mapping spec §4.5.1 describes: "map the
// calling UID/GID 1:1 to 0 inside". The host UID maps to container UID 0 so
// the agent process appears to own its own namespace while holding no real
// privilege outside it.
func idMappings() (uid []syscall.SysProcIDMap, gid []syscall.SysProcIDMap) {
	uid = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	gid = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return uid, gid
}

// hasNamespaceCapability reports whether the caller can create the
// requested namespace set: either real root, CAP_SYS_ADMIN, or working
// unprivileged user namespaces.
func hasNamespaceCapability() bool {
	if os.Geteuid() == 0 {
		return true
	}
	// VERSION_1 needs only one CapUserData struct (VERSION_3 wants
	// [2]CapUserData — passing a single struct corrupts the stack because
	// the kernel writes past the end). VERSION_1 covers caps 0-31, which
	// includes CAP_SYS_ADMIN (cap 21).
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return true
		}
	}
	if val, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return stringsTrimSpace(string(val)) == "1"
	}
	return probeUserNamespace()
}

func stringsTrimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\n' || s[j-1] == '\t' || s[j-1] == '\r') {
		j--
	}
	return s[i:j]
}

// probeUserNamespace spawns a trivial child in a new user namespace to test
// unprivileged-userns support when the sysctl that would tell us directly
// is absent (e.g. WSL2, non-Debian kernels).
func probeUserNamespace() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1},
		},
	}
	return cmd.Run() == nil
}

// writeIDMaps writes /proc/<pid>/{uid_map,gid_map} for a child already
// paused before exec (spec §4.5.1). setgroups must be disabled before
// gid_map can be written by an unprivileged mapper.
func writeIDMaps(pid int, uid, gid []syscall.SysProcIDMap) error {
	p := strconv.Itoa(pid)
	if err := os.WriteFile("/proc/"+p+"/setgroups", []byte("deny"), 0o644); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("write setgroups: %w", err)
	}
	if err := writeIDMapFile("/proc/"+p+"/uid_map", uid); err != nil {
		return fmt.Errorf("write uid_map: %w", err)
	}
	if err := writeIDMapFile("/proc/"+p+"/gid_map", gid); err != nil {
		return fmt.Errorf("write gid_map: %w", err)
	}
	return nil
}

func writeIDMapFile(path string, mappings []syscall.SysProcIDMap) error {
	var buf []byte
	for _, m := range mappings {
		buf = append(buf, []byte(fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size))...)
	}
	return os.WriteFile(path, buf, 0o644)
}

// remountProcReadonly remounts /proc with nosuid,nodev,noexec inside the
// new PID/mount namespace (spec §4.5.1).
func remountProcReadonly() error {
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	return nil
}
