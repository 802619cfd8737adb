//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// deviceSpec is one entry of a /dev allowlist.
type deviceSpec struct {
	name  string // path under /dev, e.g. "null"
	major uint32
	minor uint32
	mode  uint32 // S_IFCHR | perm bits
}

// defaultDevices is the always-present allowlist (spec §4.5.4).
var defaultDevices = []deviceSpec{
	{"null", 1, 3, unix.S_IFCHR | 0o666},
	{"zero", 1, 5, unix.S_IFCHR | 0o666},
	{"random", 1, 8, unix.S_IFCHR | 0o666},
	{"urandom", 1, 9, unix.S_IFCHR | 0o666},
	{"tty", 5, 0, unix.S_IFCHR | 0o666},
	{"ptmx", 5, 2, unix.S_IFCHR | 0o666},
}

// alwaysDenied is never populated regardless of profile (spec §4.5.4).
var alwaysDenied = []string{
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/dev/mem",
	"/dev/kmem",
}

// containerDevices and kvmDevices extend the allowlist for the
// --allow-containers/--allow-kvm profiles.
var containerDevices = []deviceSpec{
	{"fuse", 10, 229, unix.S_IFCHR | 0o666},
}

var kvmDevices = []deviceSpec{
	{"kvm", 10, 232, unix.S_IFCHR | 0o666},
}

// populateDevices builds a minimal /dev inside newRoot using a fresh tmpfs
// plus mknod for each allowed device node. The spec's device-allowlist
// mechanism is usually an eBPF cgroup/dev program (BPF_CGROUP_DEVICE), but
// no eBPF library appears anywhere in this codebase's dependency corpus and
// fabricating one isn't an option, so the allowlist is instead enforced the
// way container runtimes like runc did before BPF_CGROUP_DEVICE existed:
// the namespace's /dev is a tmpfs containing only nodes for the allowed
// devices, so anything not listed here simply has no path to open.
func populateDevices(newRoot string, cfg Config) error {
	devDir := filepath.Join(newRoot, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", devDir, err)
	}
	if err := unix.Mount("tmpfs", devDir, "tmpfs", unix.MS_NOSUID, "mode=0755,size=1m"); err != nil {
		return fmt.Errorf("mount tmpfs on %s: %w", devDir, err)
	}

	devices := append([]deviceSpec{}, defaultDevices...)
	if cfg.AllowContainers {
		devices = append(devices, containerDevices...)
	}
	if cfg.AllowKVM {
		devices = append(devices, kvmDevices...)
	}

	for _, d := range devices {
		if err := mknodDevice(devDir, d); err != nil {
			return err
		}
	}

	// /dev/pts gets a fresh devpts instance (newinstance) rather than
	// mknod'd nodes: pty slave numbers are allocated dynamically by the
	// kernel, so there's no fixed major/minor to pre-create.
	ptsDir := filepath.Join(devDir, "pts")
	if err := os.MkdirAll(ptsDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", ptsDir, err)
	}
	if err := unix.Mount("devpts", ptsDir, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return fmt.Errorf("mount devpts: %w", err)
	}
	return nil
}

func mknodDevice(devDir string, d deviceSpec) error {
	path := filepath.Join(devDir, d.name)
	dev := unix.Mkdev(d.major, d.minor)
	if err := unix.Mknod(path, d.mode, int(dev)); err != nil {
		return fmt.Errorf("mknod %s: %w", path, err)
	}
	return os.Chmod(path, os.FileMode(d.mode&0o777))
}
