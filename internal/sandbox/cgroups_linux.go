//go:build linux

package sandbox

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// cgroupManager manages a cgroup v2 sub-tree named sbx-<uuid> for one
// sandboxed process tree, with the +pids +memory +cpu controllers enabled
// (spec §4.5.2).
type cgroupManager struct {
	path string
}

// newCgroupManager creates the sbx-<uuid> cgroup and applies limits. It
// returns a *SetupError (stage "cgroup") rather than silently degrading —
// unlike the teacher's prlimit-fallback cgroupManager, the spec treats
// cgroup accounting as required, not best-effort.
func newCgroupManager(limits CgroupLimits) (*cgroupManager, error) {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return nil, &SetupError{Stage: "cgroup", Err: fmt.Errorf("cgroups v2 not mounted: %w", err)}
	}

	ownPath, err := readOwnCgroup()
	if err != nil {
		return nil, &SetupError{Stage: "cgroup", Err: err}
	}

	parentPath := filepath.Join("/sys/fs/cgroup", ownPath)
	cgroupPath := filepath.Join(parentPath, "sbx-"+uuid.NewString())

	if err := os.MkdirAll(cgroupPath, 0o755); err != nil {
		return nil, &SetupError{Stage: "cgroup", Err: fmt.Errorf("create %s: %w", cgroupPath, err)}
	}

	if err := enableControllers(parentPath, []string{"+pids", "+memory", "+cpu"}); err != nil {
		os.Remove(cgroupPath)
		return nil, &SetupError{Stage: "cgroup", Err: fmt.Errorf("enable controllers: %w", err)}
	}

	m := &cgroupManager{path: cgroupPath}
	if err := m.applyLimits(limits); err != nil {
		os.Remove(cgroupPath)
		return nil, &SetupError{Stage: "cgroup", Err: err}
	}
	log.Printf("sandbox: cgroup created at %s (pids=%d mem.high=%d mem.max=%d cpu.max=%q)",
		cgroupPath, limits.PidsMax, limits.MemoryHigh, limits.MemoryMax, limits.CPUMaxQuota)
	return m, nil
}

func (c *cgroupManager) applyLimits(limits CgroupLimits) error {
	if limits.PidsMax > 0 {
		if err := c.write("pids.max", strconv.FormatUint(limits.PidsMax, 10)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}
	if limits.MemoryHigh > 0 {
		if err := c.write("memory.high", strconv.FormatUint(limits.MemoryHigh, 10)); err != nil {
			return fmt.Errorf("set memory.high: %w", err)
		}
	}
	if limits.MemoryMax > 0 {
		if err := c.write("memory.max", strconv.FormatUint(limits.MemoryMax, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if limits.CPUMaxQuota != "" {
		if err := c.write("cpu.max", limits.CPUMaxQuota); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func (c *cgroupManager) write(file, value string) error {
	return os.WriteFile(filepath.Join(c.path, file), []byte(value), 0o644)
}

func (c *cgroupManager) read(file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.path, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// AddPID moves a process into this cgroup (spec §4.5.2's "CgroupAttached"
// launcher stage).
func (c *cgroupManager) AddPID(pid int) error {
	if c == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// Metrics is a point-in-time snapshot of the resource accounting the
// launcher CLI surfaces to callers (pids.current, memory.current,
// memory.events, cpu.stat).
type Metrics struct {
	PidsCurrent   uint64
	MemoryCurrent uint64
	MemoryEvents  map[string]uint64
	CPUStat       map[string]uint64
}

// ReadMetrics reads the live cgroup.v2 accounting files.
func (c *cgroupManager) ReadMetrics() (Metrics, error) {
	var m Metrics
	if c == nil {
		return m, nil
	}
	if v, err := c.read("pids.current"); err == nil {
		m.PidsCurrent, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, err := c.read("memory.current"); err == nil {
		m.MemoryCurrent, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, err := c.read("memory.events"); err == nil {
		m.MemoryEvents = parseKeyedCounters(v)
	}
	if v, err := c.read("cpu.stat"); err == nil {
		m.CPUStat = parseKeyedCounters(v)
	}
	return m, nil
}

// parseKeyedCounters parses cgroup.v2's "key value\n" accounting file
// format shared by memory.events and cpu.stat.
func parseKeyedCounters(content string) map[string]uint64 {
	out := map[string]uint64{}
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
			out[fields[0]] = v
		}
	}
	return out
}

// Destroy removes the cgroup directory; it does not move any process out.
// The kernel refuses rmdir while cgroup.procs is non-empty, so callers must
// have already reaped the sandboxed process tree.
func (c *cgroupManager) Destroy() error {
	if c == nil {
		return nil
	}
	return os.Remove(c.path)
}

// readOwnCgroup reads /proc/self/cgroup and returns the v2 path.
func readOwnCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	return parseCgroupV2Path(string(data))
}

// parseCgroupV2Path extracts the cgroup v2 path from /proc/self/cgroup
// content. v2 entries have the format "0::<path>".
func parseCgroupV2Path(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "0::") {
			return line[3:], nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry found")
}

// enableControllers writes to cgroup.subtree_control to enable controllers.
// Handles EBUSY by moving this process to a "sbx-host" leaf cgroup first —
// cgroups v2's "no internal processes" rule forbids enabling controllers in
// subtree_control while the parent itself holds member processes.
func enableControllers(parentPath string, controllers []string) error {
	payload := strings.Join(controllers, " ")
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")

	if err := os.WriteFile(controlPath, []byte(payload), 0o644); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	hostPath := filepath.Join(parentPath, "sbx-host")
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return fmt.Errorf("create sbx-host cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hostPath, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("move self to sbx-host: %w", err)
	}
	return os.WriteFile(controlPath, []byte(payload), 0o644)
}
