// Package sandbox implements the Sandbox Orchestrator (spec §4.5 Linux,
// §4.6 macOS): a launcher that enters namespaces/Seatbelt, applies resource
// limits, installs a syscall filter, and execs the target agent program.
package sandbox

import (
	"context"
	"os/exec"
)

// Sandbox prepares and runs one agent process under platform isolation.
type Sandbox interface {
	// Exec returns a not-yet-started *exec.Cmd configured to run inside the
	// sandbox; the caller starts it.
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	// PostStart applies anything that must happen after the process has a
	// PID (cgroup attachment, seccomp supervisor startup).
	PostStart(pid int) error
	// Destroy tears down every resource the sandbox allocated (cgroup,
	// tmpdir, network helper, Seatbelt bookkeeping).
	Destroy() error
}

// New creates a platform-appropriate sandbox for cfg. It returns an
// *EnforcementError — never a silently weaker sandbox — when the host
// cannot enforce what cfg asks for (spec §4.5/§4.6).
func New(cfg Config) (Sandbox, error) {
	s, err := newPlatform(cfg)
	if err != nil {
		return nil, newEnforcementError(cfg, err)
	}
	return s, nil
}
