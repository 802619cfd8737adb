package sandbox

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// EnforcementError reports that the host cannot enforce a requested sandbox
// configuration — callers get no silent fallback to weaker isolation (spec
// §4.5/§4.6: "no silent fallback"). It wraps aherr.Unsupported so callers
// that only care about the taxonomy can still use aherr.CodeOf/aherr.Is.
type EnforcementError struct {
	Gaps     []string
	Platform string
	cause    error
}

func (e *EnforcementError) Error() string {
	msg := "sandbox: system incapable of enforcing: " + strings.Join(e.Gaps, ", ")
	if e.Platform != "" {
		msg += ". " + e.Platform
	}
	return msg
}

func (e *EnforcementError) Unwrap() error { return e.cause }

// Code lets aherr.CodeOf/aherr.Is treat an EnforcementError as Unsupported
// without this package importing aherr.Error's concrete struct shape.
func (e *EnforcementError) Code() aherr.Code { return aherr.Unsupported }

func newEnforcementError(cfg Config, platformErr error) *EnforcementError {
	var gaps []string
	if !cfg.AllowNetwork {
		gaps = append(gaps, "network isolation")
	}
	gaps = append(gaps, "filesystem/namespace isolation")
	if len(cfg.AllowRead)+len(cfg.AllowWrite)+len(cfg.AllowExec) > 0 {
		gaps = append(gaps, fmt.Sprintf("path allowlists (%d rules)", len(cfg.AllowRead)+len(cfg.AllowWrite)+len(cfg.AllowExec)))
	}
	if cfg.Seccomp {
		gaps = append(gaps, "seccomp-notify filtering")
	}
	return &EnforcementError{Gaps: gaps, Platform: platformHelp(), cause: platformErr}
}

func platformHelp() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS: requires the Seatbelt sandbox extension API (sandbox_init)"
	case "linux":
		return "Linux: requires root, CAP_SYS_ADMIN, or unprivileged user namespaces (check /proc/sys/kernel/unprivileged_userns_clone)"
	default:
		return fmt.Sprintf("platform %s: no sandbox backend available", runtime.GOOS)
	}
}

// SetupError reports a failure during namespace/cgroup/seccomp/device/network
// setup after capability detection already succeeded — the launcher CLI maps
// this to exit code 70 (spec §6.4).
type SetupError struct {
	Stage string // e.g. "namespaces", "cgroup", "seccomp", "devices", "network"
	Err   error
}

func (e *SetupError) Error() string { return fmt.Sprintf("sandbox setup failed at %s: %v", e.Stage, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }
