//go:build darwin

package sandbox

/*
#cgo LDFLAGS: -lsandbox
#include <stdlib.h>
#include <sandbox.h>

// sandbox_init's profile argument must outlive the call but not longer.
// Flags 0 makes sandbox_init read profile as SBPL source text, which is
// what buildProfile renders (SANDBOX_NAMED would treat it as the name of a
// built-in profile instead).
static int apply_profile(const char *profile, char **errorbuf) {
	return sandbox_init(profile, 0, errorbuf);
}
*/
import "C"

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unsafe"

	"github.com/google/uuid"
)

// darwinSandbox applies a Seatbelt/SBPL profile before exec (spec §4.6),
// replacing the teacher's Apple Containers CLI wrapper per the REDESIGN
// FLAG calling for sandbox_init instead of an external container runtime.
type darwinSandbox struct {
	cfg     Config
	tmpDir  string
	name    string
	profile string
}

func newPlatform(cfg Config) (Sandbox, error) {
	dir, err := os.MkdirTemp("", "ah-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox tmpdir: %w", err)
	}
	return &darwinSandbox{
		cfg:     cfg,
		tmpDir:  dir,
		name:    "ah-" + uuid.NewString(),
		profile: buildProfile(cfg, dir),
	}, nil
}

// buildProfile renders an SBPL document: deny-by-default, then explicit
// allow rules for the read/write/exec allowlists and (optionally) network
// (spec §4.6: "(version 1)(deny default)" plus explicit allows).
func buildProfile(cfg Config, tmpDir string) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow signal (target self))\n")

	b.WriteString(sbplAllowPaths("file-read*", append(cfg.AllowRead, cfg.AllowExec...)))
	b.WriteString(sbplAllowPaths("file-write*", cfg.AllowWrite))
	b.WriteString(sbplAllowPaths("file-read* file-write*", []string{tmpDir}))
	b.WriteString("(allow file-read* (subpath \"/usr/lib\") (subpath \"/System/Library\"))\n")
	b.WriteString("(allow process-exec (subpath \"/usr/bin\") (subpath \"/bin\"))\n")
	for _, p := range cfg.AllowExec {
		b.WriteString(fmt.Sprintf("(allow process-exec (subpath %q))\n", p))
	}

	if cfg.AllowNetwork {
		b.WriteString("(allow network*)\n")
	} else {
		b.WriteString("(deny network*)\n(allow network* (local ip \"localhost:*\"))\n")
	}
	return b.String()
}

func sbplAllowPaths(op string, paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		if p == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("(allow %s (subpath %q))\n", op, p))
	}
	return b.String()
}

// applySeatbeltProfile installs the rendered profile into the current
// process via sandbox_init(3). Once applied a process can never widen its
// profile, so this must run in a freshly forked child right before exec —
// Go's os/exec can't express "run this function between fork and exec" for
// a cgo call directly, so darwinSandbox instead re-execs this binary with
// the hidden SeatbeltInitArg verb, whose handler calls
// applySeatbeltProfile(profile) then execs the real target, mirroring the
// Linux launcher's seccomp re-exec pattern.
func applySeatbeltProfile(profile string) error {
	cProfile := C.CString(profile)
	defer C.free(unsafe.Pointer(cProfile))

	var cErr *C.char
	if rc := C.apply_profile(cProfile, &cErr); rc != 0 {
		msg := "sandbox_init failed"
		if cErr != nil {
			msg = C.GoString(cErr)
			C.sandbox_free_error(cErr)
		}
		return fmt.Errorf("sandbox_init: %s", msg)
	}
	return nil
}

// SeatbeltInitArg is the hidden argv[1] verb the orchestrator re-execs
// itself with; argv[2] is the SBPL profile, argv[3:] the real command.
const SeatbeltInitArg = "_sandbox_seatbelt_init"

// RunSeatbeltInit is cmd/ah-sandbox's dispatch target for SeatbeltInitArg.
func RunSeatbeltInit(profile, name string, args []string) {
	if err := applySeatbeltProfile(profile); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
		os.Exit(70)
	}
	exe, err := exec.LookPath(name)
	if err != nil {
		exe = name
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			os.Exit(ee.ExitCode())
		}
		os.Exit(70)
	}
}

func (s *darwinSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable for seatbelt re-exec: %w", err)
	}
	wrapArgs := append([]string{SeatbeltInitArg, s.profile, name}, args...)
	cmd := exec.CommandContext(ctx, exe, wrapArgs...)
	cmd.Dir = s.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = s.tmpDir
	}
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + s.tmpDir,
		"TMPDIR=" + s.tmpDir,
	}
	return cmd, nil
}

func (s *darwinSandbox) PostStart(pid int) error { return nil }

func (s *darwinSandbox) Destroy() error {
	return os.RemoveAll(s.tmpDir)
}
