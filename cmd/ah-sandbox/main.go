// Command ah-sandbox launches one process inside a namespace/Seatbelt
// sandbox per the --allow-*/--mount-rw/--overlay flag surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/agent-harbor/agent-harbor/internal/sandbox"
	"github.com/creack/pty"
	"github.com/spf13/cobra"
)

func main() {
	// Hidden re-exec verbs bypass cobra entirely: they're invoked by the
	// sandbox package itself (not a user), as argv[1], before any flag
	// parsing would make sense.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case sandbox.SeccompInitArg:
			dispatchSeccompInit(os.Args[2:])
			return
		case sandbox.SandboxInitArg:
			dispatchSandboxInit(os.Args[2:])
			return
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func dispatchSeccompInit(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "ah-sandbox: _sandbox_seccomp_init requires <fd> <cmd> [args...]")
		os.Exit(64)
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ah-sandbox: bad fd %q: %v\n", args[0], err)
		os.Exit(64)
	}
	sandbox.RunSeccompInit(cfgFromEnv(), fd, args[1], args[2:])
}

func dispatchSandboxInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "ah-sandbox: _sandbox_init requires <cmd> [args...]")
		os.Exit(64)
	}
	sandbox.RunSandboxInit(args[0], args[1:])
}

// cfgFromEnv reconstructs just the Config fields the notify filter needs
// (SeccompDebug) from the environment, since the re-exec'd process only
// inherits argv/envp, not the parent's in-memory Config value.
func cfgFromEnv() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.SeccompDebug = os.Getenv("AH_SANDBOX_SECCOMP_DEBUG") == "1"
	return cfg
}

func newRootCmd() *cobra.Command {
	var (
		root            string
		workdir         string
		allowRead       []string
		allowWrite      []string
		allowExec       []string
		allowNetwork    string
		allowContainers string
		allowKVM        string
		seccompFlag     string
		seccompDebug    string
		mountRW         []string
		overlay         []string
		level           string
		tty             bool
	)

	cmd := &cobra.Command{
		Use:   "ah-sandbox -- <command> [args...]",
		Short: "run a command under namespace/Seatbelt isolation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sandbox.DefaultConfig()
			if level != "" {
				cfg = sandbox.ParseLevel(level).Apply(cfg)
			}
			cfg.Root = root
			cfg.WorkDir = workdir
			cfg.AllowRead = append(cfg.AllowRead, allowRead...)
			cfg.AllowWrite = append(cfg.AllowWrite, allowWrite...)
			cfg.AllowExec = append(cfg.AllowExec, allowExec...)
			cfg.MountRW = append(cfg.MountRW, mountRW...)
			cfg.Overlays = append(cfg.Overlays, overlay...)

			var err error
			if allowNetwork != "" {
				if cfg.AllowNetwork, err = sandbox.ParseBool(allowNetwork); err != nil {
					return exitConfigError(err)
				}
				cfg.Network.Enabled = cfg.AllowNetwork
			}
			if allowContainers != "" {
				if cfg.AllowContainers, err = sandbox.ParseBool(allowContainers); err != nil {
					return exitConfigError(err)
				}
			}
			if allowKVM != "" {
				if cfg.AllowKVM, err = sandbox.ParseBool(allowKVM); err != nil {
					return exitConfigError(err)
				}
			}
			if seccompFlag != "" {
				if cfg.Seccomp, err = sandbox.ParseBool(seccompFlag); err != nil {
					return exitConfigError(err)
				}
			}
			if seccompDebug != "" {
				if cfg.SeccompDebug, err = sandbox.ParseBool(seccompDebug); err != nil {
					return exitConfigError(err)
				}
			}
			if cfg.SeccompDebug {
				os.Setenv("AH_SANDBOX_SECCOMP_DEBUG", "1")
			}
			cfg.TTY = tty

			return run(cfg, args[0], args[1:])
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "chroot/new-root base for the sandboxed process")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory inside the sandbox")
	cmd.Flags().StringArrayVar(&allowRead, "allow-read", nil, "path allowed for reads (repeatable)")
	cmd.Flags().StringArrayVar(&allowWrite, "allow-write", nil, "path allowed for writes (repeatable)")
	cmd.Flags().StringArrayVar(&allowExec, "allow-exec", nil, "path allowed for exec (repeatable)")
	cmd.Flags().StringVar(&allowNetwork, "allow-network", "", "yes|no|true|false|1|0")
	cmd.Flags().StringVar(&allowContainers, "allow-containers", "", "yes|no|true|false|1|0")
	cmd.Flags().StringVar(&allowKVM, "allow-kvm", "", "yes|no|true|false|1|0")
	cmd.Flags().StringVar(&seccompFlag, "seccomp", "", "yes|no|true|false|1|0")
	cmd.Flags().StringVar(&seccompDebug, "seccomp-debug", "", "yes|no|true|false|1|0")
	cmd.Flags().StringArrayVar(&mountRW, "mount-rw", nil, "path mounted read-write (repeatable)")
	cmd.Flags().StringArrayVar(&overlay, "overlay", nil, "path mounted as an overlay (repeatable)")
	cmd.Flags().StringVar(&level, "level", "", "coarse preset: strict|standard|network|privileged")
	cmd.Flags().BoolVar(&tty, "tty", false, "allocate a controlling pseudo-terminal for the sandboxed child")

	return cmd
}

// run creates the sandbox, starts the target, forwards signals, and
// forwards its exit status (spec §6.4's exit code contract: 0 clean,
// propagate child exit status, 64 config errors, 70 setup failures).
func run(cfg sandbox.Config, name string, args []string) error {
	sb, err := sandbox.New(cfg)
	if err != nil {
		return err // exitCodeFor maps *EnforcementError to 70
	}
	defer sb.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := sb.Exec(ctx, name, args)
	if err != nil {
		return err
	}

	if cfg.TTY {
		ptmx, err := pty.Start(c)
		if err != nil {
			return &sandbox.SetupError{Stage: "exec", Err: err}
		}
		defer ptmx.Close()
		go io.Copy(ptmx, os.Stdin)
		go io.Copy(os.Stdout, ptmx)
	} else {
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := c.Start(); err != nil {
			return &sandbox.SetupError{Stage: "exec", Err: err}
		}
	}
	if err := sb.PostStart(c.Process.Pid); err != nil {
		c.Process.Kill()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			c.Process.Signal(sig)
		}
	}()

	if err := c.Wait(); err != nil {
		if ee, ok := err.(exitErrorer); ok {
			os.Exit(ee.ExitCode())
		}
		return err
	}
	os.Exit(0)
	return nil
}

type exitErrorer interface{ ExitCode() int }

// exitCodeFor maps an error to the process exit code spec §6.4 requires:
// 64 for config errors, 70 for sandbox setup failures.
func exitCodeFor(err error) int {
	var enforcement *sandbox.EnforcementError
	var setup *sandbox.SetupError
	if errors.As(err, &enforcement) || errors.As(err, &setup) {
		return 70
	}
	return 64
}

func exitConfigError(err error) error {
	return fmt.Errorf("config: %w", err)
}
