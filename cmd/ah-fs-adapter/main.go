// Command ah-fs-adapter mounts AgentFS Core as a real filesystem (spec
// §4.3): FUSE on Linux, WinFsp on Windows, and (once a binding exists)
// FSKit on macOS, all driven by the same fsadapter.Serve entry point.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
	"github.com/agent-harbor/agent-harbor/internal/fsadapter"
	"github.com/agent-harbor/agent-harbor/internal/logger"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ah-fs-adapter:", err)
		os.Exit(70)
	}
}

func newRootCmd() *cobra.Command {
	var (
		mountpoint   string
		maxMemory    int64
		spillDir     string
		logLevel     string
		logFile      string
		caseFold     bool
	)

	cmd := &cobra.Command{
		Use:   "ah-fs-adapter --mountpoint <path>",
		Short: "mount an AgentFS Core branch tree as a real filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mountpoint == "" {
				return fmt.Errorf("--mountpoint is required")
			}
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}

			backend, err := storage.New(storage.Config{
				MaxBytesInMemory: maxMemory,
				SpillDirectory:   spillDir,
			})
			if err != nil {
				return err
			}

			caseSensitivity := defaultCaseSensitivity()
			if caseFold {
				caseSensitivity = agentfs.CaseInsensitivePreserving
			}
			core := agentfs.New(agentfs.DefaultConfig(caseSensitivity), backend)

			log := logger.For("ah-fs-adapter")
			log.Info("mounting", "mountpoint", mountpoint, "os", runtime.GOOS)
			return fsadapter.Serve(mountpoint, core)
		},
	}

	cmd.Flags().StringVar(&mountpoint, "mountpoint", "", "directory (or drive letter on Windows) to mount at")
	cmd.Flags().Int64Var(&maxMemory, "max-memory-bytes", 0, "cap on in-memory content before spilling, 0 = unlimited")
	cmd.Flags().StringVar(&spillDir, "spill-directory", "", "directory for the disk-backed LRU spill index")
	cmd.Flags().BoolVar(&caseFold, "case-insensitive", false, "force case-insensitive-preserving lookup regardless of platform default")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional additional log file")

	return cmd
}

// defaultCaseSensitivity mirrors spec §4.2's platform defaults: case
// sensitive on Linux, case-insensitive-preserving on Windows and macOS.
func defaultCaseSensitivity() agentfs.CaseSensitivity {
	if runtime.GOOS == "linux" {
		return agentfs.CaseSensitive
	}
	return agentfs.CaseInsensitivePreserving
}
