// Command ah-fs-snapshots-daemon runs the privileged snapshot daemon (spec
// §4.4.6, §6.2): a small always-on root-owned process that accepts
// zfs/btrfs management requests over a Unix socket from unprivileged
// ah-fs-adapter instances, so the filesystem adapters themselves never
// need elevated privileges.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-harbor/agent-harbor/internal/logger"
	"github.com/agent-harbor/agent-harbor/internal/snapshotdaemon"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ah-fs-snapshots-daemon:", err)
		os.Exit(70)
	}
}

func newRootCmd() *cobra.Command {
	var (
		socketPath string
		logLevel   string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "ah-fs-snapshots-daemon",
		Short: "run the privileged zfs/btrfs snapshot management daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}
			srv := snapshotdaemon.NewServer(socketPath)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				logger.For("ah-fs-snapshots-daemon").Info("shutting down")
				cancel()
			}()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", snapshotdaemon.DefaultSocketPath, "unix socket path to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional additional log file")

	return cmd
}
