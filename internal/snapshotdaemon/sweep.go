package snapshotdaemon

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-harbor/agent-harbor/internal/logger"
)

// CleanupFunc drives a provider's cleanup(token) for one persisted token.
// Kept as a function type (rather than importing internal/snapshot
// directly) so this package has no dependency on the provider layer —
// the caller supplies the provider dispatch. No command under cmd/ calls
// SweepOrphans.
type CleanupFunc func(token string) error

// SweepOrphans implements the Supplemented Feature orphan-sweeper: it
// reads every "*.tokens" file under tokenDir (spec §6.5's persisted state
// layout — one plain-text token per line) and invokes cleanup for each,
// removing the line from the file once cleanup returns nil (provider
// cleanups return nil for already-absent resources, per Testable Property
// 7). A token whose cleanup returns any error, InvalidArgument included,
// is left in place for the next sweep.
func SweepOrphans(tokenDir string, cleanup CleanupFunc) (swept int, err error) {
	log := logger.For("snapshotdaemon.sweep")
	entries, err := os.ReadDir(tokenDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tokens") {
			continue
		}
		path := filepath.Join(tokenDir, entry.Name())
		remaining, n, sweepErr := sweepFile(path, cleanup, log)
		swept += n
		if sweepErr != nil {
			log.Warn("sweep file failed", "path", path, "error", sweepErr)
			continue
		}
		if len(remaining) == 0 {
			os.Remove(path)
		} else {
			os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0o644)
		}
	}
	return swept, nil
}

func sweepFile(path string, cleanup CleanupFunc, log interface {
	Warn(string, ...any)
}) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var remaining []string
	swept := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		if err := cleanup(token); err != nil {
			log.Warn("cleanup failed, will retry next sweep", "token", token, "error", err)
			remaining = append(remaining, token)
			continue
		}
		swept++
	}
	return remaining, swept, scanner.Err()
}
