package agentfs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// ForeignWatcher bridges mutations that happen outside AgentFS's own handle
// table — a Git worktree, Btrfs subvolume, or ZFS dataset prepared by the
// snapshot provider layer and then edited directly on disk by an agent
// process that never went through Core — into the Core event bus (spec
// §4.2.6). Without this, TrackEvents subscribers only see writes made
// through AgentFS's own Open/Write/Close path, which is every path when
// AgentFS itself is the provider but none of them when a Git/Btrfs/ZFS
// provider handed the agent a plain directory to work in.
type ForeignWatcher struct {
	core    *Core
	branch  BranchId
	root    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	closed bool
}

// WatchForeignRoot starts watching root (typically a PreparedWorkspace's
// ExecPath) for out-of-band mutations and republishes them against branch
// on core's event bus. The returned ForeignWatcher must be Close()d when
// the workspace is torn down.
func WatchForeignRoot(core *Core, branch BranchId, root string) (*ForeignWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, aherr.New(aherr.Io, "watch_foreign_root", root, err)
	}
	if err := addTreeToWatcher(w, root); err != nil {
		w.Close()
		return nil, aherr.New(aherr.Io, "watch_foreign_root", root, err)
	}

	fw := &ForeignWatcher{core: core, branch: branch, root: root, watcher: w}
	go fw.loop()
	return fw, nil
}

func addTreeToWatcher(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (fw *ForeignWatcher) loop() {
	log := logger.For("agentfs.watch")
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(ev)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", "root", fw.root, "error", err)
		}
	}
}

func (fw *ForeignWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(fw.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	path := "/" + filepath.ToSlash(rel)

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = EventCreated
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			fw.watcher.Add(ev.Name)
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = EventRemoved
	case ev.Op&fsnotify.Write != 0:
		kind = EventModified
	default:
		return
	}

	fw.core.events.publish(Event{Kind: kind, Path: path, Branch: fw.branch})
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (fw *ForeignWatcher) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return nil
	}
	fw.closed = true
	return fw.watcher.Close()
}
