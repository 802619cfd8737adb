// Package agentfs implements the AgentFS Core: the branch/snapshot engine
// described in spec §4.2. It maintains a versioned tree of directory
// entries and file handles on top of a content-addressed Storage Backend,
// exposing POSIX-shaped operations scoped to a per-process branch binding.
package agentfs

import (
	"os"
	"sync"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

// branchState is the mutable record of one branch: its current root node
// and the snapshot (if any) it was created from.
type branchState struct {
	mu        sync.RWMutex
	root      *node
	parent    SnapshotId
	hasParent bool
	name      string
}

// openHandle is the Core-side state behind a HandleId (spec §3).
type openHandle struct {
	id      HandleId
	branch  BranchId
	path    string
	file    *node // the file node open at open() time; re-resolved on CoW
	stream  string
	options OpenOptions
	share   ShareSet

	mu     sync.Mutex
	offset int64
	locks  []heldLock
}

type heldLock struct {
	owner HandleId
	rng   ByteRange
	kind  LockKind
}

// Core is the top-level AgentFS engine: branches, snapshots, handles, and
// process bindings, all backed by a single storage.Backend.
type Core struct {
	cfg     Config
	backend *storage.Backend
	events  *eventBus

	mu            sync.RWMutex
	branches      map[BranchId]*branchState
	snapshots     map[SnapshotId]*node
	snapshotOrder []SnapshotId
	snapshotNames map[SnapshotId]string

	bindingsMu sync.RWMutex
	bindings   map[int]BranchId

	handlesMu sync.RWMutex
	handles   map[HandleId]*openHandle

	// fileLocksMu guards the per-node lock lists, keyed by the file
	// node's identity pointer — byte-range locks are node-scoped, not
	// handle-scoped, so two handles on the same node see each other's
	// locks (spec §4.2.4).
	fileLocksMu sync.Mutex
	fileLocks   map[*node][]heldLock
}

// New creates a Core with the reserved default root branch already present
// (spec §4.2.2: "implicitly created at startup and cannot be destroyed").
func New(cfg Config, backend *storage.Backend) *Core {
	c := &Core{
		cfg:           cfg,
		backend:       backend,
		events:        newEventBus(cfg.TrackEvents),
		branches:      make(map[BranchId]*branchState),
		snapshots:     make(map[SnapshotId]*node),
		snapshotNames: make(map[SnapshotId]string),
		bindings:      make(map[int]BranchId),
		handles:       make(map[HandleId]*openHandle),
		fileLocks:     make(map[*node][]heldLock),
	}
	root := newDirNode(0o755)
	c.branches[BranchId{}] = &branchState{root: root}
	return c
}

// Subscribe registers an event sink on the Core's event bus.
func (c *Core) Subscribe(sink EventSink) func() { return c.events.Subscribe(sink) }

// BindProcessToBranch sets the process→branch mapping (spec §4.2.2). If
// pid is 0, the caller's own PID is used.
func (c *Core) BindProcessToBranch(branch BranchId, pid int) error {
	c.mu.RLock()
	_, ok := c.branches[branch]
	c.mu.RUnlock()
	if !ok {
		return aherr.New(aherr.NotFound, "bind_process_to_branch", branch.String(), nil)
	}
	if pid == 0 {
		pid = os.Getpid()
	}
	c.bindingsMu.Lock()
	c.bindings[pid] = branch
	c.bindingsMu.Unlock()
	return nil
}

// branchForPID resolves the branch bound to pid, falling back to the
// default branch when no binding exists (spec §4.2.3).
func (c *Core) branchForPID(pid int) BranchId {
	c.bindingsMu.RLock()
	defer c.bindingsMu.RUnlock()
	if b, ok := c.bindings[pid]; ok {
		return b
	}
	return BranchId{}
}

// CallingBranch returns the branch bound to the current process, per
// branchForPID's default-branch fallback.
func (c *Core) CallingBranch() BranchId {
	return c.branchForPID(os.Getpid())
}

// BranchForPID resolves the branch bound to an arbitrary pid, falling back
// to the default branch. Filesystem adapters use this instead of
// CallingBranch because the pid that matters is the one the kernel reports
// for the request (e.g. a FUSE Context.Pid), never the adapter process's
// own pid.
func (c *Core) BranchForPID(pid int) BranchId {
	return c.branchForPID(pid)
}

func (c *Core) getBranch(id BranchId) (*branchState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bs, ok := c.branches[id]
	if !ok {
		return nil, aherr.New(aherr.NotFound, "branch", id.String(), nil)
	}
	return bs, nil
}

// SnapshotCreate seals every ContentId reachable from branch's root and
// records an immutable tree pointer (spec §4.2.2).
func (c *Core) SnapshotCreate(branch BranchId, label string) (SnapshotId, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return SnapshotId{}, err
	}

	c.mu.Lock()
	if c.cfg.Limits.MaxSnapshots > 0 && len(c.snapshots) >= c.cfg.Limits.MaxSnapshots {
		c.mu.Unlock()
		return SnapshotId{}, aherr.New(aherr.NoSpace, "snapshot_create", "", nil)
	}
	c.mu.Unlock()

	bs.mu.RLock()
	root := bs.root
	bs.mu.RUnlock()

	root.seal()
	sealContentTree(root, c.backend)

	id := newSnapshotID()
	c.mu.Lock()
	c.snapshots[id] = root
	c.snapshotOrder = append(c.snapshotOrder, id)
	if label != "" {
		c.snapshotNames[id] = label
	}
	c.mu.Unlock()

	c.events.publish(Event{Kind: EventSnapshotCreated, Snapshot: id, Name: label})
	return id, nil
}

// sealContentTree seals every file's ContentId reachable from root so that
// subsequent CoW clones can rely on the storage backend's sealed-only
// precondition.
func sealContentTree(n *node, backend *storage.Backend) {
	n.mu.RLock()
	kind := n.kind
	content := n.content
	ads := n.ads
	children := make([]*node, 0, len(n.children))
	for _, ce := range n.children {
		children = append(children, ce.node)
	}
	n.mu.RUnlock()

	if kind == KindFile {
		backend.Seal(content)
		for _, streamID := range ads {
			backend.Seal(streamID)
		}
	}
	for _, c := range children {
		sealContentTree(c, backend)
	}
}

// SnapshotList lists known snapshots in creation order (spec §4.2.2).
func (c *Core) SnapshotList() []SnapshotInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SnapshotInfo, 0, len(c.snapshotOrder))
	for _, id := range c.snapshotOrder {
		out = append(out, SnapshotInfo{ID: id, Name: c.snapshotNames[id]})
	}
	return out
}

// BranchCreateFromSnapshot creates a writable branch whose initial tree
// equals snap's tree (spec §4.2.2). The new branch shares all nodes with
// the snapshot until first mutation.
func (c *Core) BranchCreateFromSnapshot(snap SnapshotId, name string) (BranchId, error) {
	c.mu.Lock()
	root, ok := c.snapshots[snap]
	if !ok {
		c.mu.Unlock()
		return BranchId{}, aherr.New(aherr.NotFound, "branch_create_from_snapshot", snap.String(), nil)
	}
	if c.cfg.Limits.MaxBranches > 0 && len(c.branches) >= c.cfg.Limits.MaxBranches {
		c.mu.Unlock()
		return BranchId{}, aherr.New(aherr.NoSpace, "branch_create_from_snapshot", "", nil)
	}
	id := newBranchID()
	c.branches[id] = &branchState{root: root, parent: snap, hasParent: true, name: name}
	c.mu.Unlock()

	c.events.publish(Event{Kind: EventBranchCreated, Branch: id, Name: name})
	return id, nil
}

// BranchList returns a summary of every live branch (spec §4.2.2).
func (c *Core) BranchList() []BranchInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BranchInfo, 0, len(c.branches))
	for id, bs := range c.branches {
		out = append(out, BranchInfo{ID: id, Parent: bs.parent, HasParent: bs.hasParent, Name: bs.name})
	}
	return out
}

// DestroyBranch removes a branch. The reserved default branch cannot be
// destroyed (spec §4.2.2).
func (c *Core) DestroyBranch(id BranchId) error {
	if id.IsDefault() {
		return aherr.New(aherr.InvalidArgument, "destroy_branch", id.String(), nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.branches[id]; !ok {
		return aherr.New(aherr.NotFound, "destroy_branch", id.String(), nil)
	}
	delete(c.branches, id)
	return nil
}
