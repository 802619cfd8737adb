package agentfs

import (
	"strings"
	"sync"
	"time"

	"github.com/agent-harbor/agent-harbor/internal/storage"
)

// maxSymlinkDepth bounds symlink resolution (spec §4.2.3).
const maxSymlinkDepth = 40

// node is the unit of copy-on-write sharing: a directory, file, or symlink.
// Unmodified subtrees are shared by pointer across branches/snapshots;
// mutation clones the node (and every ancestor down to the branch root)
// before applying the change, per spec §3's CoW rule.
type node struct {
	mu   sync.RWMutex
	kind NodeKind

	// file
	content storage.ContentId
	ads     map[string]storage.ContentId // alternate data streams

	// directory
	children map[string]*childEntry

	// symlink
	target string

	xattrs map[string][]byte

	mode      uint32
	uid       uint32
	gid       uint32
	atime     time.Time
	mtime     time.Time
	ctime     time.Time
	birthtime time.Time

	sealed bool // true once reachable from a snapshot's frozen root
}

// childEntry pairs the originally-stored name with the child node pointer,
// so insensitive-preserving lookup can fold on comparison while readdir
// still returns the stored casing (spec §3's "Case policy per volume").
type childEntry struct {
	storedName string
	node       *node
}

func newDirNode(mode uint32) *node {
	now := time.Now()
	return &node{
		kind:      KindDirectory,
		children:  make(map[string]*childEntry),
		mode:      mode,
		atime:     now,
		mtime:     now,
		ctime:     now,
		birthtime: now,
	}
}

func newFileNode(content storage.ContentId, mode uint32) *node {
	now := time.Now()
	return &node{
		kind:      KindFile,
		content:   content,
		mode:      mode,
		atime:     now,
		mtime:     now,
		ctime:     now,
		birthtime: now,
	}
}

func newSymlinkNode(target string) *node {
	now := time.Now()
	return &node{
		kind:      KindSymlink,
		target:    target,
		mode:      0o777,
		atime:     now,
		mtime:     now,
		ctime:     now,
		birthtime: now,
	}
}

// clone returns a shallow, unsealed copy of n: directory children maps are
// copied (so inserts/removes in the clone don't mutate the original) but
// the child node pointers themselves are shared until they too are
// individually mutated — the essence of CoW.
func (n *node) clone() *node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := &node{
		kind:      n.kind,
		content:   n.content,
		target:    n.target,
		mode:      n.mode,
		uid:       n.uid,
		gid:       n.gid,
		atime:     n.atime,
		mtime:     n.mtime,
		ctime:     n.ctime,
		birthtime: n.birthtime,
	}
	if n.children != nil {
		c.children = make(map[string]*childEntry, len(n.children))
		for k, v := range n.children {
			ce := *v
			c.children[k] = &ce
		}
	}
	if n.ads != nil {
		c.ads = make(map[string]storage.ContentId, len(n.ads))
		for k, v := range n.ads {
			c.ads[k] = v
		}
	}
	if n.xattrs != nil {
		c.xattrs = make(map[string][]byte, len(n.xattrs))
		for k, v := range n.xattrs {
			c.xattrs[k] = append([]byte(nil), v...)
		}
	}
	return c
}

// seal marks n and, recursively, every reachable descendant as sealed. It
// is idempotent and stops recursing into already-sealed subtrees, since a
// sealed subtree's descendants must already be sealed (snapshots nest).
func (n *node) seal() {
	n.mu.Lock()
	if n.sealed {
		n.mu.Unlock()
		return
	}
	n.sealed = true
	children := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c.node)
	}
	n.mu.Unlock()
	for _, c := range children {
		c.seal()
	}
}

func foldKey(name string, cs CaseSensitivity) string {
	if cs == CaseInsensitivePreserving {
		return strings.ToLower(name)
	}
	return name
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// lookupChild finds a child of a directory node by name, honoring case
// policy. Children are always keyed by their folded name (a no-op fold
// under CaseSensitive), so lookup is a direct map access either way.
// Caller must hold at least a read lock on dir.
func (dir *node) lookupChild(name string, cs CaseSensitivity) *childEntry {
	return dir.children[foldKey(name, cs)]
}
