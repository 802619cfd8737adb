package agentfs

import (
	"strings"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

// resolveRead walks path from branch's current root, following symlinks in
// intermediate components up to maxSymlinkDepth, and returns the final
// node; a symlink in the final component is returned as is (Open follows
// it itself). Used by open, getattr, setattr, readdir and the xattr/stream
// operations; readlink walks the path on its own.
func (c *Core) resolveRead(bs *branchState, path string) (*node, error) {
	bs.mu.RLock()
	root := bs.root
	bs.mu.RUnlock()
	return c.resolveFrom(root, path, 0)
}

func (c *Core) resolveFrom(root *node, path string, depth int) (*node, error) {
	components := splitPath(path)
	cur := root
	for i, name := range components {
		cur.mu.RLock()
		if cur.kind != KindDirectory {
			cur.mu.RUnlock()
			return nil, aherr.New(aherr.NotFound, "resolve", path, nil)
		}
		ce := cur.lookupChild(name, c.cfg.CaseSensitivity)
		cur.mu.RUnlock()
		if ce == nil {
			return nil, aherr.New(aherr.NotFound, "resolve", path, nil)
		}
		next := ce.node
		next.mu.RLock()
		kind := next.kind
		target := next.target
		next.mu.RUnlock()
		if kind == KindSymlink && i != len(components)-1 {
			if depth >= maxSymlinkDepth {
				return nil, aherr.New(aherr.InvalidArgument, "resolve", path, nil)
			}
			resolved, err := c.resolveSymlink(root, target, depth+1)
			if err != nil {
				return nil, err
			}
			cur = resolved
			continue
		}
		cur = next
	}
	return cur, nil
}

func (c *Core) resolveSymlink(root *node, target string, depth int) (*node, error) {
	if depth >= maxSymlinkDepth {
		return nil, aherr.New(aherr.InvalidArgument, "resolve", target, nil)
	}
	if strings.HasPrefix(target, "/") {
		return c.resolveFrom(root, target, depth)
	}
	return c.resolveFrom(root, target, depth)
}

// cowResolveParent walks to the parent directory of the final path
// component, cloning any sealed node along the way so the returned
// directory (and every ancestor up to bs.root) is writable. The walk and
// its clones are serialized by bs.mu, which is released on return; the
// caller's mutation of the returned parent is guarded by that parent's own
// lock. Reads on other branches (and on already-resolved nodes in this
// branch) proceed concurrently via each node's own RWMutex.
func (c *Core) cowResolveParent(bs *branchState, path string) (*node, []string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, nil, aherr.New(aherr.InvalidArgument, "resolve", path, nil)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.root.sealed {
		bs.root = bs.root.clone()
	}
	cur := bs.root
	for _, name := range components[:len(components)-1] {
		cur.mu.Lock()
		if cur.kind != KindDirectory {
			cur.mu.Unlock()
			return nil, nil, aherr.New(aherr.NotFound, "resolve", path, nil)
		}
		ce := cur.lookupChild(name, c.cfg.CaseSensitivity)
		if ce == nil {
			cur.mu.Unlock()
			return nil, nil, aherr.New(aherr.NotFound, "resolve", path, nil)
		}
		ce.node.mu.RLock()
		sealed := ce.node.sealed
		ce.node.mu.RUnlock()
		if sealed {
			ce.node = ce.node.clone()
		}
		next := ce.node
		cur.mu.Unlock()
		cur = next
	}
	return cur, components, nil
}

// Open implements spec §4.2.3's open(path, options). The caller supplies
// the branch bound to its own process.
func (c *Core) Open(branch BranchId, path string, opts OpenOptions) (HandleId, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return 0, err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		if opts.Create {
			return c.Create(branch, path, opts)
		}
		return 0, err
	}
	// Follow a symlink in the final component; the handle records the target path.
	for depth := 0; ; depth++ {
		n.mu.RLock()
		isLink, target := n.kind == KindSymlink, n.target
		n.mu.RUnlock()
		if !isLink {
			break
		}
		if depth >= maxSymlinkDepth {
			return 0, aherr.New(aherr.InvalidArgument, "open", path, nil)
		}
		path = target
		if n, err = c.resolveRead(bs, path); err != nil {
			return 0, err
		}
	}
	n.mu.RLock()
	kind := n.kind
	n.mu.RUnlock()
	if kind != KindFile {
		return 0, aherr.New(aherr.InvalidArgument, "open", path, nil)
	}
	if err := c.checkShareConflict(n, opts); err != nil {
		return 0, err
	}
	if opts.Truncate {
		if err := c.truncateNode(bs, path, n, 0); err != nil {
			return 0, err
		}
	}
	return c.registerHandle(branch, path, n, opts), nil
}

// Create implements spec §4.2.3's create(path, options).
func (c *Core) Create(branch BranchId, path string, opts OpenOptions) (HandleId, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return 0, err
	}
	parent, components, err := c.cowResolveParent(bs, path)
	if err != nil {
		return 0, err
	}
	name := components[len(components)-1]

	parent.mu.Lock()
	if parent.kind != KindDirectory {
		parent.mu.Unlock()
		return 0, aherr.New(aherr.InvalidArgument, "create", path, nil)
	}
	if existing := parent.lookupChild(name, c.cfg.CaseSensitivity); existing != nil {
		existing.node.mu.RLock()
		kind := existing.node.kind
		fileNode := existing.node
		existing.node.mu.RUnlock()
		parent.mu.Unlock()
		if kind != KindFile {
			return 0, aherr.New(aherr.AlreadyExists, "create", path, nil)
		}
		if err := c.checkShareConflict(fileNode, opts); err != nil {
			return 0, err
		}
		return c.registerHandle(branch, path, fileNode, opts), nil
	}

	mode := opts.Mode
	if mode == 0 {
		mode = c.cfg.Security.DefaultMode
	}
	content := c.backend.Allocate(nil)
	fn := newFileNode(content, mode)
	if opts.Stream != "" {
		if !c.cfg.EnableADS {
			parent.mu.Unlock()
			return 0, aherr.New(aherr.Unsupported, "create", path, nil)
		}
		fn.ads = map[string]storage.ContentId{opts.Stream: c.backend.Allocate(nil)}
	}
	parent.children[foldKey(name, c.cfg.CaseSensitivity)] = &childEntry{storedName: name, node: fn}
	parent.mtime = nowUTC()
	parent.mu.Unlock()

	c.events.publish(Event{Kind: EventCreated, Path: path})
	return c.registerHandle(branch, path, fn, opts), nil
}

func (c *Core) checkShareConflict(n *node, opts OpenOptions) error {
	share := opts.Share
	if share == nil {
		share = ShareSet{ShareRead: true, ShareWrite: true, ShareDelete: true}
	}
	c.handlesMu.RLock()
	defer c.handlesMu.RUnlock()
	for _, h := range c.handles {
		if h.file != n {
			continue
		}
		if !share.Intersects(h.share) {
			return aherr.New(aherr.Busy, "open", "", nil)
		}
	}
	return nil
}

func (c *Core) registerHandle(branch BranchId, path string, n *node, opts OpenOptions) HandleId {
	share := opts.Share
	if share == nil {
		share = ShareSet{ShareRead: true, ShareWrite: true, ShareDelete: true}
	}
	h := &openHandle{
		id:      newHandleID(),
		branch:  branch,
		path:    path,
		file:    n,
		stream:  opts.Stream,
		options: opts,
		share:   share,
	}
	c.handlesMu.Lock()
	c.handles[h.id] = h
	c.handlesMu.Unlock()
	return h.id
}

func (c *Core) getHandle(id HandleId) (*openHandle, error) {
	c.handlesMu.RLock()
	defer c.handlesMu.RUnlock()
	h, ok := c.handles[id]
	if !ok {
		return nil, aherr.New(aherr.NotFound, "handle", "", nil)
	}
	return h, nil
}

// Close releases a handle and its byte-range locks (spec §4.2.3).
func (c *Core) Close(handle HandleId) error {
	h, err := c.getHandle(handle)
	if err != nil {
		return err
	}
	c.releaseAllLocks(h)
	c.handlesMu.Lock()
	delete(c.handles, handle)
	c.handlesMu.Unlock()
	return nil
}

func (c *Core) contentID(h *openHandle) (storage.ContentId, error) {
	h.file.mu.RLock()
	defer h.file.mu.RUnlock()
	if h.stream == "" {
		return h.file.content, nil
	}
	id, ok := h.file.ads[h.stream]
	if !ok {
		return 0, aherr.New(aherr.NotFound, "stream", h.stream, nil)
	}
	return id, nil
}

// Read implements spec §4.2.3's read(handle, offset, buf).
func (c *Core) Read(handle HandleId, offset int64, buf []byte) (int, error) {
	h, err := c.getHandle(handle)
	if err != nil {
		return 0, err
	}
	id, err := c.contentID(h)
	if err != nil {
		return 0, err
	}
	return c.backend.Read(id, offset, buf)
}

// Write implements spec §4.2.3's write(handle, offset, data). append
// forces writes to the current end of file regardless of offset.
func (c *Core) Write(handle HandleId, offset int64, data []byte) (int, error) {
	h, err := c.getHandle(handle)
	if err != nil {
		return 0, err
	}
	if err := c.ensureHandleWritable(h); err != nil {
		return 0, err
	}
	id, err := c.contentID(h)
	if err != nil {
		return 0, err
	}
	if h.options.Append {
		l, err := c.backend.Len(id)
		if err != nil {
			return 0, err
		}
		offset = l
	}
	if err := c.checkLockConflict(h.file, ByteRange{Offset: offset, Len: int64(len(data))}, handle); err != nil {
		return 0, err
	}
	n, err := c.backend.Write(id, offset, data)
	if err == nil {
		h.file.mu.Lock()
		h.file.mtime = nowUTC()
		h.file.mu.Unlock()
		c.events.publish(Event{Kind: EventModified, Path: h.path})
	}
	return n, err
}

// ensureHandleWritable re-resolves the handle's file node through a
// CoW-aware path if the underlying node has since been sealed by a
// concurrent snapshot_create, cloning it (and the path down to it) so the
// write lands in this branch's own copy, never the frozen snapshot.
func (c *Core) ensureHandleWritable(h *openHandle) error {
	h.file.mu.RLock()
	sealed := h.file.sealed
	h.file.mu.RUnlock()
	if !sealed {
		return nil
	}
	bs, err := c.getBranch(h.branch)
	if err != nil {
		return err
	}
	parent, components, err := c.cowResolveParent(bs, h.path)
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	parent.mu.Lock()
	ce := parent.lookupChild(name, c.cfg.CaseSensitivity)
	if ce == nil {
		parent.mu.Unlock()
		return aherr.New(aherr.NotFound, "write", h.path, nil)
	}
	ce.node.mu.RLock()
	nodeSealed := ce.node.sealed
	ce.node.mu.RUnlock()
	if nodeSealed {
		clone := ce.node.clone()
		newContent, err := c.backend.CloneCow(clone.content)
		if err != nil {
			parent.mu.Unlock()
			return err
		}
		clone.content = newContent
		for stream, id := range clone.ads {
			nc, err := c.backend.CloneCow(id)
			if err == nil {
				clone.ads[stream] = nc
			}
		}
		ce.node = clone
	}
	h.file = ce.node
	parent.mu.Unlock()
	return nil
}

// truncateNode resizes a file's content, CoW-cloning it first if sealed.
func (c *Core) truncateNode(bs *branchState, path string, n *node, newLen int64) error {
	n.mu.RLock()
	sealed := n.sealed
	content := n.content
	n.mu.RUnlock()
	if sealed {
		parent, components, err := c.cowResolveParent(bs, path)
		if err != nil {
			return err
		}
		name := components[len(components)-1]
		parent.mu.Lock()
		ce := parent.lookupChild(name, c.cfg.CaseSensitivity)
		clone := ce.node.clone()
		newContent, err := c.backend.CloneCow(clone.content)
		if err != nil {
			parent.mu.Unlock()
			return err
		}
		clone.content = newContent
		ce.node = clone
		parent.mu.Unlock()
		content = newContent
	}
	return c.backend.Truncate(content, newLen)
}

// GetAttr implements spec §4.2.3's getattr(path).
func (c *Core) GetAttr(branch BranchId, path string) (Attributes, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return Attributes{}, err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return Attributes{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	attrs := Attributes{
		Kind: n.kind, Mode: n.mode, UID: n.uid, GID: n.gid,
		Atime: n.atime, Mtime: n.mtime, Ctime: n.ctime, Birthtime: n.birthtime,
	}
	if n.kind == KindFile {
		if l, err := c.backend.Len(n.content); err == nil {
			attrs.Size = l
		}
	} else if n.kind == KindSymlink {
		attrs.Size = int64(len(n.target))
	}
	return attrs, nil
}

// SetAttr implements spec §4.2.3's setattr(path, changes).
func (c *Core) SetAttr(branch BranchId, path string, changes SetAttrChanges) error {
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	if n.kind != KindDirectory {
		if err := c.ensureNodeWritable(bs, path, n); err != nil {
			return err
		}
		n, err = c.resolveRead(bs, path)
		if err != nil {
			return err
		}
	}
	n.mu.Lock()
	if changes.Mode != nil {
		n.mode = *changes.Mode
	}
	if changes.UID != nil {
		n.uid = *changes.UID
	}
	if changes.GID != nil {
		n.gid = *changes.GID
	}
	if changes.Atime != nil {
		n.atime = *changes.Atime
	}
	if changes.Mtime != nil {
		n.mtime = *changes.Mtime
	}
	n.ctime = nowUTC()
	size := changes.Size
	content := n.content
	kind := n.kind
	n.mu.Unlock()

	if size != nil && kind == KindFile {
		return c.backend.Truncate(content, *size)
	}
	return nil
}

// ensureNodeWritable CoW-clones path's node (and ancestors) if sealed,
// without requiring an already-open handle.
func (c *Core) ensureNodeWritable(bs *branchState, path string, n *node) error {
	n.mu.RLock()
	sealed := n.sealed
	n.mu.RUnlock()
	if !sealed {
		return nil
	}
	parent, components, err := c.cowResolveParent(bs, path)
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	ce := parent.lookupChild(name, c.cfg.CaseSensitivity)
	if ce == nil {
		return aherr.New(aherr.NotFound, "resolve", path, nil)
	}
	ce.node.mu.RLock()
	sealed = ce.node.sealed
	ce.node.mu.RUnlock()
	if sealed {
		clone := ce.node.clone()
		if clone.kind == KindFile {
			newContent, err := c.backend.CloneCow(clone.content)
			if err != nil {
				return err
			}
			clone.content = newContent
		}
		ce.node = clone
	}
	return nil
}

// Mkdir implements spec §4.2.3's mkdir(path, mode).
func (c *Core) Mkdir(branch BranchId, path string, mode uint32) error {
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	parent, components, err := c.cowResolveParent(bs, path)
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.kind != KindDirectory {
		return aherr.New(aherr.InvalidArgument, "mkdir", path, nil)
	}
	if parent.lookupChild(name, c.cfg.CaseSensitivity) != nil {
		return aherr.New(aherr.AlreadyExists, "mkdir", path, nil)
	}
	dn := newDirNode(mode)
	parent.children[foldKey(name, c.cfg.CaseSensitivity)] = &childEntry{storedName: name, node: dn}
	parent.mtime = nowUTC()
	c.events.publish(Event{Kind: EventCreated, Path: path})
	return nil
}

// Rmdir implements spec §4.2.3's rmdir(path).
func (c *Core) Rmdir(branch BranchId, path string) error {
	return c.removeEntry(branch, path, KindDirectory)
}

// Unlink implements spec §4.2.3's unlink(path).
func (c *Core) Unlink(branch BranchId, path string) error {
	return c.removeEntry(branch, path, KindFile)
}

func (c *Core) removeEntry(branch BranchId, path string, want NodeKind) error {
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	parent, components, err := c.cowResolveParent(bs, path)
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	ce := parent.lookupChild(name, c.cfg.CaseSensitivity)
	if ce == nil {
		return aherr.New(aherr.NotFound, "remove", path, nil)
	}
	ce.node.mu.RLock()
	kind := ce.node.kind
	hasChildren := len(ce.node.children) > 0
	ce.node.mu.RUnlock()
	if want == KindDirectory && kind != KindDirectory {
		return aherr.New(aherr.InvalidArgument, "rmdir", path, nil)
	}
	if want == KindFile && kind == KindDirectory {
		return aherr.New(aherr.InvalidArgument, "unlink", path, nil)
	}
	if kind == KindDirectory && hasChildren {
		return aherr.New(aherr.InvalidArgument, "rmdir", path, nil)
	}
	delete(parent.children, foldKey(name, c.cfg.CaseSensitivity))
	parent.mtime = nowUTC()
	c.events.publish(Event{Kind: EventRemoved, Path: path})
	return nil
}

// ReadDir implements spec §4.2.3's readdir(path) → [DirEntry], returning
// entries in their originally-stored casing regardless of case policy.
func (c *Core) ReadDir(branch BranchId, path string) ([]DirEntry, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return nil, err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.kind != KindDirectory {
		return nil, aherr.New(aherr.InvalidArgument, "readdir", path, nil)
	}
	out := make([]DirEntry, 0, len(n.children))
	for _, ce := range n.children {
		ce.node.mu.RLock()
		kind := ce.node.kind
		var size int64
		if kind == KindFile {
			size, _ = c.backend.Len(ce.node.content)
		} else if kind == KindSymlink {
			size = int64(len(ce.node.target))
		}
		ce.node.mu.RUnlock()
		out = append(out, DirEntry{Name: ce.storedName, Kind: kind, Size: size})
	}
	return out, nil
}

// Rename implements spec §4.2.3's rename(from, to).
func (c *Core) Rename(branch BranchId, from, to string) error {
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	fromParent, fromComponents, err := c.cowResolveParent(bs, from)
	if err != nil {
		return err
	}
	toParent, toComponents, err := c.cowResolveParent(bs, to)
	if err != nil {
		return err
	}
	fromName := fromComponents[len(fromComponents)-1]
	toName := toComponents[len(toComponents)-1]

	fromParent.mu.Lock()
	ce := fromParent.lookupChild(fromName, c.cfg.CaseSensitivity)
	if ce == nil {
		fromParent.mu.Unlock()
		return aherr.New(aherr.NotFound, "rename", from, nil)
	}
	delete(fromParent.children, foldKey(fromName, c.cfg.CaseSensitivity))
	fromParent.mtime = nowUTC()
	fromParent.mu.Unlock()

	toParent.mu.Lock()
	if toParent.lookupChild(toName, c.cfg.CaseSensitivity) != nil {
		// POSIX rename would replace a file target; this core rejects
		// to keep rename's failure mode simple and explicit, and puts the
		// source entry back.
		toParent.mu.Unlock()
		fromParent.mu.Lock()
		fromParent.children[foldKey(fromName, c.cfg.CaseSensitivity)] = ce
		fromParent.mu.Unlock()
		return aherr.New(aherr.AlreadyExists, "rename", to, nil)
	}
	toParent.children[foldKey(toName, c.cfg.CaseSensitivity)] = &childEntry{storedName: toName, node: ce.node}
	toParent.mtime = nowUTC()
	toParent.mu.Unlock()

	c.events.publish(Event{Kind: EventRenamed, From: from, To: to})
	return nil
}

// Symlink implements spec §4.2.3's symlink(target, link).
func (c *Core) Symlink(branch BranchId, target, link string) error {
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	parent, components, err := c.cowResolveParent(bs, link)
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.lookupChild(name, c.cfg.CaseSensitivity) != nil {
		return aherr.New(aherr.AlreadyExists, "symlink", link, nil)
	}
	parent.children[foldKey(name, c.cfg.CaseSensitivity)] = &childEntry{storedName: name, node: newSymlinkNode(target)}
	parent.mtime = nowUTC()
	c.events.publish(Event{Kind: EventCreated, Path: link})
	return nil
}

// Readlink implements spec §4.2.3's readlink(path) → bytes.
func (c *Core) Readlink(branch BranchId, path string) (string, error) {
	bs, err := c.getBranch(branch)
	if err != nil {
		return "", err
	}
	components := splitPath(path)
	bs.mu.RLock()
	root := bs.root
	bs.mu.RUnlock()
	cur := root
	for i, name := range components {
		cur.mu.RLock()
		ce := cur.lookupChild(name, c.cfg.CaseSensitivity)
		cur.mu.RUnlock()
		if ce == nil {
			return "", aherr.New(aherr.NotFound, "readlink", path, nil)
		}
		if i == len(components)-1 {
			ce.node.mu.RLock()
			defer ce.node.mu.RUnlock()
			if ce.node.kind != KindSymlink {
				return "", aherr.New(aherr.InvalidArgument, "readlink", path, nil)
			}
			return ce.node.target, nil
		}
		cur = ce.node
	}
	return "", aherr.New(aherr.NotFound, "readlink", path, nil)
}
