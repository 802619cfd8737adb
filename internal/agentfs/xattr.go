package agentfs

import (
	"time"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

func nowUTC() time.Time { return time.Now().UTC() }

// XattrGet implements spec §4.2.5's xattr_get.
func (c *Core) XattrGet(branch BranchId, path, name string) ([]byte, error) {
	if !c.cfg.EnableXattrs {
		return nil, aherr.New(aherr.Unsupported, "xattr_get", path, nil)
	}
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
	v, ok := n.xattrs[name]
	if !ok {
		return nil, aherr.New(aherr.NotFound, "xattr_get", name, nil)
	}
	return append([]byte(nil), v...), nil
}

// XattrSet implements spec §4.2.5's xattr_set.
func (c *Core) XattrSet(branch BranchId, path, name string, value []byte) error {
	if !c.cfg.EnableXattrs {
		return aherr.New(aherr.Unsupported, "xattr_set", path, nil)
	}
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	if err := c.ensureNodeWritable(bs, path, n); err != nil {
		return err
	}
	n, err = c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// XattrList implements spec §4.2.5's xattr_list.
func (c *Core) XattrList(branch BranchId, path string) ([]string, error) {
	if !c.cfg.EnableXattrs {
		return nil, aherr.New(aherr.Unsupported, "xattr_list", path, nil)
	}
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
	out := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		out = append(out, k)
	}
	return out, nil
}

// XattrRemove implements spec §4.2.5's xattr_remove.
func (c *Core) XattrRemove(branch BranchId, path, name string) error {
	if !c.cfg.EnableXattrs {
		return aherr.New(aherr.Unsupported, "xattr_remove", path, nil)
	}
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	if err := c.ensureNodeWritable(bs, path, n); err != nil {
		return err
	}
	n, err = c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.xattrs[name]; !ok {
		return aherr.New(aherr.NotFound, "xattr_remove", name, nil)
	}
	delete(n.xattrs, name)
	return nil
}

// CreateStream ensures an alternate data stream named `name` exists on the
// file at path, creating an empty one if absent (spec §4.2.5). Each stream
// is independently CoW-cloned on branch creation because it lives in the
// same per-node `ads` map that clone() deep-copies.
func (c *Core) CreateStream(branch BranchId, path, name string) error {
	if !c.cfg.EnableADS {
		return aherr.New(aherr.Unsupported, "create_stream", path, nil)
	}
	bs, err := c.getBranch(branch)
	if err != nil {
		return err
	}
	n, err := c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	if err := c.ensureNodeWritable(bs, path, n); err != nil {
		return err
	}
	n, err = c.resolveRead(bs, path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.kind != KindFile {
		return aherr.New(aherr.InvalidArgument, "create_stream", path, nil)
	}
	if n.ads == nil {
		n.ads = make(map[string]storage.ContentId)
	}
	if _, ok := n.ads[name]; ok {
		return nil
	}
	n.ads[name] = c.backend.Allocate(nil)
	return nil
}
