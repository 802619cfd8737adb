package agentfs

import "github.com/agent-harbor/agent-harbor/internal/aherr"

// Lock implements spec §4.2.4's lock(handle, range, kind). The core never
// blocks: a conflicting request fails immediately with Busy.
func (c *Core) Lock(handle HandleId, rng ByteRange, kind LockKind) error {
	h, err := c.getHandle(handle)
	if err != nil {
		return err
	}
	if err := c.checkLockConflictForAcquire(h.file, rng, kind, handle); err != nil {
		return err
	}
	c.fileLocksMu.Lock()
	c.fileLocks[h.file] = append(c.fileLocks[h.file], heldLock{owner: handle, rng: rng, kind: kind})
	c.fileLocksMu.Unlock()
	h.mu.Lock()
	h.locks = append(h.locks, heldLock{owner: handle, rng: rng, kind: kind})
	h.mu.Unlock()
	return nil
}

// Unlock implements spec §4.2.4's unlock(handle, range): removes any held
// lock owned by handle whose range exactly matches rng.
func (c *Core) Unlock(handle HandleId, rng ByteRange) error {
	h, err := c.getHandle(handle)
	if err != nil {
		return err
	}
	c.fileLocksMu.Lock()
	locks := c.fileLocks[h.file]
	filtered := locks[:0]
	for _, l := range locks {
		if l.owner == handle && l.rng == rng {
			continue
		}
		filtered = append(filtered, l)
	}
	c.fileLocks[h.file] = filtered
	c.fileLocksMu.Unlock()

	h.mu.Lock()
	hlocks := h.locks[:0]
	for _, l := range h.locks {
		if l.rng == rng {
			continue
		}
		hlocks = append(hlocks, l)
	}
	h.locks = hlocks
	h.mu.Unlock()
	return nil
}

// checkLockConflictForAcquire enforces spec §4.2.4's overlap rule: shared
// locks may overlap other shared locks; an exclusive lock conflicts with
// any overlapping lock, held by a different handle.
func (c *Core) checkLockConflictForAcquire(n *node, rng ByteRange, kind LockKind, owner HandleId) error {
	c.fileLocksMu.Lock()
	defer c.fileLocksMu.Unlock()
	for _, l := range c.fileLocks[n] {
		if l.owner == owner {
			continue
		}
		if !l.rng.overlaps(rng) {
			continue
		}
		if kind == LockExclusive || l.kind == LockExclusive {
			return aherr.New(aherr.Busy, "lock", "", nil)
		}
	}
	return nil
}

// checkLockConflict is consulted by Write to ensure a write doesn't cross
// a byte range locked exclusively by another handle.
func (c *Core) checkLockConflict(n *node, rng ByteRange, owner HandleId) error {
	c.fileLocksMu.Lock()
	defer c.fileLocksMu.Unlock()
	for _, l := range c.fileLocks[n] {
		if l.owner == owner {
			continue
		}
		if l.kind == LockExclusive && l.rng.overlaps(rng) {
			return aherr.New(aherr.Busy, "write", "", nil)
		}
	}
	return nil
}

func (c *Core) releaseAllLocks(h *openHandle) {
	c.fileLocksMu.Lock()
	locks := c.fileLocks[h.file]
	filtered := locks[:0]
	for _, l := range locks {
		if l.owner != h.id {
			filtered = append(filtered, l)
		}
	}
	c.fileLocks[h.file] = filtered
	c.fileLocksMu.Unlock()
}
