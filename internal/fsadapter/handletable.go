// Package fsadapter implements the thin per-OS translators between host
// kernel filesystem callbacks and AgentFS Core calls (spec §4.3): a FUSE
// adapter on Linux, a WinFsp adapter on Windows, and an FSKit adapter on
// macOS. The Linux and Windows adapters share a control-file request
// dispatcher; the Windows adapter also uses this file's handle table mapping
// adapter-scoped file descriptors to Core HandleIds, while the Linux adapter
// keeps HandleIds in go-fuse file handles. The macOS adapter refuses to
// start.
package fsadapter

import (
	"sync"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
)

// handleTable maps adapter-scoped integer handles (the uint64 fh a kernel
// FUSE/WinFsp request carries) to Core HandleIds, since the Core's HandleId
// space is process-global while each mount's kernel-facing fh numbering is
// its own (spec §4.3: "a handle table mapping adapter-scoped file
// descriptors to Core HandleIds").
type handleTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]agentfs.HandleId
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint64]agentfs.HandleId)}
}

// Register allocates a new adapter-scoped fh for a Core handle.
func (t *handleTable) Register(h agentfs.HandleId) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	fh := t.next
	t.entries[fh] = h
	return fh
}

// Lookup resolves an adapter-scoped fh back to its Core HandleId.
func (t *handleTable) Lookup(fh uint64) (agentfs.HandleId, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fh]
	return h, ok
}

// Release forgets an adapter-scoped fh (the Core handle itself is closed by
// the caller via Core.Close).
func (t *handleTable) Release(fh uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, fh)
}
