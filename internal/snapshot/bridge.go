package snapshot

import "github.com/agent-harbor/agent-harbor/internal/agentfs"

// BridgeForeignWorkspace watches ws.ExecPath for out-of-band mutations and
// republishes them on core's event bus against branch, for every provider
// except AgentFS itself: a Git worktree, Btrfs subvolume, or ZFS dataset is
// a plain host directory the agent can write to directly, bypassing Core's
// handle table entirely, so track_events would otherwise never see those
// writes. AgentFS-backed workspaces need no bridge since every write
// already goes through Core.
//
// Callers should Close() the returned watcher (or simply drop it if nil)
// when the PreparedWorkspace is torn down via Cleanup.
func BridgeForeignWorkspace(core *agentfs.Core, branch agentfs.BranchId, ws PreparedWorkspace) (*agentfs.ForeignWatcher, error) {
	if ws.Provider == KindAgentFs || ws.ExecPath == "" {
		return nil, nil
	}
	return agentfs.WatchForeignRoot(core, branch, ws.ExecPath)
}
