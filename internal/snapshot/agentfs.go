package snapshot

import (
	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/agentfs"
)

// AgentFsProvider implements spec §4.4.2's "AgentFS itself as a provider":
// when the workspace is already served out of an AgentFS Core (rather than
// a host filesystem), branching and snapshotting use branch_create and
// snapshot_create directly instead of shelling out to zfs/btrfs or a
// daemon. MountPath resolves a BranchId to the path the in-process FUSE/
// WinFsp/FSKit adapter currently exposes it at; it is supplied by whatever
// wires the adapter up (cmd/ah-sandbox), keeping this package free of a
// direct dependency on internal/fsadapter.
type AgentFsProvider struct {
	Core      *agentfs.Core
	MountPath func(agentfs.BranchId) string
}

func (p *AgentFsProvider) Kind() Kind { return KindAgentFs }

func (p *AgentFsProvider) mountPath(b agentfs.BranchId) string {
	if p.MountPath == nil {
		return ""
	}
	return p.MountPath(b)
}

// DetectCapabilities scores 95 whenever repoPath sits under the default
// branch's current mountpoint: the highest of any provider, since AgentFS
// needs no external snapshot mechanism at all.
func (p *AgentFsProvider) DetectCapabilities(repoPath string) (DetectResult, error) {
	root := p.mountPath(agentfs.BranchId{})
	if root == "" || !withinPath(root, repoPath) {
		return DetectResult{Kind: KindAgentFs, Score: 0, Notes: []string{"path is not served by an AgentFS mount"}}, nil
	}
	return DetectResult{Kind: KindAgentFs, Score: 95, SupportsCowOverlay: true}, nil
}

func withinPath(root, path string) bool {
	if root == path {
		return true
	}
	if len(path) > len(root) && path[:len(root)] == root && path[len(root)] == '/' {
		return true
	}
	return false
}

// PrepareWritableWorkspace snapshots the calling process's current branch
// and immediately branches from that snapshot, giving the caller an
// isolated writable branch rather than sharing the live one (spec §4.2.2).
func (p *AgentFsProvider) PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error) {
	if mode == ModeInPlace {
		return PreparedWorkspace{ExecPath: repoPath, Mode: ModeInPlace, Provider: KindAgentFs}, nil
	}
	snap, err := p.Core.SnapshotCreate(p.Core.CallingBranch(), "")
	if err != nil {
		return PreparedWorkspace{}, err
	}
	branch, err := p.Core.BranchCreateFromSnapshot(snap, "")
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     p.mountPath(branch),
		Mode:         ModeCowOverlay,
		Provider:     KindAgentFs,
		CleanupToken: EncodeToken(KindAgentFs, ModeCowOverlay, branch.String()),
	}, nil
}

// SnapshotNow calls snapshot_create on the workspace's branch directly.
func (p *AgentFsProvider) SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error) {
	decoded, err := DecodeToken(ws.CleanupToken)
	if err != nil {
		return SnapshotRef{}, err
	}
	branch, err := agentfs.ParseBranchId(decoded.Path)
	if err != nil {
		return SnapshotRef{}, aherr.New(aherr.InvalidArgument, "snapshot_now", decoded.Path, err)
	}
	snap, err := p.Core.SnapshotCreate(branch, label)
	if err != nil {
		return SnapshotRef{}, err
	}
	return SnapshotRef{ID: snap.String(), Label: label, Provider: KindAgentFs}, nil
}

// MountReadonly creates an ephemeral branch from the snapshot purely to
// obtain a browsable mountpoint, since AgentFS has no standalone read-only
// mount primitive distinct from a branch.
func (p *AgentFsProvider) MountReadonly(snap SnapshotRef) (string, error) {
	id, err := agentfs.ParseSnapshotId(snap.ID)
	if err != nil {
		return "", aherr.New(aherr.InvalidArgument, "mount_readonly", snap.ID, err)
	}
	branch, err := p.Core.BranchCreateFromSnapshot(id, "readonly-view")
	if err != nil {
		return "", err
	}
	return p.mountPath(branch), nil
}

// BranchFromSnapshot calls branch_create_from_snapshot directly (spec
// §4.2.2).
func (p *AgentFsProvider) BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error) {
	id, err := agentfs.ParseSnapshotId(snap.ID)
	if err != nil {
		return PreparedWorkspace{}, aherr.New(aherr.InvalidArgument, "branch_from_snapshot", snap.ID, err)
	}
	branch, err := p.Core.BranchCreateFromSnapshot(id, "")
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     p.mountPath(branch),
		Mode:         ModeCowOverlay,
		Provider:     KindAgentFs,
		CleanupToken: EncodeToken(KindAgentFs, ModeCowOverlay, branch.String()),
	}, nil
}

// Cleanup destroys the branch (spec §4.2.2's destroy_branch). Destroying
// the reserved default branch is rejected by Core itself, which this
// surfaces as-is rather than special-casing.
func (p *AgentFsProvider) Cleanup(token string) error {
	decoded, err := DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Kind != KindAgentFs {
		return aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	branch, err := agentfs.ParseBranchId(decoded.Path)
	if err != nil {
		return aherr.New(aherr.InvalidArgument, "cleanup", decoded.Path, err)
	}
	err = p.Core.DestroyBranch(branch)
	if err != nil && aherr.CodeOf(err) == aherr.NotFound {
		return nil
	}
	return err
}
