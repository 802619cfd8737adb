package snapshot

import (
	"fmt"
	"os/exec"
	"sync/atomic"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/snapshotdaemon"
)

// BtrfsProvider implements spec §4.4.4: CowOverlay via a read-only
// `btrfs subvolume snapshot`, delegated to the privileged daemon.
type BtrfsProvider struct {
	Client *snapshotdaemon.Client
}

var btrfsSeq uint64

func (p *BtrfsProvider) Kind() Kind { return KindBtrfs }

// DetectCapabilities detects subvolume presence (spec §4.4.4). Scores 80
// when repoPath is itself a Btrfs subvolume.
func (p *BtrfsProvider) DetectCapabilities(repoPath string) (DetectResult, error) {
	if !isBtrfsSubvolume(repoPath) {
		return DetectResult{Kind: KindBtrfs, Score: 0, Notes: []string{"path is not a Btrfs subvolume"}}, nil
	}
	return DetectResult{Kind: KindBtrfs, Score: 80, SupportsCowOverlay: true}, nil
}

func isBtrfsSubvolume(path string) bool {
	return exec.Command("btrfs", "subvolume", "show", path).Run() == nil
}

// PrepareWritableWorkspace takes a read-only snapshot at a sibling path,
// which becomes the exec_path (spec §4.4.4, scenario S2).
func (p *BtrfsProvider) PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error) {
	if mode == ModeInPlace {
		return PreparedWorkspace{ExecPath: repoPath, Mode: ModeInPlace, Provider: KindBtrfs}, nil
	}
	if !isBtrfsSubvolume(repoPath) {
		return PreparedWorkspace{}, aherr.New(aherr.Unsupported, "prepare_writable_workspace", repoPath, nil)
	}
	seq := atomic.AddUint64(&btrfsSeq, 1)
	dest := fmt.Sprintf("%s_snap_ah_%d", repoPath, seq)
	path, err := p.Client.SnapshotBtrfs(repoPath, dest)
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     path,
		Mode:         ModeCowOverlay,
		Provider:     KindBtrfs,
		CleanupToken: EncodeToken(KindBtrfs, ModeCowOverlay, path),
	}, nil
}

// SnapshotNow takes another read-only snapshot (spec §4.4.4).
func (p *BtrfsProvider) SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error) {
	seq := atomic.AddUint64(&btrfsSeq, 1)
	dest := fmt.Sprintf("%s_mid_%d", ws.ExecPath, seq)
	path, err := p.Client.SnapshotBtrfs(ws.ExecPath, dest)
	if err != nil {
		return SnapshotRef{}, err
	}
	return SnapshotRef{ID: path, Label: label, Provider: KindBtrfs}, nil
}

// MountReadonly returns the snapshot's own path: a read-only Btrfs
// snapshot is already a mounted, browsable directory.
func (p *BtrfsProvider) MountReadonly(snap SnapshotRef) (string, error) {
	return snap.ID, nil
}

// BranchFromSnapshot takes a writable snapshot from the read-only one
// (spec §4.4.4).
func (p *BtrfsProvider) BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error) {
	seq := atomic.AddUint64(&btrfsSeq, 1)
	dest := fmt.Sprintf("%s_branch_%d", snap.ID, seq)
	path, err := p.Client.CloneBtrfs(snap.ID, dest)
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     path,
		Mode:         ModeCowOverlay,
		Provider:     KindBtrfs,
		CleanupToken: EncodeToken(KindBtrfs, ModeCowOverlay, path),
	}, nil
}

// Cleanup uses `btrfs subvolume delete` (spec §4.4.4), through the daemon.
func (p *BtrfsProvider) Cleanup(token string) error {
	decoded, err := DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Kind != KindBtrfs {
		return aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	err = p.Client.DeleteBtrfs(decoded.Path)
	if err != nil && aherr.CodeOf(err) == aherr.NotFound {
		return nil
	}
	return err
}
