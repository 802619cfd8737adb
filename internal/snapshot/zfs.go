package snapshot

import (
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/snapshotdaemon"
)

// ZfsProvider implements spec §4.4.3: CowOverlay via `zfs snapshot` +
// `zfs clone` to a sibling dataset, delegated to the privileged snapshot
// daemon since both operations require elevated rights.
type ZfsProvider struct {
	Client *snapshotdaemon.Client
}

var zfsSeq uint64

func (p *ZfsProvider) Kind() Kind { return KindZfs }

// DetectCapabilities asks `zfs list` for the dataset enclosing repoPath
// (spec §4.4.3). Scores 85 when path sits on a ZFS dataset.
func (p *ZfsProvider) DetectCapabilities(repoPath string) (DetectResult, error) {
	dataset, err := zfsDatasetFor(repoPath)
	if err != nil || dataset == "" {
		return DetectResult{Kind: KindZfs, Score: 0, Notes: []string{"path is not on a ZFS dataset"}}, nil
	}
	return DetectResult{Kind: KindZfs, Score: 85, SupportsCowOverlay: true}, nil
}

func zfsDatasetFor(path string) (string, error) {
	out, err := exec.Command("zfs", "list", "-H", "-o", "name", path).CombinedOutput()
	if err != nil {
		return "", nil // absent tool/not a dataset: caller treats as score 0
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *ZfsProvider) PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error) {
	if mode == ModeInPlace {
		return PreparedWorkspace{ExecPath: repoPath, Mode: ModeInPlace, Provider: KindZfs}, nil
	}
	dataset, err := zfsDatasetFor(repoPath)
	if err != nil || dataset == "" {
		return PreparedWorkspace{}, aherr.New(aherr.Unsupported, "prepare_writable_workspace", repoPath, nil)
	}
	seq := atomic.AddUint64(&zfsSeq, 1)
	snap := fmt.Sprintf("%s@ah_%d", dataset, seq)
	clone := fmt.Sprintf("%s_ah_clone_%d", dataset, seq)

	if err := p.Client.SnapshotZfs(dataset, snap); err != nil {
		return PreparedWorkspace{}, err
	}
	mountpoint, err := p.Client.CloneZfs(snap, clone)
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     mountpoint,
		Mode:         ModeCowOverlay,
		Provider:     KindZfs,
		CleanupToken: EncodeToken(KindZfs, ModeCowOverlay, clone),
	}, nil
}

// SnapshotNow creates another `@ah_session_<uid>` snapshot on the clone
// (spec §4.4.3).
func (p *ZfsProvider) SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error) {
	decoded, err := DecodeToken(ws.CleanupToken)
	if err != nil {
		return SnapshotRef{}, err
	}
	seq := atomic.AddUint64(&zfsSeq, 1)
	snap := fmt.Sprintf("%s@ah_session_%d", decoded.Path, seq)
	if err := p.Client.SnapshotZfs(decoded.Path, snap); err != nil {
		return SnapshotRef{}, err
	}
	return SnapshotRef{ID: snap, Label: label, Provider: KindZfs}, nil
}

func (p *ZfsProvider) MountReadonly(snap SnapshotRef) (string, error) {
	return "", aherr.New(aherr.Unsupported, "mount_readonly", snap.ID, nil)
}

// BranchFromSnapshot clones the referenced snapshot into a fresh writable
// dataset.
func (p *ZfsProvider) BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error) {
	seq := atomic.AddUint64(&zfsSeq, 1)
	clone := fmt.Sprintf("%s_branch_%d", strings.SplitN(snap.ID, "@", 2)[0], seq)
	mountpoint, err := p.Client.CloneZfs(snap.ID, clone)
	if err != nil {
		return PreparedWorkspace{}, err
	}
	return PreparedWorkspace{
		ExecPath:     mountpoint,
		Mode:         ModeCowOverlay,
		Provider:     KindZfs,
		CleanupToken: EncodeToken(KindZfs, ModeCowOverlay, clone),
	}, nil
}

// Cleanup destroys snapshots and clones via `zfs destroy -r` (spec
// §4.4.3), through the daemon.
func (p *ZfsProvider) Cleanup(token string) error {
	decoded, err := DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Kind != KindZfs {
		return aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	err = p.Client.DeleteZfs(decoded.Path)
	if err != nil && aherr.CodeOf(err) == aherr.NotFound {
		// Testable Property 7: already-absent resources make cleanup a
		// no-op success, not an error.
		return nil
	}
	return err
}
