package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"golang.org/x/sync/errgroup"
)

// copyTreeConcurrency bounds how many files copyTree copies at once: file
// copies are I/O-bound and independent once the directory structure and
// symlinks are laid down, so they run through an errgroup instead of one
// at a time.
const copyTreeConcurrency = 8

// CopyProvider implements spec §4.4.6: the last-resort provider, a plain
// recursive file copy with no CoW semantics whatsoever. It is disabled by
// default (Enabled must be set explicitly) since its cost is O(tree size)
// on every prepare/branch/snapshot call, and DetectCapabilities always
// returns the floor score so it is only ever chosen when every other
// provider scores zero.
type CopyProvider struct {
	Enabled bool
}

var copySeq uint64

func (p *CopyProvider) Kind() Kind { return KindCopy }

// DetectCapabilities always succeeds at the lowest possible score: Copy
// works on any path but should never be picked over a real CoW provider.
func (p *CopyProvider) DetectCapabilities(repoPath string) (DetectResult, error) {
	if !p.Enabled {
		return DetectResult{Kind: KindCopy, Score: 0, Notes: []string{"copy provider disabled"}}, nil
	}
	if _, err := os.Stat(repoPath); err != nil {
		return DetectResult{Kind: KindCopy, Score: 0, Notes: []string{"path does not exist"}}, nil
	}
	return DetectResult{Kind: KindCopy, Score: 1, SupportsCowOverlay: false}, nil
}

// PrepareWritableWorkspace recursively copies repoPath to a sibling
// directory (spec §4.4.6).
func (p *CopyProvider) PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error) {
	if mode == ModeInPlace {
		return PreparedWorkspace{ExecPath: repoPath, Mode: ModeInPlace, Provider: KindCopy}, nil
	}
	seq := atomic.AddUint64(&copySeq, 1)
	dest := fmt.Sprintf("%s_ah_copy_%d", filepath.Clean(repoPath), seq)
	if err := copyTree(repoPath, dest); err != nil {
		return PreparedWorkspace{}, aherr.New(aherr.Io, "prepare_writable_workspace", repoPath, err)
	}
	return PreparedWorkspace{
		ExecPath:     dest,
		Mode:         ModeCopy,
		Provider:     KindCopy,
		CleanupToken: EncodeToken(KindCopy, ModeCopy, dest),
	}, nil
}

// SnapshotNow copies the current workspace aside as an immutable reference
// copy; there is no underlying point-in-time primitive to rely on.
func (p *CopyProvider) SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error) {
	seq := atomic.AddUint64(&copySeq, 1)
	dest := fmt.Sprintf("%s_snap_%d", ws.ExecPath, seq)
	if err := copyTree(ws.ExecPath, dest); err != nil {
		return SnapshotRef{}, aherr.New(aherr.Io, "snapshot_now", ws.ExecPath, err)
	}
	if err := os.Chmod(dest, 0o555); err != nil {
		return SnapshotRef{}, aherr.New(aherr.Io, "snapshot_now", dest, err)
	}
	return SnapshotRef{ID: dest, Label: label, Provider: KindCopy}, nil
}

func (p *CopyProvider) MountReadonly(snap SnapshotRef) (string, error) {
	return snap.ID, nil
}

// BranchFromSnapshot copies the read-only snapshot into a fresh writable
// tree.
func (p *CopyProvider) BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error) {
	seq := atomic.AddUint64(&copySeq, 1)
	dest := fmt.Sprintf("%s_branch_%d", snap.ID, seq)
	if err := copyTree(snap.ID, dest); err != nil {
		return PreparedWorkspace{}, aherr.New(aherr.Io, "branch_from_snapshot", snap.ID, err)
	}
	return PreparedWorkspace{
		ExecPath:     dest,
		Mode:         ModeCopy,
		Provider:     KindCopy,
		CleanupToken: EncodeToken(KindCopy, ModeCopy, dest),
	}, nil
}

// Cleanup removes the copied tree (spec §4.4.6).
func (p *CopyProvider) Cleanup(token string) error {
	decoded, err := DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Kind != KindCopy {
		return aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	if _, err := os.Stat(decoded.Path); os.IsNotExist(err) {
		return nil
	}
	os.Chmod(decoded.Path, 0o755)
	if err := os.RemoveAll(decoded.Path); err != nil {
		return aherr.New(aherr.Io, "cleanup", decoded.Path, err)
	}
	return nil
}

// copyTree walks src sequentially to recreate directories and symlinks (both
// must exist before any file beneath them can be written), then copies
// regular files through a bounded errgroup so independent files transfer in
// parallel instead of one at a time.
func copyTree(src, dst string) error {
	g := new(errgroup.Group)
	g.SetLimit(copyTreeConcurrency)

	walkErr := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			perm := info.Mode().Perm()
			g.Go(func() error {
				return copyFile(path, target, perm)
			})
			return nil
		}
	})
	if walkErr != nil {
		g.Wait()
		return walkErr
	}
	return g.Wait()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
