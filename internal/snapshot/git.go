package snapshot

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// GitProvider implements spec §4.4.5: the portable fallback. Worktree mode
// creates a sibling git worktree; snapshot_now records the working tree as
// a dangling commit via `git stash create` (see DESIGN.md's Open Question
// decision — this records state without touching the index or the stash
// list, unlike a real `git stash push`).
type GitProvider struct{}

var gitSeq uint64

func (p *GitProvider) Kind() Kind { return KindGit }

// DetectCapabilities scores any git checkout 40-60: 60 when the working
// tree is clean (a cheaper, more reliable snapshot_now), 40 when dirty.
func (p *GitProvider) DetectCapabilities(repoPath string) (DetectResult, error) {
	if !isGitCheckout(repoPath) {
		return DetectResult{Kind: KindGit, Score: 0, Notes: []string{"path is not a git checkout"}}, nil
	}
	score := 60
	notes := []string{}
	if !isGitClean(repoPath) {
		score = 40
		notes = append(notes, "working tree has uncommitted changes; snapshot_now will stash-create them")
	}
	return DetectResult{Kind: KindGit, Score: score, SupportsCowOverlay: false, Notes: notes}, nil
}

func isGitCheckout(path string) bool {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--is-inside-work-tree")
	return cmd.Run() == nil
}

func isGitClean(path string) bool {
	out, err := exec.Command("git", "-C", path, "status", "--porcelain").CombinedOutput()
	return err == nil && strings.TrimSpace(string(out)) == ""
}

// PrepareWritableWorkspace creates a new git worktree at a sibling path
// (spec §4.4.5).
func (p *GitProvider) PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error) {
	if mode == ModeInPlace {
		return PreparedWorkspace{ExecPath: repoPath, Mode: ModeInPlace, Provider: KindGit}, nil
	}
	if !isGitCheckout(repoPath) {
		return PreparedWorkspace{}, aherr.New(aherr.Unsupported, "prepare_writable_workspace", repoPath, nil)
	}
	seq := atomic.AddUint64(&gitSeq, 1)
	sibling := fmt.Sprintf("%s_ah_worktree_%d", strings.TrimRight(repoPath, "/"), seq)
	cmd := exec.Command("git", "-C", repoPath, "worktree", "add", "--detach", sibling, "HEAD")
	if out, err := cmd.CombinedOutput(); err != nil {
		return PreparedWorkspace{}, aherr.New(aherr.Io, "prepare_writable_workspace", repoPath, fmt.Errorf("%s: %w", out, err))
	}
	return PreparedWorkspace{
		ExecPath:     sibling,
		Mode:         ModeWorktree,
		Provider:     KindGit,
		CleanupToken: EncodeToken(KindGit, ModeWorktree, sibling),
	}, nil
}

// SnapshotNow records the commit graph position; when the working tree is
// dirty, it additionally creates a dangling commit via `git stash create`
// so uncommitted changes are captured without mutating the index or stash
// list (spec §4.4.5, Open Question #2).
func (p *GitProvider) SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error) {
	headOut, err := exec.Command("git", "-C", ws.ExecPath, "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return SnapshotRef{}, aherr.New(aherr.Io, "snapshot_now", ws.ExecPath, err)
	}
	commit := strings.TrimSpace(string(headOut))
	metadata := map[string]string{"commit": commit}

	if !isGitClean(ws.ExecPath) {
		stashOut, err := exec.Command("git", "-C", ws.ExecPath, "stash", "create").CombinedOutput()
		if err == nil {
			if dangling := strings.TrimSpace(string(stashOut)); dangling != "" {
				metadata["dangling_commit"] = dangling
				commit = dangling
			}
		}
	}

	return SnapshotRef{ID: commit, Label: label, Provider: KindGit, Metadata: metadata}, nil
}

// MountReadonly checks the referenced commit out into a fresh detached
// worktree for inspection.
func (p *GitProvider) MountReadonly(snap SnapshotRef) (string, error) {
	seq := atomic.AddUint64(&gitSeq, 1)
	dest := fmt.Sprintf("%s/ah-git-ro-%s-%d", os.TempDir(), snap.ID[:min(8, len(snap.ID))], seq)
	cmd := exec.Command("git", "worktree", "add", "--detach", dest, snap.ID)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", aherr.New(aherr.Io, "mount_readonly", snap.ID, fmt.Errorf("%s: %w", out, err))
	}
	return dest, nil
}

// BranchFromSnapshot checks the referenced commit out into a new worktree.
func (p *GitProvider) BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error) {
	seq := atomic.AddUint64(&gitSeq, 1)
	dest := fmt.Sprintf("%s/ah-git-branch-%s-%d", os.TempDir(), snap.ID[:min(8, len(snap.ID))], seq)
	cmd := exec.Command("git", "worktree", "add", "--detach", dest, snap.ID)
	if out, err := cmd.CombinedOutput(); err != nil {
		return PreparedWorkspace{}, aherr.New(aherr.Io, "branch_from_snapshot", snap.ID, fmt.Errorf("%s: %w", out, err))
	}
	return PreparedWorkspace{
		ExecPath:     dest,
		Mode:         ModeWorktree,
		Provider:     KindGit,
		CleanupToken: EncodeToken(KindGit, ModeWorktree, dest),
	}, nil
}

// Cleanup removes the worktree (spec §4.4.5).
func (p *GitProvider) Cleanup(token string) error {
	decoded, err := DecodeToken(token)
	if err != nil {
		return err
	}
	if decoded.Kind != KindGit {
		return aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	if _, err := os.Stat(decoded.Path); os.IsNotExist(err) {
		return nil
	}
	cmd := exec.Command("git", "worktree", "remove", "--force", decoded.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return aherr.New(aherr.Io, "cleanup", decoded.Path, fmt.Errorf("%s: %w", out, err))
	}
	return nil
}
