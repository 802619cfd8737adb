package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/snapshotdaemon"
)

// fakeRunner drives the daemon without ever invoking real zfs/btrfs.
type fakeRunner struct {
	exists map[string]bool
}

func newFakeRunner() *fakeRunner { return &fakeRunner{exists: map[string]bool{}} }

func (f *fakeRunner) Run(name string, args ...string) error {
	switch name {
	case "btrfs":
		if len(args) >= 2 && args[0] == "subvolume" && (args[1] == "snapshot" || args[1] == "delete") {
			target := args[len(args)-1]
			f.exists["path:"+target] = args[1] == "snapshot"
			f.exists["btrfs-subvolume:"+target] = args[1] == "snapshot"
		}
	case "zfs":
		if len(args) >= 1 {
			switch args[0] {
			case "snapshot":
				f.exists["zfs-snapshot:"+args[len(args)-1]] = true
			case "clone":
				f.exists["zfs-dataset:"+args[len(args)-1]] = true
			case "destroy":
				f.exists["zfs-dataset:"+args[len(args)-1]] = false
				f.exists["zfs-snapshot:"+args[len(args)-1]] = false
			}
		}
	}
	return nil
}

func (f *fakeRunner) Exists(kind, name string) (bool, error) {
	return f.exists[kind+":"+name], nil
}

// startFakeDaemon starts a Server backed by runner on a fresh temp socket,
// returning a Client and a shutdown func.
func startFakeDaemon(t *testing.T, runner snapshotdaemon.CommandRunner) (*snapshotdaemon.Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	srv := &snapshotdaemon.Server{SocketPath: socketPath, Runner: runner}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return snapshotdaemon.NewClient(socketPath), func() {
		cancel()
		<-errCh
	}
}

// TestBtrfsProviderPreparesCowOverlayWorkspace implements Testable Scenario
// S2: preparing a writable workspace on a Btrfs subvolume yields a
// CowOverlay-mode workspace whose cleanup token later destroys it.
func TestBtrfsProviderPreparesCowOverlayWorkspace(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["btrfs-subvolume:/srv/repo"] = true
	client, stop := startFakeDaemon(t, runner)
	defer stop()

	p := &BtrfsProvider{Client: client}

	ws, err := p.PrepareWritableWorkspace("/srv/repo", ModeCowOverlay)
	if err != nil {
		t.Fatalf("PrepareWritableWorkspace: %v", err)
	}
	if ws.Mode != ModeCowOverlay {
		t.Fatalf("expected CowOverlay mode, got %v", ws.Mode)
	}
	if ws.ExecPath == "" || ws.CleanupToken == "" {
		t.Fatalf("expected non-empty exec path and cleanup token, got %+v", ws)
	}

	decoded, err := DecodeToken(ws.CleanupToken)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.Kind != KindBtrfs || decoded.Path != ws.ExecPath {
		t.Fatalf("token does not round-trip: %+v vs exec path %s", decoded, ws.ExecPath)
	}

	if err := p.Cleanup(ws.CleanupToken); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

// TestBtrfsCleanupIsIdempotent implements Testable Property 7: cleaning up
// an already-destroyed resource succeeds rather than erroring.
func TestBtrfsCleanupIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["btrfs-subvolume:/srv/repo"] = true
	client, stop := startFakeDaemon(t, runner)
	defer stop()

	p := &BtrfsProvider{Client: client}
	ws, err := p.PrepareWritableWorkspace("/srv/repo", ModeCowOverlay)
	if err != nil {
		t.Fatalf("PrepareWritableWorkspace: %v", err)
	}
	if err := p.Cleanup(ws.CleanupToken); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := p.Cleanup(ws.CleanupToken); err != nil {
		t.Fatalf("second Cleanup should be a no-op success, got: %v", err)
	}
}

// TestZfsProviderFullCycle exercises snapshot_now -> branch -> cleanup
// against the fake daemon.
func TestZfsProviderFullCycle(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["zfs-dataset:tank/repo"] = true
	runner.exists["zfs-dataset:tank/repo_ah_clone_1"] = true
	client, stop := startFakeDaemon(t, runner)
	defer stop()

	p := &ZfsProvider{Client: client}

	// DetectCapabilities shells out to the real `zfs list`, so this test
	// exercises SnapshotNow/BranchFromSnapshot/Cleanup directly against a
	// hand-built workspace rather than going through PrepareWritableWorkspace.
	ws := PreparedWorkspace{
		ExecPath:     "/tank/repo_ah_clone_1",
		Mode:         ModeCowOverlay,
		Provider:     KindZfs,
		CleanupToken: EncodeToken(KindZfs, ModeCowOverlay, "tank/repo_ah_clone_1"),
	}

	snap, err := p.SnapshotNow(ws, "checkpoint-1")
	if err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	if snap.Label != "checkpoint-1" || snap.Provider != KindZfs {
		t.Fatalf("unexpected snapshot ref: %+v", snap)
	}

	branch, err := p.BranchFromSnapshot(snap, ModeCowOverlay)
	if err != nil {
		t.Fatalf("BranchFromSnapshot: %v", err)
	}
	if branch.Mode != ModeCowOverlay {
		t.Fatalf("expected CowOverlay mode, got %v", branch.Mode)
	}

	if err := p.Cleanup(branch.CleanupToken); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := p.Cleanup(branch.CleanupToken); err != nil {
		t.Fatalf("idempotent Cleanup: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cases := []struct {
		kind Kind
		mode WorkingCopyMode
		path string
	}{
		{KindZfs, ModeCowOverlay, "tank/repo_clone_1"},
		{KindBtrfs, ModeCowOverlay, "/srv/repo_snap_1"},
		{KindGit, ModeWorktree, "/srv/repo_ah_worktree_1"},
		{KindCopy, ModeCopy, "/srv/repo_ah_copy_1"},
	}
	for _, c := range cases {
		token := EncodeToken(c.kind, c.mode, c.path)
		decoded, err := DecodeToken(token)
		if err != nil {
			t.Fatalf("DecodeToken(%q): %v", token, err)
		}
		if decoded.Kind != c.kind || decoded.Mode != c.mode || decoded.Path != c.path {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, c)
		}
	}
}

func TestDecodeTokenRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "zfs", "zfs:cow", "bogus:cow:/x", "zfs:bogus:/x", "zfs:cow:"} {
		if _, err := DecodeToken(token); err == nil {
			t.Fatalf("expected DecodeToken(%q) to fail", token)
		}
	}
}

func TestValidateDestinationRejectsForbiddenRoots(t *testing.T) {
	for _, p := range []string{"/", "/dev", "/proc", "/sys", "/run"} {
		if err := ValidateDestination(p); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
	if err := ValidateDestination("/srv/repo"); err != nil {
		t.Fatalf("expected /srv/repo to be accepted, got %v", err)
	}
}

func TestProviderForPicksHighestScore(t *testing.T) {
	low := &stubProvider{kind: KindCopy, score: 1}
	high := &stubProvider{kind: KindBtrfs, score: 80}
	best, res, err := ProviderFor("/srv/repo", []Provider{low, high})
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if best.Kind() != KindBtrfs || res.Score != 80 {
		t.Fatalf("expected btrfs to win, got kind=%v score=%d", best.Kind(), res.Score)
	}
}

func TestProviderForNoneApplicable(t *testing.T) {
	zero := &stubProvider{kind: KindCopy, score: 0}
	_, _, err := ProviderFor("/srv/repo", []Provider{zero})
	if aherr.CodeOf(err) != aherr.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

type stubProvider struct {
	kind  Kind
	score int
}

func (s *stubProvider) Kind() Kind { return s.kind }
func (s *stubProvider) DetectCapabilities(string) (DetectResult, error) {
	return DetectResult{Kind: s.kind, Score: s.score}, nil
}
func (s *stubProvider) PrepareWritableWorkspace(string, WorkingCopyMode) (PreparedWorkspace, error) {
	return PreparedWorkspace{}, nil
}
func (s *stubProvider) SnapshotNow(PreparedWorkspace, string) (SnapshotRef, error) {
	return SnapshotRef{}, nil
}
func (s *stubProvider) MountReadonly(SnapshotRef) (string, error)                        { return "", nil }
func (s *stubProvider) BranchFromSnapshot(SnapshotRef, WorkingCopyMode) (PreparedWorkspace, error) {
	return PreparedWorkspace{}, nil
}
func (s *stubProvider) Cleanup(string) error { return nil }

// TestCopyProviderLifecycle exercises the disabled-by-default last-resort
// provider end to end against a real directory tree.
func TestCopyProviderLifecycle(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := &CopyProvider{Enabled: true}
	det, err := p.DetectCapabilities(src)
	if err != nil || det.Score == 0 {
		t.Fatalf("expected enabled provider to score > 0, got %+v err=%v", det, err)
	}

	ws, err := p.PrepareWritableWorkspace(src, ModeCopy)
	if err != nil {
		t.Fatalf("PrepareWritableWorkspace: %v", err)
	}
	defer p.Cleanup(ws.CleanupToken)

	got, err := os.ReadFile(filepath.Join(ws.ExecPath, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile copied file: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("expected copied content, got %q", got)
	}

	snap, err := p.SnapshotNow(ws, "snap-1")
	if err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	if err := p.Cleanup(snap.ID); err == nil {
		t.Fatal("expected Cleanup to reject a raw snapshot path (not a token)")
	}
}

func TestCopyProviderDisabledByDefault(t *testing.T) {
	p := &CopyProvider{}
	det, err := p.DetectCapabilities(t.TempDir())
	if err != nil {
		t.Fatalf("DetectCapabilities: %v", err)
	}
	if det.Score != 0 {
		t.Fatalf("expected score 0 when disabled, got %d", det.Score)
	}
}

// TestGitProviderWorktreeLifecycle exercises the Git provider against a
// real throwaway repository; skipped if git is unavailable.
func TestGitProviderWorktreeLifecycle(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", repo}, args...)...)
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(repo, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	run("add", "a.txt")
	run("commit", "-m", "initial")

	p := &GitProvider{}
	det, err := p.DetectCapabilities(repo)
	if err != nil || det.Score == 0 {
		t.Fatalf("expected a git checkout to score > 0, got %+v err=%v", det, err)
	}

	ws, err := p.PrepareWritableWorkspace(repo, ModeWorktree)
	if err != nil {
		t.Fatalf("PrepareWritableWorkspace: %v", err)
	}
	defer p.Cleanup(ws.CleanupToken)

	if _, err := os.Stat(filepath.Join(ws.ExecPath, "a.txt")); err != nil {
		t.Fatalf("expected worktree to contain a.txt: %v", err)
	}

	snap, err := p.SnapshotNow(ws, "checkpoint")
	if err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("expected a non-empty commit id")
	}

	branch, err := p.BranchFromSnapshot(snap, ModeWorktree)
	if err != nil {
		t.Fatalf("BranchFromSnapshot: %v", err)
	}
	defer p.Cleanup(branch.CleanupToken)
	if _, err := os.Stat(filepath.Join(branch.ExecPath, "a.txt")); err != nil {
		t.Fatalf("expected branched worktree to contain a.txt: %v", err)
	}
}
