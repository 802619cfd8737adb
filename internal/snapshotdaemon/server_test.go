package snapshotdaemon

import (
	"testing"

	"github.com/agent-harbor/agent-harbor/internal/envelope"
)

// fakeRunner never shells out; it tracks which resources "exist" and
// records every Run invocation, so dispatch's validation rules can be
// exercised without real zfs/btrfs binaries.
type fakeRunner struct {
	exists map[string]bool
	ran    [][]string
}

func newFakeRunner() *fakeRunner { return &fakeRunner{exists: map[string]bool{}} }

func (f *fakeRunner) Run(name string, args ...string) error {
	f.ran = append(f.ran, append([]string{name}, args...))
	return nil
}

func (f *fakeRunner) Exists(kind, name string) (bool, error) {
	return f.exists[kind+":"+name], nil
}

func decodeError(t *testing.T, payload []byte) ErrorBody {
	t.Helper()
	tagged, err := envelope.DecodeTagged(payload)
	if err != nil {
		t.Fatalf("DecodeTagged: %v", err)
	}
	if tagged.Tag != TagError {
		t.Fatalf("expected error tag, got %s", tagged.Tag)
	}
	var body ErrorBody
	if err := envelope.DecodeBody(tagged, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	return body
}

// TestSnapshotZfsRejectsMissingSource covers spec §6.2's validation rule:
// the daemon must not shell out to zfs at all when the source dataset is
// absent.
func TestSnapshotZfsRejectsMissingSource(t *testing.T) {
	runner := newFakeRunner()
	s := &Server{Runner: runner}

	resp := s.handleSnapshotZfs(SnapshotZfsRequest{Source: "tank/repo", Snapshot: "tank/repo@ah_1"})
	decodeError(t, resp)

	if len(runner.ran) != 0 {
		t.Fatalf("expected no commands run, got %v", runner.ran)
	}
}

// TestSnapshotZfsRejectsExistingSnapshot implements Testable Scenario S6:
// requesting a snapshot name that already exists fails validation before
// any `zfs snapshot` invocation.
func TestSnapshotZfsRejectsExistingSnapshot(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["zfs-dataset:tank/repo"] = true
	runner.exists["zfs-snapshot:tank/repo@ah_1"] = true
	s := &Server{Runner: runner}

	resp := s.handleSnapshotZfs(SnapshotZfsRequest{Source: "tank/repo", Snapshot: "tank/repo@ah_1"})
	body := decodeError(t, resp)
	if body.Message == "" {
		t.Fatal("expected a non-empty error message")
	}
	if len(runner.ran) != 0 {
		t.Fatalf("expected no commands run when snapshot already exists, got %v", runner.ran)
	}
}

// TestSnapshotZfsHappyPath confirms the success path actually invokes
// `zfs snapshot` once validation passes.
func TestSnapshotZfsHappyPath(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["zfs-dataset:tank/repo"] = true
	s := &Server{Runner: runner}

	resp := s.handleSnapshotZfs(SnapshotZfsRequest{Source: "tank/repo", Snapshot: "tank/repo@ah_1"})
	tagged, err := envelope.DecodeTagged(resp)
	if err != nil || tagged.Tag != TagSuccess {
		t.Fatalf("expected success, got tag=%s err=%v", tagged.Tag, err)
	}
	if len(runner.ran) != 1 {
		t.Fatalf("expected exactly one command run, got %v", runner.ran)
	}
}

// TestCloneZfsRejectsExistingClone covers the clone-side validation rule:
// the target dataset must not already exist.
func TestCloneZfsRejectsExistingClone(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["zfs-snapshot:tank/repo@ah_1"] = true
	runner.exists["zfs-dataset:tank/repo_clone"] = true
	s := &Server{Runner: runner}

	resp := s.handleCloneZfs(CloneZfsRequest{Snapshot: "tank/repo@ah_1", Clone: "tank/repo_clone"})
	decodeError(t, resp)
}

// TestDeleteBtrfsRejectsMissingTarget exercises the delete-side guard
// shared across zfs/btrfs handlers.
func TestDeleteBtrfsRejectsMissingTarget(t *testing.T) {
	s := &Server{Runner: newFakeRunner()}
	resp := s.handleDeleteBtrfs(DeleteBtrfsRequest{Target: "/srv/missing"})
	decodeError(t, resp)
}

// TestDispatchUnknownTag confirms an unrecognized tag fails cleanly rather
// than panicking the connection handler.
func TestDispatchUnknownTag(t *testing.T) {
	s := &Server{Runner: newFakeRunner()}
	resp := s.dispatch(envelope.Tagged{Tag: "bogus"})
	decodeError(t, resp)
}
