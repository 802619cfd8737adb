package agentfs

import (
	"testing"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

func newTestCore(t *testing.T, cs CaseSensitivity) *Core {
	t.Helper()
	backend, err := storage.New(storage.Config{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	cfg := DefaultConfig(cs)
	return New(cfg, backend)
}

func writeFile(t *testing.T, c *Core, branch BranchId, path, content string) {
	t.Helper()
	h, err := c.Create(branch, path, OpenOptions{Write: true, Create: true})
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if _, err := c.Write(h, 0, []byte(content)); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := c.Close(h); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func readFile(t *testing.T, c *Core, branch BranchId, path string) string {
	t.Helper()
	h, err := c.Open(branch, path, OpenOptions{Read: true})
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer c.Close(h)
	buf := make([]byte, 4096)
	n, err := c.Read(h, 0, buf)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(buf[:n])
}

// TestScenarioS1SnapshotAndBranch implements spec §8 scenario S1.
func TestScenarioS1SnapshotAndBranch(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}

	writeFile(t, c, root, "/a.txt", "hello")

	snap, err := c.SnapshotCreate(root, "v1")
	if err != nil {
		t.Fatalf("snapshot_create: %v", err)
	}

	h, err := c.Open(root, "/a.txt", OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	if _, err := c.Write(h, 0, []byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.Close(h)

	if got := readFile(t, c, root, "/a.txt"); got != "world" {
		t.Fatalf("got %q, want world", got)
	}

	branch, err := c.BranchCreateFromSnapshot(snap, "b")
	if err != nil {
		t.Fatalf("branch_create_from_snapshot: %v", err)
	}
	if err := c.BindProcessToBranch(branch, 99999); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got := readFile(t, c, branch, "/a.txt"); got != "hello" {
		t.Fatalf("branch read got %q, want hello (CoW equality)", got)
	}
}

// TestCoWEqualityUnmodifiedPath implements Testable Property 1.
func TestCoWEqualityUnmodifiedPath(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/unchanged.txt", "same")
	snap, _ := c.SnapshotCreate(root, "")
	branch, _ := c.BranchCreateFromSnapshot(snap, "")

	if got := readFile(t, c, branch, "/unchanged.txt"); got != "same" {
		t.Fatalf("unmodified path diverged: got %q", got)
	}
}

// TestSnapshotImmutability implements Testable Property 2: mutating a
// node reachable from a snapshot must not affect the snapshot, because
// the mutation CoW-clones the node into the mutating branch instead.
func TestSnapshotImmutability(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/f.txt", "v1")
	snap, _ := c.SnapshotCreate(root, "")

	writeFile(t, c, root, "/f.txt", "v2XX")

	branch, _ := c.BranchCreateFromSnapshot(snap, "")
	if got := readFile(t, c, branch, "/f.txt"); got != "v1" {
		t.Fatalf("snapshot mutated: got %q, want v1", got)
	}
}

// TestHandleStability implements Testable Property 3.
func TestHandleStability(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/h.txt", "b1-data")
	snap, _ := c.SnapshotCreate(root, "")
	b1, _ := c.BranchCreateFromSnapshot(snap, "b1")
	b2, _ := c.BranchCreateFromSnapshot(snap, "b2")

	pid := 55555
	c.BindProcessToBranch(b1, pid)
	h, err := c.Open(b1, "/h.txt", OpenOptions{Read: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// rebind the process to a different branch after opening
	c.BindProcessToBranch(b2, pid)

	buf := make([]byte, 16)
	n, _ := c.Read(h, 0, buf)
	if string(buf[:n]) != "b1-data" {
		t.Fatalf("handle followed rebind: got %q", buf[:n])
	}
}

// TestShareModeConflict implements Testable Property 4.
func TestShareModeConflict(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/s.txt", "x")

	h1, err := c.Open(root, "/s.txt", OpenOptions{Read: true, Share: ShareSet{ShareRead: true}})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	defer c.Close(h1)

	_, err = c.Open(root, "/s.txt", OpenOptions{Write: true, Share: ShareSet{ShareWrite: true}})
	if aherr.CodeOf(err) != aherr.Busy {
		t.Fatalf("want Busy on non-intersecting share sets, got %v", err)
	}
}

// TestLockNonOverlap implements Testable Property 5.
func TestLockNonOverlap(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/l.txt", "0123456789")
	h1, _ := c.Open(root, "/l.txt", OpenOptions{Write: true})
	h2, _ := c.Open(root, "/l.txt", OpenOptions{Write: true})

	if err := c.Lock(h1, ByteRange{Offset: 0, Len: 5}, LockExclusive); err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	if err := c.Lock(h2, ByteRange{Offset: 3, Len: 5}, LockShared); aherr.CodeOf(err) != aherr.Busy {
		t.Fatalf("want Busy for overlapping exclusive, got %v", err)
	}
	if err := c.Lock(h2, ByteRange{Offset: 5, Len: 5}, LockShared); err != nil {
		t.Fatalf("non-overlapping lock should succeed: %v", err)
	}

	h3, _ := c.Open(root, "/l.txt", OpenOptions{Write: true})
	if err := c.Lock(h3, ByteRange{Offset: 5, Len: 3}, LockShared); err != nil {
		t.Fatalf("two shared locks on overlapping range should both succeed: %v", err)
	}
}

// TestCasePolicy implements Testable Property 6.
func TestCasePolicy(t *testing.T) {
	insensitive := newTestCore(t, CaseInsensitivePreserving)
	root := BranchId{}
	writeFile(t, insensitive, root, "/foo", "x")
	if _, err := insensitive.Open(root, "/FOO", OpenOptions{Read: true}); err != nil {
		t.Fatalf("insensitive open(FOO) should succeed after create(foo): %v", err)
	}
	entries, err := insensitive.ReadDir(root, "/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "foo" {
		t.Fatalf("readdir should preserve original casing, got %+v", entries)
	}

	sensitive := newTestCore(t, CaseSensitive)
	writeFile(t, sensitive, root, "/foo", "x")
	if _, err := sensitive.Open(root, "/FOO", OpenOptions{Read: true}); aherr.CodeOf(err) != aherr.NotFound {
		t.Fatalf("sensitive open(FOO) should NotFound after create(foo), got %v", err)
	}
}

func TestMkdirRmdirUnlinkRename(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	if err := c.Mkdir(root, "/dir", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, c, root, "/dir/a.txt", "a")
	if err := c.Rename(root, "/dir/a.txt", "/dir/b.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := readFile(t, c, root, "/dir/b.txt"); got != "a" {
		t.Fatalf("renamed file content changed: %q", got)
	}
	if err := c.Unlink(root, "/dir/b.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := c.Rmdir(root, "/dir"); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
}

func TestSymlinkReadlinkAndResolution(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/target.txt", "payload")
	if err := c.Symlink(root, "/target.txt", "/link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	target, err := c.Readlink(root, "/link")
	if err != nil || target != "/target.txt" {
		t.Fatalf("readlink got %q, %v", target, err)
	}
	if got := readFile(t, c, root, "/link"); got != "payload" {
		t.Fatalf("open through symlink got %q", got)
	}
}

func TestXattrRoundTrip(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	writeFile(t, c, root, "/x.txt", "data")
	if err := c.XattrSet(root, "/x.txt", "user.note", []byte("hi")); err != nil {
		t.Fatalf("xattr_set: %v", err)
	}
	v, err := c.XattrGet(root, "/x.txt", "user.note")
	if err != nil || string(v) != "hi" {
		t.Fatalf("xattr_get got %q, %v", v, err)
	}
	list, _ := c.XattrList(root, "/x.txt")
	if len(list) != 1 || list[0] != "user.note" {
		t.Fatalf("xattr_list got %+v", list)
	}
	if err := c.XattrRemove(root, "/x.txt", "user.note"); err != nil {
		t.Fatalf("xattr_remove: %v", err)
	}
	if _, err := c.XattrGet(root, "/x.txt", "user.note"); aherr.CodeOf(err) != aherr.NotFound {
		t.Fatalf("want NotFound after remove, got %v", err)
	}
}

func TestEventBusPublishesCreatedAndModified(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	root := BranchId{}
	var got []Event
	unsub := c.Subscribe(EventSinkFunc(func(e Event) { got = append(got, e) }))
	defer unsub()

	writeFile(t, c, root, "/e.txt", "1")
	if len(got) < 1 || got[0].Kind != EventCreated {
		t.Fatalf("expected Created event first, got %+v", got)
	}
	modified := false
	for _, e := range got[1:] {
		if e.Kind == EventModified && e.Path == "/e.txt" {
			modified = true
		}
	}
	if !modified {
		t.Fatalf("expected a Modified event for /e.txt after Created, got %+v", got)
	}
}

func TestDefaultBranchCannotBeDestroyed(t *testing.T) {
	c := newTestCore(t, CaseSensitive)
	if err := c.DestroyBranch(BranchId{}); aherr.CodeOf(err) != aherr.InvalidArgument {
		t.Fatalf("want InvalidArgument destroying default branch, got %v", err)
	}
}
