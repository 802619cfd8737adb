package fsadapter

import (
	"testing"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
	"github.com/agent-harbor/agent-harbor/internal/envelope"
	"github.com/agent-harbor/agent-harbor/internal/storage"
)

func newTestCore(t *testing.T) *agentfs.Core {
	t.Helper()
	backend, err := storage.New(storage.Config{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return agentfs.New(agentfs.DefaultConfig(agentfs.CaseSensitive), backend)
}

func decodeResponse(t *testing.T, frame []byte, tag string, out any) {
	t.Helper()
	tagged, err := envelope.DecodeTagged(frame)
	if err != nil {
		t.Fatalf("DecodeTagged: %v", err)
	}
	if tagged.Tag != tag {
		t.Fatalf("tag = %q, want %q", tagged.Tag, tag)
	}
	if err := envelope.DecodeBody(tagged, out); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
}

func TestDispatcherSnapshotCreateAndList(t *testing.T) {
	d := NewDispatcher(newTestCore(t))

	req, err := envelope.EncodeTagged(envelope.TagSnapshotCreate, &envelope.SnapshotCreateRequest{Name: "s1"})
	if err != nil {
		t.Fatalf("EncodeTagged: %v", err)
	}
	resp := d.Handle(req, 1234)
	var created envelope.SnapshotCreateResponse
	decodeResponse(t, resp, envelope.TagSnapshotCreate, &created)
	if created.Name != "s1" {
		t.Errorf("created.Name = %q, want s1", created.Name)
	}

	listReq, err := envelope.EncodeTagged(envelope.TagSnapshotList, &envelope.SnapshotListRequest{})
	if err != nil {
		t.Fatalf("EncodeTagged: %v", err)
	}
	listResp := d.Handle(listReq, 1234)
	var list envelope.SnapshotListResponse
	decodeResponse(t, listResp, envelope.TagSnapshotList, &list)
	if len(list.Snapshots) != 1 || list.Snapshots[0].Name != "s1" {
		t.Errorf("SnapshotList = %+v, want one entry named s1", list.Snapshots)
	}
}

func TestDispatcherBranchCreateAndBind(t *testing.T) {
	d := NewDispatcher(newTestCore(t))

	snapReq, _ := envelope.EncodeTagged(envelope.TagSnapshotCreate, &envelope.SnapshotCreateRequest{Name: "base"})
	snapResp := d.Handle(snapReq, 1)
	var snap envelope.SnapshotCreateResponse
	decodeResponse(t, snapResp, envelope.TagSnapshotCreate, &snap)

	branchReq, _ := envelope.EncodeTagged(envelope.TagBranchCreate, &envelope.BranchCreateRequest{From: snap.ID, Name: "work"})
	branchResp := d.Handle(branchReq, 1)
	var branch envelope.BranchCreateResponse
	decodeResponse(t, branchResp, envelope.TagBranchCreate, &branch)
	if branch.Parent != snap.ID {
		t.Errorf("branch.Parent = %x, want %x", branch.Parent, snap.ID)
	}

	bindReq, _ := envelope.EncodeTagged(envelope.TagBranchBind, &envelope.BranchBindRequest{Branch: branch.ID, HasPID: false})
	bindResp := d.Handle(bindReq, 4242)
	var bound envelope.BranchBindResponse
	decodeResponse(t, bindResp, envelope.TagBranchBind, &bound)
	if bound.PID != 4242 {
		t.Errorf("bound.PID = %d, want 4242 (the caller pid, not the dispatcher's own)", bound.PID)
	}

	if got := d.core.BranchForPID(4242); got != agentfs.BranchId(branch.ID) {
		t.Errorf("BranchForPID(4242) = %x, want %x", got, branch.ID)
	}
}

func TestDispatcherBranchBindExplicitPIDOverridesCaller(t *testing.T) {
	d := NewDispatcher(newTestCore(t))

	bindReq, _ := envelope.EncodeTagged(envelope.TagBranchBind, &envelope.BranchBindRequest{
		Branch: [16]byte{}, PID: 777, HasPID: true,
	})
	resp := d.Handle(bindReq, 9999)
	var bound envelope.BranchBindResponse
	decodeResponse(t, resp, envelope.TagBranchBind, &bound)
	if bound.PID != 777 {
		t.Errorf("bound.PID = %d, want the explicit 777, not the caller pid 9999", bound.PID)
	}
}

func TestDispatcherUnknownTag(t *testing.T) {
	d := NewDispatcher(newTestCore(t))
	req, _ := envelope.EncodeTagged("not_a_real_tag", &envelope.SnapshotListRequest{})
	resp := d.Handle(req, 1)
	tagged, err := envelope.DecodeTagged(resp)
	if err != nil {
		t.Fatalf("DecodeTagged: %v", err)
	}
	if tagged.Tag != envelope.TagError {
		t.Errorf("tag = %q, want error", tagged.Tag)
	}
}

func TestDispatcherMalformedFrame(t *testing.T) {
	d := NewDispatcher(newTestCore(t))
	resp := d.Handle([]byte("not cbor"), 1)
	tagged, err := envelope.DecodeTagged(resp)
	if err != nil {
		t.Fatalf("DecodeTagged: %v", err)
	}
	if tagged.Tag != envelope.TagError {
		t.Errorf("tag = %q, want error", tagged.Tag)
	}
}
