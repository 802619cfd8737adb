package fsadapter

import (
	"github.com/agent-harbor/agent-harbor/internal/agentfs"
	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/agent-harbor/agent-harbor/internal/envelope"
)

// Dispatcher answers control-union requests (spec §6.1) arriving over any
// adapter's control file, translating them into agentfs.Core calls. It is
// shared by every per-OS adapter so the request/response shape (and the
// wire encoding) is identical regardless of which kernel interface carried
// the bytes.
type Dispatcher struct {
	core *agentfs.Core
}

// NewDispatcher wraps core in a control-request dispatcher.
func NewDispatcher(core *agentfs.Core) *Dispatcher {
	return &Dispatcher{core: core}
}

// Handle decodes one length-framed control-union payload and returns the
// length-framed response payload, mirroring internal/snapshotdaemon's
// dispatch shape but against agentfs.Core instead of the zfs/btrfs runner.
// callerPID is the PID of the process that issued the request, as reported
// by the kernel-facing adapter (e.g. a FUSE request's Context.Pid) — it is
// never the dispatcher's own PID, since the dispatcher runs inside the
// mount-hosting daemon, not inside the requesting agent.
func (d *Dispatcher) Handle(frame []byte, callerPID int) []byte {
	tagged, err := envelope.DecodeTagged(frame)
	if err != nil {
		return errorResponse(err)
	}

	switch tagged.Tag {
	case envelope.TagSnapshotCreate:
		var req envelope.SnapshotCreateRequest
		if err := envelope.DecodeBody(tagged, &req); err != nil {
			return errorResponse(err)
		}
		return d.handleSnapshotCreate(req, callerPID)

	case envelope.TagSnapshotList:
		return d.handleSnapshotList()

	case envelope.TagBranchCreate:
		var req envelope.BranchCreateRequest
		if err := envelope.DecodeBody(tagged, &req); err != nil {
			return errorResponse(err)
		}
		return d.handleBranchCreate(req)

	case envelope.TagBranchBind:
		var req envelope.BranchBindRequest
		if err := envelope.DecodeBody(tagged, &req); err != nil {
			return errorResponse(err)
		}
		return d.handleBranchBind(req, callerPID)

	default:
		return errorResponse(aherr.New(aherr.InvalidArgument, "fsadapter.dispatch", tagged.Tag, nil))
	}
}

func (d *Dispatcher) handleSnapshotCreate(req envelope.SnapshotCreateRequest, callerPID int) []byte {
	id, err := d.core.SnapshotCreate(d.core.BranchForPID(callerPID), req.Name)
	if err != nil {
		return errorResponse(err)
	}
	return mustEncode(envelope.TagSnapshotCreate, &envelope.SnapshotCreateResponse{ID: id, Name: req.Name})
}

func (d *Dispatcher) handleSnapshotList() []byte {
	infos := d.core.SnapshotList()
	entries := make([]envelope.SnapshotListEntry, len(infos))
	for i, info := range infos {
		entries[i] = envelope.SnapshotListEntry{ID: info.ID, Name: info.Name}
	}
	return mustEncode(envelope.TagSnapshotList, &envelope.SnapshotListResponse{Snapshots: entries})
}

func (d *Dispatcher) handleBranchCreate(req envelope.BranchCreateRequest) []byte {
	id, err := d.core.BranchCreateFromSnapshot(agentfs.SnapshotId(req.From), req.Name)
	if err != nil {
		return errorResponse(err)
	}
	return mustEncode(envelope.TagBranchCreate, &envelope.BranchCreateResponse{
		ID: id, Parent: req.From, Name: req.Name,
	})
}

// handleBranchBind implements spec §6.1's BranchBind{branch, pid?}: absent
// pid means "caller's PID" — the PID the kernel adapter observed issuing the
// request, not this process's own PID. BindProcessToBranch already treats
// pid==0 as "bind os.Getpid()", which is wrong for a request arriving over a
// control file from another process, so the resolved pid is always passed
// explicitly.
func (d *Dispatcher) handleBranchBind(req envelope.BranchBindRequest, callerPID int) []byte {
	branch := agentfs.BranchId(req.Branch)
	pid := callerPID
	if req.HasPID {
		pid = int(req.PID)
	}
	if err := d.core.BindProcessToBranch(branch, pid); err != nil {
		return errorResponse(err)
	}
	return mustEncode(envelope.TagBranchBind, &envelope.BranchBindResponse{Branch: req.Branch, PID: int32(pid)})
}

func errorResponse(err error) []byte {
	payload, encErr := envelope.EncodeError(err)
	if encErr != nil {
		return nil
	}
	return payload
}

func mustEncode(tag string, body any) []byte {
	payload, err := envelope.EncodeTagged(tag, body)
	if err != nil {
		return errorResponse(err)
	}
	return payload
}
