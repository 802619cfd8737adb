package envelope

import "github.com/agent-harbor/agent-harbor/internal/aherr"

// Control-union request variants (spec §6.1).
const (
	TagSnapshotCreate = "snapshot_create"
	TagSnapshotList   = "snapshot_list"
	TagBranchCreate   = "branch_create"
	TagBranchBind     = "branch_bind"
	TagError          = "error"
)

// SnapshotCreateRequest is the body of a SnapshotCreate{name?} request.
type SnapshotCreateRequest struct {
	Name string `cbor:"name,omitempty"`
}

// SnapshotCreateResponse is the body of a SnapshotCreate{id, name?} reply.
type SnapshotCreateResponse struct {
	ID   [16]byte `cbor:"id"`
	Name string   `cbor:"name,omitempty"`
}

// SnapshotListRequest is the body of a SnapshotList{} request.
type SnapshotListRequest struct{}

// SnapshotListEntry is one element of a SnapshotList response.
type SnapshotListEntry struct {
	ID   [16]byte `cbor:"id"`
	Name string   `cbor:"name,omitempty"`
}

// SnapshotListResponse is the body of a SnapshotList response.
type SnapshotListResponse struct {
	Snapshots []SnapshotListEntry `cbor:"snapshots"`
}

// BranchCreateRequest is the body of a BranchCreate{from, name?} request.
type BranchCreateRequest struct {
	From [16]byte `cbor:"from"`
	Name string   `cbor:"name,omitempty"`
}

// BranchCreateResponse is the body of a BranchCreate{id, parent, name?}
// reply.
type BranchCreateResponse struct {
	ID     [16]byte `cbor:"id"`
	Parent [16]byte `cbor:"parent"`
	Name   string   `cbor:"name,omitempty"`
}

// BranchBindRequest is the body of a BranchBind{branch, pid?} request. An
// absent pid means "caller's PID" (spec §6.1); HasPID distinguishes
// "absent" from the valid pid value 0.
type BranchBindRequest struct {
	Branch [16]byte `cbor:"branch"`
	PID    int32    `cbor:"pid,omitempty"`
	HasPID bool     `cbor:"has_pid"`
}

// BranchBindResponse is the body of a BranchBind{branch, pid} reply.
type BranchBindResponse struct {
	Branch [16]byte `cbor:"branch"`
	PID    int32    `cbor:"pid"`
}

// ErrorBody is the body of the shared Error{msg, code} variant, used by
// every union (control, filesystem, snapshot-daemon) to report failure.
type ErrorBody struct {
	Message string `cbor:"message"`
	Code    string `cbor:"code,omitempty"`
}

// EncodeError wraps an error's aherr.Code (when present) into a Tagged
// Error frame body.
func EncodeError(err error) ([]byte, error) {
	code := aherr.CodeOf(err).String()
	return EncodeTagged(TagError, &ErrorBody{Message: err.Error(), Code: code})
}
