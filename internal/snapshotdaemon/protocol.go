// Package snapshotdaemon implements the privileged snapshot daemon (spec
// §4.4.6, §6.2): a unix-socket service that executes `zfs`/`btrfs`
// operations requiring elevated rights on behalf of unprivileged provider
// clients, validating preconditions before invoking the underlying tool so
// retries are idempotent.
package snapshotdaemon

// Snapshot-daemon union request variants (spec §6.2).
const (
	TagPing          = "ping"
	TagSnapshotZfs   = "snapshot_zfs"
	TagCloneZfs      = "clone_zfs"
	TagDeleteZfs     = "delete_zfs"
	TagSnapshotBtrfs = "snapshot_btrfs"
	TagCloneBtrfs    = "clone_btrfs"
	TagDeleteBtrfs   = "delete_btrfs"
)

// Snapshot-daemon union response variants (spec §6.2).
const (
	TagSuccess                = "success"
	TagSuccessWithPath        = "success_with_path"
	TagSuccessWithMountpoint  = "success_with_mountpoint"
	TagError                  = "error"
)

type PingRequest struct{}

type SnapshotZfsRequest struct {
	Source   string `cbor:"source"`
	Snapshot string `cbor:"snapshot"`
}

type CloneZfsRequest struct {
	Snapshot string `cbor:"snapshot"`
	Clone    string `cbor:"clone"`
}

type DeleteZfsRequest struct {
	Target string `cbor:"target"`
}

type SnapshotBtrfsRequest struct {
	Source string `cbor:"source"`
	Dest   string `cbor:"dest"`
}

type CloneBtrfsRequest struct {
	Source string `cbor:"source"`
	Dest   string `cbor:"dest"`
}

type DeleteBtrfsRequest struct {
	Target string `cbor:"target"`
}

type SuccessBody struct{}

type SuccessWithPathBody struct {
	Path string `cbor:"path"`
}

type SuccessWithMountpointBody struct {
	Path string `cbor:"path"`
}

type ErrorBody struct {
	Message string `cbor:"message"`
}
