package agentfs

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// idCounter is the monotonic tail half of every 16-byte id this package
// mints. A single atomic counter, not the unsynchronized "static mut" the
// original source used.
var idCounter uint64

// newID produces a 16-byte identifier: the first 8 bytes are a wall-clock
// UnixNano reading (nanoseconds since process start would collide across
// restarts, so the wall clock is used instead of a monotonic one), the
// last 8 bytes are an atomic counter. This preserves the wire layout the
// original Rust implementation used (time prefix + counter suffix) even
// though the generation strategy is different.
func newID() [16]byte {
	var id [16]byte
	binary.BigEndian.PutUint64(id[0:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(id[8:16], atomic.AddUint64(&idCounter, 1))
	return id
}

// SnapshotId uniquely identifies an immutable point-in-time tree.
type SnapshotId [16]byte

func (s SnapshotId) String() string { return fmt.Sprintf("%x", [16]byte(s)) }

// BranchId uniquely identifies a mutable branch. The zero value is the
// reserved default root branch (spec §3: "A reserved zero-valued BranchId
// is the default root branch").
type BranchId [16]byte

func (b BranchId) String() string { return fmt.Sprintf("%x", [16]byte(b)) }

// IsDefault reports whether b is the reserved default root branch.
func (b BranchId) IsDefault() bool { return b == BranchId{} }

// ParseBranchId decodes the hex form produced by BranchId.String().
func ParseBranchId(s string) (BranchId, error) {
	var b BranchId
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(b) {
		return BranchId{}, fmt.Errorf("agentfs: invalid branch id %q", s)
	}
	copy(b[:], decoded)
	return b, nil
}

// ParseSnapshotId decodes the hex form produced by SnapshotId.String().
func ParseSnapshotId(s string) (SnapshotId, error) {
	var id SnapshotId
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(id) {
		return SnapshotId{}, fmt.Errorf("agentfs: invalid snapshot id %q", s)
	}
	copy(id[:], decoded)
	return id, nil
}

// HandleId uniquely identifies an open file handle within a process.
type HandleId uint64

var handleCounter uint64

func newHandleID() HandleId {
	return HandleId(atomic.AddUint64(&handleCounter, 1))
}

func newSnapshotID() SnapshotId { return SnapshotId(newID()) }
func newBranchID() BranchId     { return BranchId(newID()) }
