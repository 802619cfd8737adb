package agentfs

import "time"

// CaseSensitivity governs how path components are compared during lookup.
type CaseSensitivity int

const (
	// CaseSensitive means lookup is byte-exact (the Linux default).
	CaseSensitive CaseSensitivity = iota
	// CaseInsensitivePreserving means lookup folds case but readdir
	// returns the originally-stored casing (the macOS/Windows default).
	CaseInsensitivePreserving
)

// MemoryConfig mirrors spec §4.2.1's memory.* options.
type MemoryConfig struct {
	MaxBytesInMemory int64
	SpillDirectory   string
}

// LimitsConfig mirrors spec §4.2.1's limits.* options.
type LimitsConfig struct {
	MaxOpenHandles int
	MaxBranches    int
	MaxSnapshots   int
}

// CacheConfig carries advisory values forwarded to the kernel adapter; the
// Core itself does not use them beyond exposing them to adapters.
type CacheConfig struct {
	AttrTTLMillis    int
	EntryTTLMillis   int
	NegativeTTLMilli int
	EnableReaddirPlus bool
	AutoCache         bool
	WritebackCache    bool
}

// SecurityConfig governs default mode bits and credential handling.
type SecurityConfig struct {
	DefaultMode    uint32
	DefaultUID     uint32
	DefaultGID     uint32
	HonorCallerIDs bool
}

// Config is the full AgentFS Core configuration (spec §4.2.1).
type Config struct {
	CaseSensitivity CaseSensitivity
	Memory          MemoryConfig
	Limits          LimitsConfig
	Cache           CacheConfig
	EnableXattrs    bool
	EnableADS       bool
	Security        SecurityConfig
	TrackEvents     bool
}

// DefaultConfig returns the configuration spec §4.2.1 describes as the
// default for the given platform's preferred case sensitivity.
func DefaultConfig(caseSensitivity CaseSensitivity) Config {
	return Config{
		CaseSensitivity: caseSensitivity,
		EnableXattrs:    true,
		EnableADS:       true,
		TrackEvents:     true,
		Security: SecurityConfig{
			DefaultMode: 0o644,
		},
	}
}

// NodeKind distinguishes the three node shapes a directory entry can hold.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
	KindSymlink
)

// ShareMode is one axis of the share-mode set recorded at open time.
type ShareMode int

const (
	ShareRead ShareMode = iota
	ShareWrite
	ShareDelete
)

// ShareSet is a set of ShareMode values.
type ShareSet map[ShareMode]bool

// Intersects reports whether a and b have any element in common. An open's
// share set must intersect every concurrently open handle's share set on
// the same node (spec §3, "Share-mode consistency").
func (a ShareSet) Intersects(b ShareSet) bool {
	for m := range a {
		if b[m] {
			return true
		}
	}
	return false
}

// OpenOptions enumerates the flags accepted by open/create (spec §4.2.3).
type OpenOptions struct {
	Read     bool
	Write    bool
	Create   bool
	Truncate bool
	Append   bool
	Share    ShareSet
	Stream   string // alternate-data-stream name, "" for the primary stream
	Mode     uint32 // mode bits used only when Create is set
}

// LockKind is the kind of a byte-range lock (spec §4.2.4).
type LockKind int

const (
	LockShared LockKind = iota
	LockExclusive
)

// ByteRange is [Offset, Offset+Len). Len==0 is kept as is and treated as
// unbounded: the range covers every byte from Offset on, including bytes
// written past the end of file after the lock was taken. It is not
// resolved to the file length at lock time.
type ByteRange struct {
	Offset int64
	Len    int64
}

func (r ByteRange) end() int64 {
	if r.Len == 0 {
		return -1 // sentinel: unbounded, resolved by caller
	}
	return r.Offset + r.Len
}

func (r ByteRange) overlaps(o ByteRange) bool {
	rEnd := r.end()
	oEnd := o.end()
	if rEnd == -1 {
		rEnd = 1<<63 - 1
	}
	if oEnd == -1 {
		oEnd = 1<<63 - 1
	}
	return r.Offset < oEnd && o.Offset < rEnd
}

// Attributes is the POSIX-shaped attribute bundle returned by getattr.
type Attributes struct {
	Kind      NodeKind
	Size      int64
	Mode      uint32
	UID       uint32
	GID       uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
}

// SetAttrChanges is the sparse change-set accepted by setattr; a nil/zero
// field means "leave unchanged", so pointer fields are used throughout.
type SetAttrChanges struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

// DirEntry is one entry returned by readdir.
type DirEntry struct {
	Name      string // originally-stored casing
	Kind      NodeKind
	Size      int64
}

// BranchInfo summarizes a branch for branch_list.
type BranchInfo struct {
	ID     BranchId
	Parent SnapshotId
	HasParent bool
	Name   string
}

// SnapshotInfo summarizes a snapshot for snapshot_list.
type SnapshotInfo struct {
	ID   SnapshotId
	Name string
}
