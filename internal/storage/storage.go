// Package storage implements the content-addressed byte store that backs
// AgentFS Core: blobs identified by an opaque ContentId, with copy-on-write
// clone and seal (immutability) operations. See spec §4.1.
package storage

import (
	"sync"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/zeebo/blake3"
)

// ContentId is a 64-bit opaque identifier for a content blob.
type ContentId uint64

type blob struct {
	mu       sync.RWMutex
	data     []byte
	sealed   bool
	refcount int32
	// digest caches the BLAKE3-256 hash of data, computed when the blob is
	// sealed and recorded in Backend.digestIndex. Cleared on the next write.
	digest    [32]byte
	digestSet bool
}

// Backend is the storage backend: a map from ContentId to blob, plus an
// optional byte budget and an optional spill of sealed blobs to disk.
type Backend struct {
	mu     sync.Mutex
	blobs  map[ContentId]*blob
	nextID ContentId

	maxBytes int64 // 0 = unlimited
	used     int64

	spill *spillIndex // nil if memory.spill_directory not configured

	// digestIndex maps content hash -> the first sealed ContentId with that
	// content. Seal adds entries and Release removes them; CloneCow does
	// not consult it.
	digestIndex map[[32]byte]ContentId
}

// Config mirrors the `memory.*` and `limits.*` options of spec §4.2.1 that
// are relevant to the storage layer.
type Config struct {
	MaxBytesInMemory int64  // 0 = no cap
	SpillDirectory   string // "" = no spill
}

// New creates a Backend. If cfg.SpillDirectory is set, a sqlite-backed spill
// index is opened there so Spill can write sealed blobs to disk and they
// can be reloaded on access, including across a process restart.
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		blobs:       make(map[ContentId]*blob),
		maxBytes:    cfg.MaxBytesInMemory,
		digestIndex: make(map[[32]byte]ContentId),
	}
	if cfg.SpillDirectory != "" {
		idx, err := openSpillIndex(cfg.SpillDirectory)
		if err != nil {
			return nil, aherr.New(aherr.Io, "storage.New", cfg.SpillDirectory, err)
		}
		b.spill = idx
	}
	return b, nil
}

// Close releases the spill index, if any.
func (b *Backend) Close() error {
	if b.spill != nil {
		return b.spill.Close()
	}
	return nil
}

// Allocate creates a new blob, refcount 1, unsealed.
func (b *Backend) Allocate(initial []byte) ContentId {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	data := append([]byte(nil), initial...)
	b.blobs[id] = &blob{data: data, refcount: 1}
	b.used += int64(len(data))
	return id
}

// Retain increments a blob's refcount. Used by AgentFS Core whenever a
// directory/file node referencing a ContentId is duplicated by CoW.
func (b *Backend) Retain(id ContentId) {
	b.mu.Lock()
	bl, ok := b.blobs[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	bl.mu.Lock()
	bl.refcount++
	bl.mu.Unlock()
}

// Release decrements a blob's refcount, destroying it (and reclaiming the
// spilled file, if any) when it reaches zero.
func (b *Backend) Release(id ContentId) {
	b.mu.Lock()
	bl, ok := b.blobs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	bl.mu.Lock()
	bl.refcount--
	dead := bl.refcount <= 0
	bl.mu.Unlock()
	if dead {
		delete(b.blobs, id)
		b.used -= int64(len(bl.data))
		if bl.digestSet {
			delete(b.digestIndex, bl.digest)
		}
	}
	b.mu.Unlock()
	if dead && b.spill != nil {
		b.spill.forget(id)
	}
}

func (b *Backend) lookup(id ContentId) (*blob, error) {
	b.mu.Lock()
	bl, ok := b.blobs[id]
	b.mu.Unlock()
	if !ok {
		if b.spill != nil {
			if data, err := b.spill.load(id); err == nil {
				b.mu.Lock()
				bl = &blob{data: data, sealed: true, refcount: 1}
				b.blobs[id] = bl
				b.mu.Unlock()
				return bl, nil
			}
		}
		return nil, aherr.New(aherr.NotFound, "storage", "", nil)
	}
	return bl, nil
}

// Read copies up to len(buf) bytes starting at offset. Reading past the end
// of the blob yields 0, never an error.
func (b *Backend) Read(id ContentId, offset int64, buf []byte) (int, error) {
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	if offset < 0 || offset >= int64(len(bl.data)) {
		return 0, nil
	}
	n := copy(buf, bl.data[offset:])
	return n, nil
}

// Write extends the blob with zero-fill if offset > len(data). Fails with
// AccessDenied if sealed.
func (b *Backend) Write(id ContentId, offset int64, data []byte) (int, error) {
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.sealed {
		return 0, aherr.New(aherr.AccessDenied, "storage.write", "", nil)
	}
	end := offset + int64(len(data))
	if end > int64(len(bl.data)) {
		grown := make([]byte, end)
		copy(grown, bl.data)
		delta := int64(len(grown) - len(bl.data))
		if b.maxBytes > 0 && b.used+delta > b.maxBytes {
			return 0, aherr.New(aherr.NoSpace, "storage.write", "", nil)
		}
		bl.data = grown
		b.mu.Lock()
		b.used += delta
		b.mu.Unlock()
	}
	n := copy(bl.data[offset:], data)
	bl.digestSet = false
	return n, nil
}

// Truncate resizes a blob, zero-filling on growth. Fails if sealed.
func (b *Backend) Truncate(id ContentId, newLen int64) error {
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.sealed {
		return aherr.New(aherr.AccessDenied, "storage.truncate", "", nil)
	}
	delta := newLen - int64(len(bl.data))
	if delta > 0 && b.maxBytes > 0 && b.used+delta > b.maxBytes {
		return aherr.New(aherr.NoSpace, "storage.truncate", "", nil)
	}
	grown := make([]byte, newLen)
	copy(grown, bl.data)
	bl.data = grown
	bl.digestSet = false
	b.mu.Lock()
	b.used += delta
	b.mu.Unlock()
	return nil
}

// CloneCow returns a new ContentId whose initial content equals base's
// current content. base must already be sealed (the caller, AgentFS Core,
// enforces this for snapshot correctness). The clone is always a fresh,
// unsealed copy, so base and clone are independently mutable even when
// other blobs hold the same bytes.
func (b *Backend) CloneCow(base ContentId) (ContentId, error) {
	bl, err := b.lookup(base)
	if err != nil {
		return 0, err
	}
	bl.mu.Lock()
	if !bl.sealed {
		bl.mu.Unlock()
		return 0, aherr.New(aherr.InvalidArgument, "storage.clone_cow", "", nil)
	}
	data := append([]byte(nil), bl.data...)
	bl.mu.Unlock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.blobs[id] = &blob{data: data, refcount: 1}
	b.used += int64(len(data))
	b.mu.Unlock()
	return id, nil
}

// Seal marks a blob immutable. Idempotent.
func (b *Backend) Seal(id ContentId) error {
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.sealed {
		return nil
	}
	bl.sealed = true
	bl.digest = blake3.Sum256(bl.data)
	bl.digestSet = true
	b.mu.Lock()
	if _, exists := b.digestIndex[bl.digest]; !exists {
		b.digestIndex[bl.digest] = id
	}
	b.mu.Unlock()
	return nil
}

// Len returns the current length of a blob. Used by AgentFS Core to fill in
// file size attributes without copying bytes.
func (b *Backend) Len(id ContentId) (int64, error) {
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return int64(len(bl.data)), nil
}

// Spill moves sealed blobs to the spill directory, in map iteration order,
// until at most keepBytes remain in memory. No access recency is tracked,
// so the blobs moved are not necessarily the least recently used. Nothing
// in AgentFS Core calls it; it is a no-op if no spill directory is
// configured.
func (b *Backend) Spill(keepBytes int64) error {
	if b.spill == nil {
		return nil
	}
	b.mu.Lock()
	over := b.used - keepBytes
	if over <= 0 {
		b.mu.Unlock()
		return nil
	}
	candidates := make([]ContentId, 0, len(b.blobs))
	for id, bl := range b.blobs {
		bl.mu.RLock()
		sealed := bl.sealed
		bl.mu.RUnlock()
		if sealed {
			candidates = append(candidates, id)
		}
	}
	b.mu.Unlock()

	for _, id := range candidates {
		if over <= 0 {
			return nil
		}
		b.mu.Lock()
		bl, ok := b.blobs[id]
		if !ok {
			b.mu.Unlock()
			continue
		}
		bl.mu.RLock()
		data := bl.data
		bl.mu.RUnlock()
		if err := b.spill.store(id, data); err != nil {
			b.mu.Unlock()
			return err
		}
		delete(b.blobs, id)
		b.used -= int64(len(data))
		over -= int64(len(data))
		b.mu.Unlock()
	}
	return nil
}
