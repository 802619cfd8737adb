//go:build windows

// The Windows adapter mounts AgentFS Core through WinFsp via cgofuse, whose
// FileSystemInterface is path-based rather than inode-based (unlike
// hanwen/go-fuse/v2's fs package used on Linux) — every callback receives
// the full path and, where relevant, an opaque uint64 file handle that this
// adapter maps to a Core HandleId through handleTable.
package fsadapter

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

const (
	agentFSDirPath  = "/" + agentFSDirName
	controlFilePath = agentFSDirPath + "/" + controlFileName
)

// WinFS implements fuse.FileSystemInterface against an agentfs.Core.
type WinFS struct {
	fuse.FileSystemBase

	core       *agentfs.Core
	dispatcher *Dispatcher
	handles    *handleTable

	mu       sync.Mutex
	controls map[uint64][]byte // fh -> last control response, for the write-then-read protocol
}

// NewWinFS wraps core in a WinFsp-facing filesystem.
func NewWinFS(core *agentfs.Core) *WinFS {
	return &WinFS{
		core:       core,
		dispatcher: NewDispatcher(core),
		handles:    newHandleTable(),
		controls:   make(map[uint64][]byte),
	}
}

// Serve mounts core at mountpoint via WinFsp and blocks until the mount is
// torn down.
func Serve(mountpoint string, core *agentfs.Core) error {
	fs := NewWinFS(core)
	host := fuse.NewFileSystemHost(fs)
	if !host.Mount(mountpoint, nil) {
		return fmt.Errorf("fsadapter: WinFsp mount of %s failed", mountpoint)
	}
	return nil
}

func normalize(path string) string {
	path = filepath.ToSlash(path)
	return strings.TrimPrefix(path, "/")
}

func (fs *WinFS) branch() agentfs.BranchId {
	_, _, pid := fuse.Getcontext()
	return fs.core.BranchForPID(pid)
}

func errc(err error) int {
	if err == nil {
		return 0
	}
	switch aherr.CodeOf(err) {
	case aherr.NotFound:
		return -fuse.ENOENT
	case aherr.AlreadyExists:
		return -fuse.EEXIST
	case aherr.AccessDenied:
		return -fuse.EACCES
	case aherr.InvalidArgument:
		return -fuse.EINVAL
	case aherr.Busy:
		return -fuse.EBUSY
	case aherr.NoSpace:
		return -fuse.ENOSPC
	case aherr.Unsupported:
		return -fuse.ENOSYS
	default:
		return -fuse.EIO
	}
}

func fillStat(a agentfs.Attributes, stat *fuse.Stat_t) {
	stat.Mode = a.Mode
	switch a.Kind {
	case agentfs.KindDirectory:
		stat.Mode |= fuse.S_IFDIR
	case agentfs.KindSymlink:
		stat.Mode |= fuse.S_IFLNK
	default:
		stat.Mode |= fuse.S_IFREG
	}
	stat.Size = a.Size
	stat.Uid = a.UID
	stat.Gid = a.GID
	stat.Atim = fuse.NewTimespec(a.Atime)
	stat.Mtim = fuse.NewTimespec(a.Mtime)
	stat.Ctim = fuse.NewTimespec(a.Ctime)
}

func (fs *WinFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	p := normalize(path)
	if p == agentFSDirName {
		stat.Mode = fuse.S_IFDIR | 0o555
		return 0
	}
	if p == agentFSDirName+"/"+controlFileName {
		stat.Mode = fuse.S_IFREG | 0o600
		return 0
	}
	attrs, err := fs.core.GetAttr(fs.branch(), p)
	if err != nil {
		return errc(err)
	}
	fillStat(attrs, stat)
	return 0
}

func (fs *WinFS) Open(path string, flags int) (int, uint64) {
	p := normalize(path)
	if p == agentFSDirName+"/"+controlFileName {
		fh := fs.handles.Register(0)
		return 0, fh
	}
	opts := agentfs.OpenOptions{
		Read:  flags&fuse.O_WRONLY == 0,
		Write: flags&(fuse.O_WRONLY|fuse.O_RDWR) != 0,
	}
	h, err := fs.core.Open(fs.branch(), p, opts)
	if err != nil {
		return errc(err), 0
	}
	return 0, fs.handles.Register(h)
}

func (fs *WinFS) Create(path string, flags int, mode uint32) (int, uint64) {
	p := normalize(path)
	opts := agentfs.OpenOptions{
		Read:     true,
		Write:    true,
		Create:   true,
		Truncate: flags&fuse.O_TRUNC != 0,
		Mode:     mode,
	}
	h, err := fs.core.Create(fs.branch(), p, opts)
	if err != nil {
		return errc(err), 0
	}
	return 0, fs.handles.Register(h)
}

func (fs *WinFS) isControlFh(path string, fh uint64) bool {
	return normalize(path) == agentFSDirName+"/"+controlFileName
}

func (fs *WinFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	if fs.isControlFh(path, fh) {
		fs.mu.Lock()
		resp := fs.controls[fh]
		fs.mu.Unlock()
		if ofst >= int64(len(resp)) {
			return 0
		}
		end := ofst + int64(len(buff))
		if end > int64(len(resp)) {
			end = int64(len(resp))
		}
		return copy(buff, resp[ofst:end])
	}
	h, ok := fs.handles.Lookup(fh)
	if !ok {
		return -fuse.EBADF
	}
	n, err := fs.core.Read(h, ofst, buff)
	if err != nil {
		return errc(err)
	}
	return n
}

func (fs *WinFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if fs.isControlFh(path, fh) {
		_, _, pid := fuse.Getcontext()
		resp := fs.dispatcher.Handle(buff, pid)
		fs.mu.Lock()
		fs.controls[fh] = resp
		fs.mu.Unlock()
		return len(buff)
	}
	h, ok := fs.handles.Lookup(fh)
	if !ok {
		return -fuse.EBADF
	}
	n, err := fs.core.Write(h, ofst, buff)
	if err != nil {
		return errc(err)
	}
	return n
}

func (fs *WinFS) Release(path string, fh uint64) int {
	if fs.isControlFh(path, fh) {
		fs.mu.Lock()
		delete(fs.controls, fh)
		fs.mu.Unlock()
		fs.handles.Release(fh)
		return 0
	}
	h, ok := fs.handles.Lookup(fh)
	if !ok {
		return -fuse.EBADF
	}
	fs.handles.Release(fh)
	return errc(fs.core.Close(h))
}

func (fs *WinFS) Mkdir(path string, mode uint32) int {
	return errc(fs.core.Mkdir(fs.branch(), normalize(path), mode))
}

func (fs *WinFS) Rmdir(path string) int {
	return errc(fs.core.Rmdir(fs.branch(), normalize(path)))
}

func (fs *WinFS) Unlink(path string) int {
	return errc(fs.core.Unlink(fs.branch(), normalize(path)))
}

func (fs *WinFS) Rename(oldpath string, newpath string) int {
	return errc(fs.core.Rename(fs.branch(), normalize(oldpath), normalize(newpath)))
}

func (fs *WinFS) Symlink(target string, newpath string) int {
	return errc(fs.core.Symlink(fs.branch(), target, normalize(newpath)))
}

func (fs *WinFS) Readlink(path string) (int, string) {
	target, err := fs.core.Readlink(fs.branch(), normalize(path))
	if err != nil {
		return errc(err), ""
	}
	return 0, target
}

func (fs *WinFS) Truncate(path string, size int64, fh uint64) int {
	changes := agentfs.SetAttrChanges{Size: &size}
	return errc(fs.core.SetAttr(fs.branch(), normalize(path), changes))
}

func (fs *WinFS) Chmod(path string, mode uint32) int {
	changes := agentfs.SetAttrChanges{Mode: &mode}
	return errc(fs.core.SetAttr(fs.branch(), normalize(path), changes))
}

func (fs *WinFS) Chown(path string, uid uint32, gid uint32) int {
	changes := agentfs.SetAttrChanges{UID: &uid, GID: &gid}
	return errc(fs.core.SetAttr(fs.branch(), normalize(path), changes))
}

func (fs *WinFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if len(tmsp) < 2 {
		return 0
	}
	mtime := tmsp[1].Time()
	changes := agentfs.SetAttrChanges{Mtime: &mtime}
	return errc(fs.core.SetAttr(fs.branch(), normalize(path), changes))
}

func (fs *WinFS) Opendir(path string) (int, uint64) {
	return 0, 0
}

func (fs *WinFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	p := normalize(path)
	fill(".", nil, 0)
	fill("..", nil, 0)

	if p == agentFSDirName {
		fill(controlFileName, nil, 0)
		return 0
	}

	entries, err := fs.core.ReadDir(fs.branch(), p)
	if err != nil {
		return errc(err)
	}
	if p == "" {
		fill(agentFSDirName, nil, 0)
	}
	for _, e := range entries {
		fill(e.Name, nil, 0)
	}
	return 0
}

func (fs *WinFS) Releasedir(path string, fh uint64) int {
	return 0
}
