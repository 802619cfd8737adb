//go:build linux

package fsadapter

import (
	"syscall"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// errnoFor translates a Core error's aherr.Code into the errno FUSE expects
// a node/file-handle method to return, mirroring the Code-to-host-native
// translation spec §4.3 assigns to the adapter layer.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch aherr.CodeOf(err) {
	case aherr.NotFound:
		return syscall.ENOENT
	case aherr.AlreadyExists:
		return syscall.EEXIST
	case aherr.AccessDenied:
		return syscall.EACCES
	case aherr.InvalidArgument:
		return syscall.EINVAL
	case aherr.Busy:
		return syscall.EBUSY
	case aherr.NoSpace:
		return syscall.ENOSPC
	case aherr.Unsupported:
		return syscall.ENOSYS
	default:
		return syscall.EIO
	}
}
