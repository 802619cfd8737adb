//go:build darwin

// macOS's native filesystem-extension framework is FSKit, which (unlike
// FUSE on Linux or WinFsp on Windows) has no third-party Go binding
// anywhere in the examples this repo was built from, and Apple has not
// published one either — FSKit modules are Swift/Objective-C app
// extensions hosted by fskitd, not a library a plain Go binary can link.
// Rather than fabricate a binding or silently degrade to some other
// mechanism, this adapter refuses to start and says so, the same
// deny-by-default posture internal/sandbox's unsupported_other.go takes for
// a platform it does not implement.
package fsadapter

import (
	"fmt"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
)

// ErrFSKitUnavailable is returned by Serve on macOS, where no FSKit bridge
// exists.
var ErrFSKitUnavailable = fmt.Errorf("fsadapter: no FSKit binding is available for this build; macOS mounts are not yet supported")

// Serve always fails on macOS (see package comment).
func Serve(mountpoint string, core *agentfs.Core) error {
	return ErrFSKitUnavailable
}
