package snapshot

import (
	"strings"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// EncodeToken builds an opaque cleanup token of the form
// "<kind>:<mode>:<path>", e.g. "btrfs:cow:/srv/repo_snap_ah_1234" (spec
// §4.4.7). Tokens are plain text and stable across process restarts so an
// orphan-sweeper can reclaim resources after a crash.
func EncodeToken(kind Kind, mode WorkingCopyMode, path string) string {
	return kind.String() + ":" + mode.String() + ":" + path
}

// DecodedToken is a parsed cleanup token.
type DecodedToken struct {
	Kind Kind
	Mode WorkingCopyMode
	Path string
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "zfs":
		return KindZfs, true
	case "btrfs":
		return KindBtrfs, true
	case "agentfs":
		return KindAgentFs, true
	case "git":
		return KindGit, true
	case "copy":
		return KindCopy, true
	case "disable":
		return KindDisable, true
	case "auto":
		return KindAuto, true
	default:
		return KindAuto, false
	}
}

func parseMode(s string) (WorkingCopyMode, bool) {
	switch s {
	case "cow":
		return ModeCowOverlay, true
	case "worktree":
		return ModeWorktree, true
	case "inplace":
		return ModeInPlace, true
	case "copy":
		return ModeCopy, true
	case "auto":
		return ModeAuto, true
	default:
		return ModeAuto, false
	}
}

// DecodeToken parses a cleanup token produced by EncodeToken. Unknown or
// malformed tokens fail with InvalidArgument (spec §4.4.7).
func DecodeToken(token string) (DecodedToken, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return DecodedToken{}, aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	kind, ok := parseKind(parts[0])
	if !ok {
		return DecodedToken{}, aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	mode, ok := parseMode(parts[1])
	if !ok {
		return DecodedToken{}, aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	if parts[2] == "" {
		return DecodedToken{}, aherr.New(aherr.InvalidArgument, "cleanup", token, nil)
	}
	return DecodedToken{Kind: kind, Mode: mode, Path: parts[2]}, nil
}
