// Package snapshot implements the Snapshot Provider Layer (spec §4.4): a
// uniform interface over ZFS, Btrfs, Git, and AgentFS-itself for preparing
// writable workspaces, taking point-in-time snapshots, and branching from
// them, plus the capability-scoring selection protocol that picks among
// them for a given repository path.
package snapshot

import (
	"path/filepath"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// Kind identifies a provider implementation (spec §4.4.1).
type Kind int

const (
	KindAuto Kind = iota
	KindZfs
	KindBtrfs
	KindAgentFs
	KindGit
	KindCopy
	KindDisable
)

func (k Kind) String() string {
	switch k {
	case KindZfs:
		return "zfs"
	case KindBtrfs:
		return "btrfs"
	case KindAgentFs:
		return "agentfs"
	case KindGit:
		return "git"
	case KindCopy:
		return "copy"
	case KindDisable:
		return "disable"
	default:
		return "auto"
	}
}

// WorkingCopyMode is how a provider prepares a workspace (spec §4.4.1).
type WorkingCopyMode int

const (
	ModeAuto WorkingCopyMode = iota
	ModeCowOverlay
	ModeWorktree
	ModeInPlace
	ModeCopy
)

func (m WorkingCopyMode) String() string {
	switch m {
	case ModeCowOverlay:
		return "cow"
	case ModeWorktree:
		return "worktree"
	case ModeInPlace:
		return "inplace"
	case ModeCopy:
		return "copy"
	default:
		return "auto"
	}
}

// DetectResult is a provider's self-assessment for a given repo path
// (spec §4.4.1/§4.4.2). Notes supplements spec.md with human-readable
// reasoning (e.g. why a provider scored low, or a capability caveat) that
// the launcher CLI surfaces in verbose/diagnostic output.
type DetectResult struct {
	Kind              Kind
	Score             int // 0-100; 0 means "not applicable"
	SupportsCowOverlay bool
	Notes             []string
}

// PreparedWorkspace is the result of prepare_writable_workspace or
// branch_from_snapshot (spec §3).
type PreparedWorkspace struct {
	ExecPath     string
	Mode         WorkingCopyMode
	Provider     Kind
	CleanupToken string
}

// SnapshotRef is the result of snapshot_now (spec §3).
type SnapshotRef struct {
	ID       string
	Label    string
	Provider Kind
	Metadata map[string]string
}

// Provider is the interface every snapshot backend implements (spec
// §4.4.1).
type Provider interface {
	Kind() Kind
	DetectCapabilities(repoPath string) (DetectResult, error)
	PrepareWritableWorkspace(repoPath string, mode WorkingCopyMode) (PreparedWorkspace, error)
	SnapshotNow(ws PreparedWorkspace, label string) (SnapshotRef, error)
	MountReadonly(snap SnapshotRef) (string, error)
	BranchFromSnapshot(snap SnapshotRef, mode WorkingCopyMode) (PreparedWorkspace, error)
	Cleanup(token string) error
}

// forbiddenDestinations rejects clearly unsafe or nonsensical workspace
// roots (spec §4.4.2).
var forbiddenDestinations = map[string]bool{
	"/":     true,
	"/dev":  true,
	"/proc": true,
	"/sys":  true,
	"/run":  true,
}

// ValidateDestination rejects the destination paths spec §4.4.2 names
// explicitly.
func ValidateDestination(path string) error {
	clean := filepath.Clean(path)
	if forbiddenDestinations[clean] {
		return aherr.New(aherr.InvalidArgument, "provider_for", clean, nil)
	}
	return nil
}

// ProviderFor implements spec §4.4.2's provider_for(path): it calls
// DetectCapabilities on every enabled provider and returns the
// highest-scoring one with score > 0. Ties are broken by the order
// providers appear in the slice (first wins), matching the typical
// preference order ZFS > Btrfs > Git > Copy that spec §4.4.2 documents.
func ProviderFor(path string, providers []Provider) (Provider, DetectResult, error) {
	if err := ValidateDestination(path); err != nil {
		return nil, DetectResult{}, err
	}
	var best Provider
	var bestResult DetectResult
	for _, p := range providers {
		res, err := p.DetectCapabilities(path)
		if err != nil {
			continue
		}
		if res.Score > bestResult.Score {
			best = p
			bestResult = res
		}
	}
	if best == nil {
		return nil, DetectResult{}, aherr.New(aherr.Unsupported, "provider_for", path, nil)
	}
	return best, bestResult, nil
}
