//go:build !linux && !darwin

package sandbox

import "fmt"

// newPlatform has no implementation outside Linux (namespaces/seccomp) and
// macOS (Seatbelt) — spec §4.5/§4.6 name only those two backends, and the
// "no silent fallback" invariant means an unsupported platform must fail
// capability detection rather than hand back a weaker sandbox.
func newPlatform(cfg Config) (Sandbox, error) {
	return nil, fmt.Errorf("sandbox: no backend implemented for this platform")
}
