package sandbox

// Level is a coarse isolation preset that the launcher CLI can apply on top
// of DefaultConfig before any --allow-*/--mount-rw flags are layered in; the
// wire-level contract is still the explicit Config fields from §6.4, not
// the level itself.
type Level int

const (
	Strict     Level = iota // no network, minimal fs, no containers/KVM
	Standard                // no network, mounted dirs only
	NetworkLvl              // network allowed, mounted dirs only
	Privileged              // containers + KVM + network allowed
)

func (l Level) String() string {
	switch l {
	case Strict:
		return "strict"
	case Standard:
		return "standard"
	case NetworkLvl:
		return "network"
	case Privileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level, defaulting to Standard.
func ParseLevel(s string) Level {
	switch s {
	case "strict":
		return Strict
	case "standard":
		return Standard
	case "network":
		return NetworkLvl
	case "privileged":
		return Privileged
	default:
		return Standard
	}
}

// Apply layers the preset onto cfg, returning the modified value. Explicit
// fields set by the caller afterward (e.g. --allow-network no) still win,
// since this only flips the coarse booleans.
func (l Level) Apply(cfg Config) Config {
	switch l {
	case Strict:
		cfg.AllowNetwork, cfg.AllowContainers, cfg.AllowKVM = false, false, false
	case Standard:
		cfg.AllowNetwork, cfg.AllowContainers, cfg.AllowKVM = false, false, false
	case NetworkLvl:
		cfg.AllowNetwork = true
	case Privileged:
		cfg.AllowNetwork, cfg.AllowContainers, cfg.AllowKVM = true, true, true
	}
	cfg.Network.Enabled = cfg.AllowNetwork
	return cfg
}
