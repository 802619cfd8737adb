package sandbox

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathRule is one --allow-read/--allow-write/--allow-exec/--mount-rw/
// --overlay entry (spec §6.4).
type PathRule struct {
	Path     string
	ReadOnly bool
}

// CgroupLimits mirrors spec §4.5.2's defaults.
type CgroupLimits struct {
	PidsMax     uint64
	MemoryHigh  uint64
	MemoryMax   uint64
	CPUMaxQuota string // e.g. "80000 100000" (microseconds per period)
}

// DefaultCgroupLimits returns the spec §4.5.2 defaults.
func DefaultCgroupLimits() CgroupLimits {
	return CgroupLimits{
		PidsMax:     1024,
		MemoryHigh:  1 << 30, // 1 GiB
		MemoryMax:   2 << 30, // 2 GiB
		CPUMaxQuota: "80000 100000",
	}
}

// NetworkConfig configures the userspace network helper (spec §4.5.5).
type NetworkConfig struct {
	Enabled     bool
	CIDR        string // default 10.0.2.0/24 — see DESIGN.md's Open Question decision
	DisableIPv6 bool
	MTU         int
	// AllowedDomains, when non-empty, layers an HTTP CONNECT domain
	// allowlist (internal/sandbox's DomainProxy) on top of the TAP/NAT
	// helper, restricting egress to named hosts even though the
	// namespace itself has general internet access.
	AllowedDomains []string
}

// DefaultNetworkConfig returns the spec §4.5.5 defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{CIDR: "10.0.2.0/24", MTU: 1500}
}

// Config holds every sandbox creation parameter named by the launcher CLI
// surface (spec §6.4).
type Config struct {
	Root    string // optional chroot/new-root base
	WorkDir string

	AllowRead  []string
	AllowWrite []string
	AllowExec  []string

	AllowNetwork    bool
	AllowContainers bool
	AllowKVM        bool

	Seccomp      bool
	SeccompDebug bool

	// TTY allocates a controlling pseudo-terminal for the sandboxed child
	// (spec §4.5.6) instead of inheriting the launcher's stdio directly, so
	// interactive agent CLIs that probe isatty() on stdin/stdout see a real
	// terminal.
	TTY bool

	MountRW  []string
	Overlays []string

	Cgroup  CgroupLimits
	Network NetworkConfig

	Timeout time.Duration
}

// DefaultConfig returns a Config with every spec-mandated default applied;
// callers override only what they need.
func DefaultConfig() Config {
	return Config{
		Seccomp: true,
		Cgroup:  DefaultCgroupLimits(),
		Network: DefaultNetworkConfig(),
	}
}

// ParseBool implements spec §6.4's "yes|no|true|false|1|0" boolean flag
// grammar.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("sandbox: invalid boolean flag value %q", s)
	}
}

// yamlConfig is the on-disk config shape, decoded with yaml.v3 the same way
// the teacher's per-agent sandbox profile (its deleted AgentProfile type)
// used a custom UnmarshalYAML to let overlay entries be spelled
// either as a bare path string or as an object carrying a read_only flag —
// a genuine tagged-union field, unlike agentfs's plain case-sensitivity
// enum.
type yamlConfig struct {
	Root       string       `yaml:"root"`
	WorkDir    string       `yaml:"workdir"`
	AllowRead  []string     `yaml:"allow_read"`
	AllowWrite []string     `yaml:"allow_write"`
	AllowExec  []string     `yaml:"allow_exec"`
	Network    yamlNetwork  `yaml:"network"`
	MountRW    []string     `yaml:"mount_rw"`
	Overlays   []yamlMount  `yaml:"overlays"`
	Cgroup     *yamlCgroup  `yaml:"cgroup"`
	Seccomp    *yamlSeccomp `yaml:"seccomp"`
	TTY        bool         `yaml:"tty"`
}

type yamlNetwork struct {
	Enabled        bool     `yaml:"enabled"`
	CIDR           string   `yaml:"cidr"`
	DisableIPv6    bool     `yaml:"disable_ipv6"`
	MTU            int      `yaml:"mtu"`
	AllowedDomains []string `yaml:"allowed_domains"`
}

type yamlCgroup struct {
	PidsMax     uint64 `yaml:"pids_max"`
	MemoryHigh  uint64 `yaml:"memory_high"`
	MemoryMax   uint64 `yaml:"memory_max"`
	CPUMaxQuota string `yaml:"cpu_max"`
}

type yamlSeccomp struct {
	Enabled bool `yaml:"enabled"`
	Debug   bool `yaml:"debug"`
}

// yamlMount decodes either a bare path string ("/srv/cache") or a mapping
// ({path: /srv/cache, read_only: true}) into the same PathRule-shaped
// value — the union the teacher's AgentProfile config handled with a custom
// UnmarshalYAML.
type yamlMount struct {
	Path     string
	ReadOnly bool
}

func (m *yamlMount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&m.Path)
	}
	var obj struct {
		Path     string `yaml:"path"`
		ReadOnly bool   `yaml:"read_only"`
	}
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("sandbox: invalid mount entry: %w", err)
	}
	m.Path, m.ReadOnly = obj.Path, obj.ReadOnly
	return nil
}

// ParseConfig decodes a YAML sandbox configuration, applying
// DefaultConfig's values wherever the document is silent.
func ParseConfig(data []byte) (Config, error) {
	var doc yamlConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("sandbox: parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Root = doc.Root
	cfg.WorkDir = doc.WorkDir
	cfg.AllowRead = doc.AllowRead
	cfg.AllowWrite = doc.AllowWrite
	cfg.AllowExec = doc.AllowExec
	cfg.MountRW = doc.MountRW
	for _, o := range doc.Overlays {
		cfg.Overlays = append(cfg.Overlays, o.Path)
	}

	cfg.Network.Enabled = doc.Network.Enabled
	cfg.AllowNetwork = doc.Network.Enabled
	if doc.Network.CIDR != "" {
		cfg.Network.CIDR = doc.Network.CIDR
	}
	cfg.Network.DisableIPv6 = doc.Network.DisableIPv6
	if doc.Network.MTU != 0 {
		cfg.Network.MTU = doc.Network.MTU
	}
	cfg.Network.AllowedDomains = doc.Network.AllowedDomains

	if doc.Cgroup != nil {
		if doc.Cgroup.PidsMax != 0 {
			cfg.Cgroup.PidsMax = doc.Cgroup.PidsMax
		}
		if doc.Cgroup.MemoryHigh != 0 {
			cfg.Cgroup.MemoryHigh = doc.Cgroup.MemoryHigh
		}
		if doc.Cgroup.MemoryMax != 0 {
			cfg.Cgroup.MemoryMax = doc.Cgroup.MemoryMax
		}
		if doc.Cgroup.CPUMaxQuota != "" {
			cfg.Cgroup.CPUMaxQuota = doc.Cgroup.CPUMaxQuota
		}
	}
	if doc.Seccomp != nil {
		cfg.Seccomp = doc.Seccomp.Enabled
		cfg.SeccompDebug = doc.Seccomp.Debug
	}
	cfg.TTY = doc.TTY
	return cfg, nil
}
