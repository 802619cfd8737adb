package agentfs

import "gopkg.in/yaml.v3"

// yamlConfig is the on-disk shape of Config, following the teacher's
// gopkg.in/yaml.v3 idiom of a plain struct. case_sensitivity is decoded as
// a plain string and translated to the enum by a switch in ParseConfig; no
// custom UnmarshalYAML is involved.
type yamlConfig struct {
	CaseSensitivity string `yaml:"case_sensitivity"`
	Memory          struct {
		MaxBytesInMemory int64  `yaml:"max_bytes_in_memory"`
		SpillDirectory   string `yaml:"spill_directory"`
	} `yaml:"memory"`
	Limits struct {
		MaxOpenHandles int `yaml:"max_open_handles"`
		MaxBranches    int `yaml:"max_branches"`
		MaxSnapshots   int `yaml:"max_snapshots"`
	} `yaml:"limits"`
	Cache struct {
		AttrTTLMillis     int  `yaml:"attr_ttl_ms"`
		EntryTTLMillis    int  `yaml:"entry_ttl_ms"`
		NegativeTTLMillis int  `yaml:"negative_ttl_ms"`
		EnableReaddirPlus bool `yaml:"enable_readdir_plus"`
		AutoCache         bool `yaml:"auto_cache"`
		WritebackCache    bool `yaml:"writeback_cache"`
	} `yaml:"cache"`
	EnableXattrs bool `yaml:"enable_xattrs"`
	EnableADS    bool `yaml:"enable_ads"`
	Security     struct {
		DefaultMode    uint32 `yaml:"default_mode"`
		DefaultUID     uint32 `yaml:"default_uid"`
		DefaultGID     uint32 `yaml:"default_gid"`
		HonorCallerIDs bool   `yaml:"honor_caller_ids"`
	} `yaml:"security"`
	TrackEvents bool `yaml:"track_events"`
}

// ParseConfig decodes a YAML document into a Config, applying spec
// §4.2.1's defaults for any field the document omits. defaultCase is the
// platform default (sensitive on Linux, insensitive_preserving elsewhere)
// applied when case_sensitivity is absent from the document.
func ParseConfig(data []byte, defaultCase CaseSensitivity) (Config, error) {
	var y yamlConfig
	y.EnableXattrs = true
	y.EnableADS = true
	y.TrackEvents = true
	if y.Security.DefaultMode == 0 {
		y.Security.DefaultMode = 0o644
	}
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig(defaultCase)
	switch y.CaseSensitivity {
	case "sensitive":
		cfg.CaseSensitivity = CaseSensitive
	case "insensitive_preserving":
		cfg.CaseSensitivity = CaseInsensitivePreserving
	}
	cfg.Memory = MemoryConfig{MaxBytesInMemory: y.Memory.MaxBytesInMemory, SpillDirectory: y.Memory.SpillDirectory}
	cfg.Limits = LimitsConfig{
		MaxOpenHandles: y.Limits.MaxOpenHandles,
		MaxBranches:    y.Limits.MaxBranches,
		MaxSnapshots:   y.Limits.MaxSnapshots,
	}
	cfg.Cache = CacheConfig{
		AttrTTLMillis:     y.Cache.AttrTTLMillis,
		EntryTTLMillis:    y.Cache.EntryTTLMillis,
		NegativeTTLMilli:  y.Cache.NegativeTTLMillis,
		EnableReaddirPlus: y.Cache.EnableReaddirPlus,
		AutoCache:         y.Cache.AutoCache,
		WritebackCache:    y.Cache.WritebackCache,
	}
	cfg.EnableXattrs = y.EnableXattrs
	cfg.EnableADS = y.EnableADS
	cfg.TrackEvents = y.TrackEvents
	cfg.Security = SecurityConfig{
		DefaultMode:    y.Security.DefaultMode,
		DefaultUID:     y.Security.DefaultUID,
		DefaultGID:     y.Security.DefaultGID,
		HonorCallerIDs: y.Security.HonorCallerIDs,
	}
	return cfg, nil
}
