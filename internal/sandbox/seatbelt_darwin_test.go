//go:build darwin

package sandbox

import (
	"strings"
	"testing"
)

func TestBuildProfileDenyByDefault(t *testing.T) {
	profile := buildProfile(Config{}, "/tmp/ah-sandbox-x")
	if want := "(version 1)\n(deny default)\n"; !strings.Contains(profile, want) {
		t.Errorf("buildProfile should deny by default, got:\n%s", profile)
	}
	if !strings.Contains(profile, "(deny network*)") {
		t.Errorf("buildProfile with AllowNetwork=false should deny network, got:\n%s", profile)
	}
}

func TestBuildProfileAllowsConfiguredPaths(t *testing.T) {
	cfg := Config{
		AllowRead:  []string{"/srv/data"},
		AllowWrite: []string{"/srv/out"},
		AllowExec:  []string{"/srv/bin"},
	}
	profile := buildProfile(cfg, "/tmp/ah-sandbox-x")

	for _, want := range []string{
		`(allow file-read* (subpath "/srv/data"))`,
		`(allow file-write* (subpath "/srv/out"))`,
		`(allow process-exec (subpath "/srv/bin"))`,
	} {
		if !strings.Contains(profile, want) {
			t.Errorf("buildProfile missing %q, got:\n%s", want, profile)
		}
	}
}

func TestBuildProfileNetworkAllowed(t *testing.T) {
	profile := buildProfile(Config{AllowNetwork: true}, "/tmp/ah-sandbox-x")
	if !strings.Contains(profile, "(allow network*)") {
		t.Errorf("buildProfile with AllowNetwork=true should allow network, got:\n%s", profile)
	}
	if strings.Contains(profile, "(deny network*)") {
		t.Errorf("buildProfile with AllowNetwork=true should not deny network, got:\n%s", profile)
	}
}
