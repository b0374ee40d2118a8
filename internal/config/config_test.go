package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
upstream = "/run/agent.sock"
log = "debug"
timeout = "5s"
audit_dir = "/var/log/sockguard"

[github]
cache_ttl = "30m"
timeout = "3s"

[sockets.work]
path = "/run/work.sock"
mode = "0660"
filters = [
    ["comment=work*", "type=ed25519"],
    ["fingerprint=SHA256:abc"],
]
sign_rate_max = 10
sign_rate_window = "1m"

[sockets.deploy]
path = "/run/deploy.sock"
upstream = "/run/other-agent.sock"
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleTOML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Upstream != "/run/agent.sock" {
		t.Errorf("upstream = %q", cfg.Upstream)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.AuditDir != "/var/log/sockguard" {
		t.Errorf("audit dir = %q", cfg.AuditDir)
	}
	if cfg.GitHubTTL != 30*time.Minute || cfg.GitHubTimeout != 3*time.Second {
		t.Errorf("github = %v/%v", cfg.GitHubTTL, cfg.GitHubTimeout)
	}

	if len(cfg.Sockets) != 2 {
		t.Fatalf("got %d sockets", len(cfg.Sockets))
	}
	// Sockets come back sorted by name.
	deploy, work := cfg.Sockets[0], cfg.Sockets[1]
	if deploy.Name != "deploy" || work.Name != "work" {
		t.Fatalf("socket order %q, %q", deploy.Name, work.Name)
	}
	if deploy.Upstream != "/run/other-agent.sock" {
		t.Errorf("deploy upstream = %q", deploy.Upstream)
	}
	if work.Mode != 0o660 {
		t.Errorf("work mode = %v", work.Mode)
	}
	if len(work.Filters) != 2 || len(work.Filters[0]) != 2 {
		t.Errorf("work filters = %v", work.Filters)
	}
	if work.SignRateMax != 10 || work.SignRateWindow != time.Minute {
		t.Errorf("work rate = %d/%v", work.SignRateMax, work.SignRateWindow)
	}
}

func TestLoadBytesDefaults(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "/run/env-agent.sock")
	cfg, err := LoadBytes([]byte(`[sockets.a]` + "\n" + `path = "/run/a.sock"`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream != "/run/env-agent.sock" {
		t.Errorf("upstream = %q, want SSH_AUTH_SOCK fallback", cfg.Upstream)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.GitHubTTL != DefaultGitHubTTL {
		t.Errorf("github ttl = %v", cfg.GitHubTTL)
	}
	if cfg.Sockets[0].Mode != 0 {
		t.Errorf("mode = %v, want unset", cfg.Sockets[0].Mode)
	}
}

func TestLoadBytesErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"unknown key", `upstrem = "/run/a.sock"`, "unknown key"},
		{"unknown socket key", "[sockets.a]\npath = \"/x\"\nfilter = []", "unknown key"},
		{"missing path", "[sockets.a]\nmode = \"0600\"", "path is required"},
		{"bad mode", "[sockets.a]\npath = \"/x\"\nmode = \"rwx\"", "invalid mode"},
		{"mode with type bits", "[sockets.a]\npath = \"/x\"\nmode = \"140600\"", "invalid mode"},
		{"bad timeout", `timeout = "fast"`, "invalid timeout"},
		{"bad log level", `log = "chatty"`, "invalid log level"},
		{"bad rate window", "[sockets.a]\npath = \"/x\"\nsign_rate_window = \"soon\"", "sign_rate_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.toml))
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadExpandsPaths(t *testing.T) {
	t.Setenv("RUNDIR", "/run/user/1000")
	cfg, err := LoadBytes([]byte(`
upstream = "$RUNDIR/agent.sock"

[sockets.a]
path = "~/guard.sock"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream != "/run/user/1000/agent.sock" {
		t.Errorf("upstream = %q", cfg.Upstream)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if want := filepath.Join(home, "guard.sock"); cfg.Sockets[0].Path != want {
		t.Errorf("path = %q, want %q", cfg.Sockets[0].Path, want)
	}
}

func TestTopologyGroupsByUpstream(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
upstream = "/run/agent.sock"

[sockets.a]
path = "/run/a.sock"

[sockets.b]
path = "/run/b.sock"

[sockets.c]
path = "/run/c.sock"
upstream = "/run/other.sock"
`))
	if err != nil {
		t.Fatal(err)
	}

	topo := cfg.Topology()
	if len(topo.Groups) != 2 {
		t.Fatalf("got %d groups", len(topo.Groups))
	}
	if topo.Groups[0].Upstream != "/run/agent.sock" || len(topo.Groups[0].Sockets) != 2 {
		t.Errorf("group 0: %s with %d sockets", topo.Groups[0].Upstream, len(topo.Groups[0].Sockets))
	}
	if topo.Groups[1].Upstream != "/run/other.sock" || len(topo.Groups[1].Sockets) != 1 {
		t.Errorf("group 1: %s with %d sockets", topo.Groups[1].Upstream, len(topo.Groups[1].Sockets))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != path {
		t.Errorf("path = %q", cfg.Path)
	}
}

// The shipped starter config must parse.
func TestDefaultTOMLIsValid(t *testing.T) {
	cfg, err := LoadBytes([]byte(DefaultTOML))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sockets) != 1 || cfg.Sockets[0].Name != "work" {
		t.Fatalf("sockets = %+v", cfg.Sockets)
	}
}

func TestMarshalTOMLRoundTrip(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	out, err := cfg.MarshalTOML()
	if err != nil {
		t.Fatal(err)
	}
	again, err := LoadBytes(out)
	if err != nil {
		t.Fatalf("re-parsing rendered config: %v", err)
	}
	if len(again.Sockets) != len(cfg.Sockets) {
		t.Fatalf("socket count changed: %d -> %d", len(cfg.Sockets), len(again.Sockets))
	}
}
