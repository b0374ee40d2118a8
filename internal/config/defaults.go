package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// UpstreamEnv names the environment variable consulted when no
	// upstream is configured, the same one ssh itself uses.
	UpstreamEnv = "SSH_AUTH_SOCK"

	DefaultTimeout       = 10 * time.Second
	DefaultGitHubTTL     = time.Hour
	DefaultGitHubTimeout = 10 * time.Second
)

// DefaultPaths lists the config file locations tried in order when no
// --config flag is given.
func DefaultPaths() []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sockguard", "config.toml"))
	}
	return append(paths, "/etc/sockguard/config.toml")
}

// DefaultTOML is a commented starter configuration, printed by
// `sockguard config --show-default`.
const DefaultTOML = `# sockguard configuration
#
# The proxy connects to one or more upstream SSH agents and exposes
# filtered views of their keys on client-facing sockets.

# Upstream agent socket used by sockets that do not set their own.
# Defaults to $SSH_AUTH_SOCK when omitted.
#upstream = "/run/user/1000/real-agent.sock"

# Log level: debug, info, warn, error.
#log = "info"

# Timeout for a single upstream exchange.
#timeout = "10s"

# Directory for the JSONL event log. Disabled when omitted.
#audit_dir = "~/.sockguard/logs"

#[github]
# How long fetched github user key lists stay fresh.
#cache_ttl = "1h"
#timeout = "10s"

[sockets.work]
path = "~/.sockguard/work.sock"
# Octal socket mode, applied before the first client can connect.
#mode = "0600"
# Each inner list is a set of terms that must all match (AND); the
# outer list offers alternatives (OR). No filters means every key.
filters = [
    ["comment=work*", "type=ed25519"],
]
# Cap sign requests per window. Unset means unlimited.
#sign_rate_max = 30
#sign_rate_window = "1m"
`
