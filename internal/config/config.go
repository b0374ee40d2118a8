// Package config loads the TOML configuration file and turns it into
// the topology the proxy runs.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tkingovr/sockguard/internal/proxy"
)

// File is the raw on-disk model. Durations and modes are strings so
// the file reads the way people write them ("10s", "0600").
type File struct {
	Upstream string                   `toml:"upstream" json:"upstream,omitempty"`
	Log      string                   `toml:"log" json:"log,omitempty"`
	Timeout  string                   `toml:"timeout" json:"timeout,omitempty"`
	AuditDir string                   `toml:"audit_dir" json:"audit_dir,omitempty"`
	GitHub   GitHubSection            `toml:"github" json:"github,omitempty"`
	Sockets  map[string]SocketSection `toml:"sockets" json:"sockets,omitempty"`
}

// GitHubSection tunes the github filter source.
type GitHubSection struct {
	CacheTTL string `toml:"cache_ttl" json:"cache_ttl,omitempty"`
	Timeout  string `toml:"timeout" json:"timeout,omitempty"`
}

// SocketSection is one [sockets.<name>] table.
type SocketSection struct {
	Path           string     `toml:"path" json:"path"`
	Upstream       string     `toml:"upstream" json:"upstream,omitempty"`
	Mode           string     `toml:"mode" json:"mode,omitempty"`
	Filters        [][]string `toml:"filters" json:"filters,omitempty"`
	SignRateMax    int        `toml:"sign_rate_max" json:"sign_rate_max,omitempty"`
	SignRateWindow string     `toml:"sign_rate_window" json:"sign_rate_window,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	File *File
	Path string

	Upstream      string
	LogLevel      slog.Level
	Timeout       time.Duration
	AuditDir      string
	GitHubTTL     time.Duration
	GitHubTimeout time.Duration
	Sockets       []Socket
}

// Socket is a resolved [sockets.<name>] entry.
type Socket struct {
	Name           string
	Path           string
	Upstream       string // empty means the global upstream
	Mode           os.FileMode
	Filters        [][]string
	SignRateMax    int
	SignRateWindow time.Duration
}

// Locate returns the first existing default config path, or "" when
// none exists.
func Locate() string {
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads and resolves a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// LoadBytes parses TOML data and resolves it. Unknown keys are
// rejected so a typo fails loudly instead of silently widening a
// filter.
func LoadBytes(data []byte) (*Config, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return fromFile(&f)
}

// DefaultConfig is what runs when no config file exists: flags alone
// describe the topology.
func DefaultConfig() *Config {
	cfg, _ := fromFile(&File{})
	return cfg
}

func fromFile(f *File) (*Config, error) {
	cfg := &Config{
		File:          f,
		Upstream:      f.Upstream,
		Timeout:       DefaultTimeout,
		GitHubTTL:     DefaultGitHubTTL,
		GitHubTimeout: DefaultGitHubTimeout,
		AuditDir:      expandPath(f.AuditDir),
	}

	if cfg.Upstream == "" {
		cfg.Upstream = os.Getenv(UpstreamEnv)
	}
	cfg.Upstream = expandPath(cfg.Upstream)

	if f.Log != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.Log)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", f.Log)
		}
	}

	var err error
	if cfg.Timeout, err = duration(f.Timeout, DefaultTimeout); err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	if cfg.GitHubTTL, err = duration(f.GitHub.CacheTTL, DefaultGitHubTTL); err != nil {
		return nil, fmt.Errorf("invalid github cache_ttl: %w", err)
	}
	if cfg.GitHubTimeout, err = duration(f.GitHub.Timeout, DefaultGitHubTimeout); err != nil {
		return nil, fmt.Errorf("invalid github timeout: %w", err)
	}

	names := make([]string, 0, len(f.Sockets))
	for name := range f.Sockets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := f.Sockets[name]
		sock := Socket{
			Name:        name,
			Path:        expandPath(s.Path),
			Upstream:    expandPath(s.Upstream),
			Filters:     s.Filters,
			SignRateMax: s.SignRateMax,
		}
		if sock.Path == "" {
			return nil, fmt.Errorf("socket %q: path is required", name)
		}
		if sock.Mode, err = ParseMode(s.Mode); err != nil {
			return nil, fmt.Errorf("socket %q: %w", name, err)
		}
		if sock.SignRateWindow, err = duration(s.SignRateWindow, 0); err != nil {
			return nil, fmt.Errorf("socket %q: invalid sign_rate_window: %w", name, err)
		}
		cfg.Sockets = append(cfg.Sockets, sock)
	}

	return cfg, nil
}

// Topology groups the configured sockets by their effective upstream.
func (c *Config) Topology() proxy.Topology {
	order := []string{}
	byUpstream := map[string][]proxy.SocketSpec{}
	for _, s := range c.Sockets {
		up := s.Upstream
		if up == "" {
			up = c.Upstream
		}
		if _, seen := byUpstream[up]; !seen {
			order = append(order, up)
		}
		byUpstream[up] = append(byUpstream[up], proxy.SocketSpec{
			Path:           s.Path,
			Mode:           s.Mode,
			Filters:        s.Filters,
			SignRateMax:    s.SignRateMax,
			SignRateWindow: s.SignRateWindow,
		})
	}

	topo := proxy.Topology{}
	for _, up := range order {
		topo.Groups = append(topo.Groups, proxy.Group{Upstream: up, Sockets: byUpstream[up]})
	}
	return topo
}

// RunOptions translates the config into proxy run options.
func (c *Config) RunOptions(logger *slog.Logger) proxy.Options {
	return proxy.Options{
		Logger:        logger,
		Timeout:       c.Timeout,
		GitHubTTL:     c.GitHubTTL,
		GitHubTimeout: c.GitHubTimeout,
		AuditDir:      c.AuditDir,
	}
}

// MarshalTOML renders the raw file model, for `config --show`.
func (c *Config) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.File); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// ParseMode reads an octal permission string like "0600".
func ParseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil || n&^uint64(os.ModePerm) != 0 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(n), nil
}

// expandPath resolves a leading ~/ and environment references, so
// configs can say "~/.sockguard/work.sock" or "$XDG_RUNTIME_DIR/...".
func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
