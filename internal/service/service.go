// Package service installs sockguard as a user-level background
// service: a systemd user unit on Linux, a launchd agent on macOS.
package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind selects the init system the unit targets.
type Kind string

const (
	Systemd Kind = "systemd"
	Launchd Kind = "launchd"
)

const launchdLabel = "com.tkingovr.sockguard"

// Detect picks the init system for the current platform.
func Detect() Kind {
	if runtime.GOOS == "darwin" {
		return Launchd
	}
	return Systemd
}

// ParseKind validates a user-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Systemd, Launchd:
		return Kind(s), nil
	case "":
		return Detect(), nil
	}
	return "", fmt.Errorf("unknown service kind %q (systemd or launchd)", s)
}

// UnitPath is where Register writes the service definition.
func UnitPath(kind Kind) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch kind {
	case Systemd:
		return filepath.Join(home, ".config", "systemd", "user", "sockguard.service"), nil
	case Launchd:
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	}
	return "", fmt.Errorf("unknown service kind %q", kind)
}

// Register writes the unit file and returns its path together with
// the command the user still has to run to activate it. It refuses to
// overwrite an existing unit so a hand-edited one survives.
func Register(kind Kind, execPath, configPath string) (path, activate string, err error) {
	path, err = UnitPath(kind)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Lstat(path); err == nil {
		return "", "", fmt.Errorf("%s already exists, unregister first", path)
	}

	execPath, err = filepath.Abs(execPath)
	if err != nil {
		return "", "", err
	}

	var body string
	switch kind {
	case Systemd:
		body = systemdUnit(execPath, configPath)
		activate = "systemctl --user enable --now sockguard.service"
	case Launchd:
		body = launchdPlist(execPath, configPath)
		activate = "launchctl load " + path
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", "", err
	}
	return path, activate, nil
}

// Unregister removes the unit file. A missing unit is not an error.
func Unregister(kind Kind) (string, error) {
	path, err := UnitPath(kind)
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// Registered reports whether the unit file is in place.
func Registered(kind Kind) (bool, error) {
	path, err := UnitPath(kind)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func systemdUnit(execPath, configPath string) string {
	run := execPath + " run"
	if configPath != "" {
		run += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=Filtering SSH agent proxy
After=default.target

[Service]
ExecStart=%s
Restart=on-failure
RestartSec=2

[Install]
WantedBy=default.target
`, run)
}

func launchdPlist(execPath, configPath string) string {
	args := []string{execPath, "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	var items strings.Builder
	for _, a := range args {
		fmt.Fprintf(&items, "        <string>%s</string>\n", a)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`, launchdLabel, items.String())
}
