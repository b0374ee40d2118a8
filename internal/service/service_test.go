package service

import (
	"os"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("upstart"); err == nil {
		t.Fatal("accepted unknown kind")
	}
	k, err := ParseKind("launchd")
	if err != nil || k != Launchd {
		t.Fatalf("got %q, %v", k, err)
	}
	if k, _ := ParseKind(""); k != Detect() {
		t.Fatalf("empty kind = %q", k)
	}
}

func TestRegisterSystemd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path, activate, err := Register(Systemd, "/usr/local/bin/sockguard", "/etc/sockguard/config.toml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, "/.config/systemd/user/sockguard.service") {
		t.Errorf("unit path %q", path)
	}
	if !strings.Contains(activate, "systemctl --user") {
		t.Errorf("activate hint %q", activate)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "ExecStart=/usr/local/bin/sockguard run --config /etc/sockguard/config.toml") {
		t.Errorf("unit body:\n%s", body)
	}

	ok, err := Registered(Systemd)
	if err != nil || !ok {
		t.Fatalf("registered = %v, %v", ok, err)
	}

	// A second register must not clobber the existing unit.
	if _, _, err := Register(Systemd, "/elsewhere/sockguard", ""); err == nil {
		t.Fatal("overwrote existing unit")
	}
}

func TestRegisterLaunchd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path, _, err := Register(Launchd, "/usr/local/bin/sockguard", "")
	if err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<string>com.tkingovr.sockguard</string>",
		"<string>/usr/local/bin/sockguard</string>",
		"<string>run</string>",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("plist missing %q", want)
		}
	}
	if strings.Contains(string(body), "--config") {
		t.Error("plist carries --config with no config path")
	}
}

func TestUnregister(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if _, _, err := Register(Systemd, "/usr/local/bin/sockguard", ""); err != nil {
		t.Fatal(err)
	}
	path, err := Unregister(Systemd)
	if err != nil || path == "" {
		t.Fatalf("unregister: %q, %v", path, err)
	}
	ok, err := Registered(Systemd)
	if err != nil || ok {
		t.Fatalf("still registered: %v, %v", ok, err)
	}

	// Unregistering again is a no-op, not an error.
	path, err = Unregister(Systemd)
	if err != nil || path != "" {
		t.Fatalf("second unregister: %q, %v", path, err)
	}
}
