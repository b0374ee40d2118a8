package proxy

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkingovr/sockguard/internal/agenttest"
	"github.com/tkingovr/sockguard/internal/upstream"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		problem string // substring of the expected problem; empty = valid
	}{
		{
			name:    "empty topology",
			topo:    Topology{},
			problem: "no upstreams",
		},
		{
			name: "valid minimal",
			topo: Topology{Groups: []Group{{
				Upstream: "/run/agent.sock",
				Sockets:  []SocketSpec{{Path: "/run/guard.sock"}},
			}}},
		},
		{
			name: "upstream without sockets",
			topo: Topology{Groups: []Group{{Upstream: "/run/agent.sock"}}},
			problem: "has no sockets",
		},
		{
			name: "duplicate socket path",
			topo: Topology{Groups: []Group{
				{Upstream: "/run/a.sock", Sockets: []SocketSpec{{Path: "/run/guard.sock"}}},
				{Upstream: "/run/b.sock", Sockets: []SocketSpec{{Path: "/run/guard.sock"}}},
			}},
			problem: "bound to both",
		},
		{
			name: "bad filter",
			topo: Topology{Groups: []Group{{
				Upstream: "/run/agent.sock",
				Sockets: []SocketSpec{{
					Path:    "/run/guard.sock",
					Filters: [][]string{{"flavor=vanilla"}},
				}},
			}}},
			problem: "flavor",
		},
		{
			name: "empty filter group",
			topo: Topology{Groups: []Group{{
				Upstream: "/run/agent.sock",
				Sockets: []SocketSpec{{
					Path:    "/run/guard.sock",
					Filters: [][]string{{}},
				}},
			}}},
			problem: "empty",
		},
		{
			name: "rate cap without window",
			topo: Topology{Groups: []Group{{
				Upstream: "/run/agent.sock",
				Sockets: []SocketSpec{{
					Path:        "/run/guard.sock",
					SignRateMax: 5,
				}},
			}}},
			problem: "without a window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.topo, Options{})
			if tt.problem == "" {
				if !res.Valid {
					t.Fatalf("unexpected problems: %v", res.Problems)
				}
				return
			}
			if res.Valid {
				t.Fatal("topology accepted")
			}
			found := false
			for _, p := range res.Problems {
				if strings.Contains(p, tt.problem) {
					found = true
				}
			}
			if !found {
				t.Fatalf("problems %v do not mention %q", res.Problems, tt.problem)
			}
		})
	}
}

func runTopology(t *testing.T, topo Topology, opts Options) (cancel func(), done chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- Run(ctx, topo, opts) }()
	t.Cleanup(stop)
	return stop, done
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func waitForRemoval(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never disappeared", path)
}

func TestRunServesTopology(t *testing.T) {
	agent := agenttest.Start(t, ed25519Identity(t, "work@laptop"), ed25519Identity(t, "other"))
	dir := shortTempDir(t)
	guardPath := filepath.Join(dir, "guard.sock")

	stop, done := runTopology(t, Topology{Groups: []Group{{
		Upstream: agent.Path,
		Sockets: []SocketSpec{{
			Path:    guardPath,
			Filters: [][]string{{"comment=work@laptop"}},
		}},
	}}}, Options{Logger: testLogger()})

	waitForSocket(t, guardPath)
	ids, err := upstream.New(guardPath, time.Second).ListIdentities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].Comment != "work@laptop" {
		t.Fatalf("got %d identities", len(ids))
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	if _, err := os.Lstat(guardPath); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("socket file left behind")
	}
}

func TestRunReplacesStaleSocket(t *testing.T) {
	agent := agenttest.Start(t, ed25519Identity(t, "k"))
	dir := shortTempDir(t)
	guardPath := filepath.Join(dir, "guard.sock")

	// Leftover from a previous run.
	ln, err := net.Listen("unix", guardPath)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	_, _ = runTopology(t, Topology{Groups: []Group{{
		Upstream: agent.Path,
		Sockets:  []SocketSpec{{Path: guardPath}},
	}}}, Options{Logger: testLogger()})

	waitForSocket(t, guardPath)
	if _, err := upstream.New(guardPath, time.Second).ListIdentities(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRunRefusesRegularFileAtSocketPath(t *testing.T) {
	agent := agenttest.Start(t)
	dir := shortTempDir(t)
	guardPath := filepath.Join(dir, "guard.sock")
	if err := os.WriteFile(guardPath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := Run(context.Background(), Topology{Groups: []Group{{
		Upstream: agent.Path,
		Sockets:  []SocketSpec{{Path: guardPath}},
	}}}, Options{Logger: testLogger()})
	if err == nil {
		t.Fatal("run started over a regular file")
	}
}

// Killing one upstream tears down only its group; the other keeps
// serving.
func TestRunTearsDownGroupOnUpstreamLoss(t *testing.T) {
	agentA := agenttest.Start(t, ed25519Identity(t, "a"))
	agentB := agenttest.Start(t, ed25519Identity(t, "b"))
	dir := shortTempDir(t)
	guardA := filepath.Join(dir, "a.sock")
	guardB := filepath.Join(dir, "b.sock")

	_, _ = runTopology(t, Topology{Groups: []Group{
		{Upstream: agentA.Path, Sockets: []SocketSpec{{Path: guardA}}},
		{Upstream: agentB.Path, Sockets: []SocketSpec{{Path: guardB}}},
	}}, Options{Logger: testLogger(), MonitorInterval: 20 * time.Millisecond})

	waitForSocket(t, guardA)
	waitForSocket(t, guardB)

	agentA.Close()
	waitForRemoval(t, guardA)

	ids, err := upstream.New(guardB, time.Second).ListIdentities(context.Background())
	if err != nil {
		t.Fatalf("surviving group broken: %v", err)
	}
	if len(ids) != 1 || ids[0].Comment != "b" {
		t.Fatalf("surviving group returned %d identities", len(ids))
	}
}

func TestRunExitsWhenAllUpstreamsGone(t *testing.T) {
	agent := agenttest.Start(t, ed25519Identity(t, "k"))
	dir := shortTempDir(t)
	guardPath := filepath.Join(dir, "guard.sock")

	_, done := runTopology(t, Topology{Groups: []Group{{
		Upstream: agent.Path,
		Sockets:  []SocketSpec{{Path: guardPath}},
	}}}, Options{Logger: testLogger(), MonitorInterval: 20 * time.Millisecond})

	waitForSocket(t, guardPath)
	agent.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("run returned nil after losing every upstream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going with no upstreams")
	}
}

func TestRunFailsClosedOnMissingKeyfile(t *testing.T) {
	agent := agenttest.Start(t)
	dir := shortTempDir(t)

	err := Run(context.Background(), Topology{Groups: []Group{{
		Upstream: agent.Path,
		Sockets: []SocketSpec{{
			Path:    filepath.Join(dir, "guard.sock"),
			Filters: [][]string{{"keyfile=" + filepath.Join(dir, "missing_keys")}},
		}},
	}}}, Options{Logger: testLogger()})
	if err == nil {
		t.Fatal("run started with an unloadable filter source")
	}
}
