package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tkingovr/sockguard/api"
	"github.com/tkingovr/sockguard/internal/audit"
	"github.com/tkingovr/sockguard/internal/filter"
	"github.com/tkingovr/sockguard/internal/upstream"
)

// SocketSpec is one client-facing socket within a group: where it
// listens, who may use it, and which keys its filter exposes.
type SocketSpec struct {
	Path string
	Mode os.FileMode

	// Filters is the policy in OR-of-AND form: the outer slice is
	// alternatives, each inner slice is terms that must all match.
	// Empty means expose every upstream key.
	Filters [][]string

	// SignRateMax caps sign requests per SignRateWindow. Zero
	// disables the cap.
	SignRateMax    int
	SignRateWindow time.Duration
}

// Group binds a set of sockets to one upstream agent. When that
// agent's socket vanishes or is replaced, the whole group is torn
// down; other groups keep serving.
type Group struct {
	Upstream string
	Sockets  []SocketSpec
}

// Topology is everything a single proxy process serves.
type Topology struct {
	Groups []Group
}

// Options tunes a run without being part of the topology itself.
type Options struct {
	Logger          *slog.Logger
	Timeout         time.Duration // per upstream exchange
	GitHubTTL       time.Duration
	GitHubTimeout   time.Duration
	AuditDir        string // empty disables the event log
	MonitorInterval time.Duration
}

// Validate checks a topology exactly the way Run would: the same
// filter parser, the same structural rules. A topology that passes
// here fails a live run only for environmental reasons (missing
// upstream, unbindable path).
func Validate(topo Topology, opts Options) api.CheckResult {
	var problems []string

	if len(topo.Groups) == 0 {
		problems = append(problems, "no upstreams configured")
	}

	seenSockets := make(map[string]string)
	for _, g := range topo.Groups {
		if g.Upstream == "" {
			problems = append(problems, "upstream with empty socket path")
		}
		if len(g.Sockets) == 0 {
			problems = append(problems, fmt.Sprintf("upstream %s has no sockets", g.Upstream))
		}
		for _, sock := range g.Sockets {
			if sock.Path == "" {
				problems = append(problems, fmt.Sprintf("upstream %s: socket with empty path", g.Upstream))
				continue
			}
			if prev, dup := seenSockets[sock.Path]; dup {
				problems = append(problems, fmt.Sprintf("socket %s bound to both %s and %s", sock.Path, prev, g.Upstream))
			}
			seenSockets[sock.Path] = g.Upstream

			if sock.Mode&^os.ModePerm != 0 {
				problems = append(problems, fmt.Sprintf("socket %s: mode %v has non-permission bits", sock.Path, sock.Mode))
			}
			if sock.SignRateMax > 0 && sock.SignRateWindow <= 0 {
				problems = append(problems, fmt.Sprintf("socket %s: sign rate cap without a window", sock.Path))
			}

			if _, err := filter.Parse(sock.Filters, filterOptions(opts)); err != nil {
				problems = append(problems, fmt.Sprintf("socket %s: %v", sock.Path, err))
			}
		}
	}

	return api.CheckResult{Valid: len(problems) == 0, Problems: problems}
}

func filterOptions(opts Options) filter.Options {
	return filter.Options{
		GitHubTTL:     opts.GitHubTTL,
		GitHubTimeout: opts.GitHubTimeout,
	}
}

// Run serves a topology until ctx is canceled or every group has been
// torn down by the monitor. Shutdown is orderly either way: accept
// stops first, in-flight requests finish, socket files are removed.
func Run(ctx context.Context, topo Topology, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if res := Validate(topo, opts); !res.Valid {
		return fmt.Errorf("invalid topology: %s", res.Problems[0])
	}

	var auditLog *audit.Log
	if opts.AuditDir != "" {
		var err error
		auditLog, err = audit.Open(opts.AuditDir)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
	}

	// One physical client per distinct upstream path, shared across
	// groups that point at the same agent.
	clients := make(map[string]*upstream.Client)
	for _, g := range topo.Groups {
		if _, ok := clients[g.Upstream]; !ok {
			clients[g.Upstream] = upstream.New(g.Upstream, opts.Timeout)
		}
	}

	byUpstream := make(map[string][]*Server)
	var started []*Server
	stopAll := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range started {
			srv.Shutdown(shutdownCtx)
		}
	}

	for _, g := range topo.Groups {
		for _, sock := range g.Sockets {
			expr, err := filter.Parse(sock.Filters, filterOptions(opts))
			if err != nil {
				stopAll()
				return fmt.Errorf("socket %s: %w", sock.Path, err)
			}
			if err := expr.EnsureLoaded(ctx); err != nil {
				stopAll()
				return fmt.Errorf("socket %s: loading filter sources: %w", sock.Path, err)
			}

			if err := RemoveStaleSocket(sock.Path); err != nil {
				stopAll()
				return err
			}

			var limiter *SignLimiter
			if sock.SignRateMax > 0 {
				limiter = NewSignLimiter(sock.SignRateMax, sock.SignRateWindow)
			}

			srv := NewServer(ServerConfig{
				Logger:   logger,
				Path:     sock.Path,
				Mode:     sock.Mode,
				Upstream: clients[g.Upstream],
				Expr:     expr,
				Audit:    auditLog,
				Limiter:  limiter,
			})
			if err := srv.Start(); err != nil {
				stopAll()
				return err
			}
			started = append(started, srv)
			byUpstream[g.Upstream] = append(byUpstream[g.Upstream], srv)
		}
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var wg sync.WaitGroup
	serveErr := make(chan error, len(started))
	for _, srv := range started {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(serveCtx); err != nil {
				serveErr <- err
			}
		}()
	}

	paths := make([]string, 0, len(clients))
	for p := range clients {
		paths = append(paths, p)
	}
	mon, err := NewMonitor(logger, paths, opts.MonitorInterval)
	if err != nil {
		cancelServe()
		stopAll()
		wg.Wait()
		return err
	}

	var (
		mu   sync.Mutex
		live = len(started)
	)
	allGone := make(chan struct{})
	teardown := func(upstreamPath, reason string) {
		if auditLog != nil {
			auditLog.Write(api.Event{
				Kind:     api.EventMonitorTrigger,
				Upstream: upstreamPath,
				Reason:   reason,
			})
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mu.Lock()
		victims := byUpstream[upstreamPath]
		delete(byUpstream, upstreamPath)
		live -= len(victims)
		remaining := live
		mu.Unlock()
		for _, srv := range victims {
			srv.Shutdown(shutdownCtx)
		}
		if remaining == 0 {
			close(allGone)
		}
	}

	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(serveCtx, teardown) }()

	var runErr error
	select {
	case <-ctx.Done():
	case <-allGone:
		runErr = errors.New("all upstream agents gone")
	case err := <-serveErr:
		runErr = err
	}

	cancelServe()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mu.Lock()
	for _, srvs := range byUpstream {
		for _, srv := range srvs {
			srv.Shutdown(shutdownCtx)
		}
	}
	mu.Unlock()
	wg.Wait()
	<-monDone

	logger.Info("proxy stopped")
	return runErr
}
