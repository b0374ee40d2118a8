package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkingovr/sockguard/internal/audit"
	"github.com/tkingovr/sockguard/internal/filter"
	"github.com/tkingovr/sockguard/internal/upstream"
)

// DefaultSocketMode is applied to client sockets when the topology
// does not set one. Owner-only, matching what ssh-agent itself does.
const DefaultSocketMode = os.FileMode(0o600)

// ServerConfig describes one client-facing socket.
type ServerConfig struct {
	Logger   *slog.Logger
	Path     string
	Mode     os.FileMode
	Upstream *upstream.Client
	Expr     *filter.Expression
	Audit    *audit.Log   // optional
	Limiter  *SignLimiter // optional
}

// Server owns one listening Unix socket and the sessions accepted from
// it. It removes the socket file on shutdown only if it created it.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	listener net.Listener
	created  bool

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool

	wg      sync.WaitGroup
	counter atomic.Int64
}

// NewServer prepares a server; Start binds it.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = DefaultSocketMode
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("socket", cfg.Path)),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path the server binds.
func (s *Server) Path() string { return s.cfg.Path }

// Start binds the socket and restricts its mode before any client can
// connect. It refuses to bind over an existing path; clearing stale
// sockets is the caller's call, via RemoveStaleSocket.
func (s *Server) Start() error {
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Path, err)
	}
	s.created = true

	// Tighten permissions before accepting: a client that connects
	// must already be subject to the final mode.
	if err := os.Chmod(s.cfg.Path, s.cfg.Mode); err != nil {
		ln.Close()
		s.removeSocketFile()
		return fmt.Errorf("chmod %s: %w", s.cfg.Path, err)
	}

	s.listener = ln
	s.logger.Info("listening",
		slog.String("upstream", s.cfg.Upstream.Path()),
		slog.String("mode", s.cfg.Mode.String()),
	)
	return nil
}

// Serve accepts clients until Shutdown closes the listener. Each
// connection gets its own session goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server not started")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", s.cfg.Path, err)
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}

		clientID := fmt.Sprintf("conn-%d", s.counter.Add(1))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()

			sess := NewSession(s.cfg.Logger, s.cfg.Upstream, s.cfg.Expr, s.cfg.Path, clientID)
			if s.cfg.Audit != nil {
				sess = sess.WithAudit(s.cfg.Audit)
			}
			if s.cfg.Limiter != nil {
				sess = sess.WithSignLimiter(s.cfg.Limiter)
			}
			if err := sess.Serve(ctx, conn); err != nil {
				s.logger.Debug("session ended", slog.String("client", clientID), slog.Any("error", err))
			}
		}()
	}
}

// Shutdown stops accepting, lets in-flight requests finish, and
// removes the socket file. Sessions blocked waiting for a request are
// unblocked via a read deadline so the drain cannot stall on idle
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.removeSocketFile()
	s.logger.Info("socket closed")
	return err
}

func (s *Server) removeSocketFile() {
	if !s.created {
		return
	}
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("removing socket file", slog.Any("error", err))
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// RemoveStaleSocket clears a leftover socket file so a restarted proxy
// can rebind its path. It only ever removes an actual socket: symlinks
// are refused outright and any other file type is reported as an
// error, never deleted.
func RemoveStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%s is a symlink, refusing to remove", path)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
