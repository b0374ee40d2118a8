// Package agenttest provides a scriptable in-process SSH agent for
// tests: it serves a fixed identity list over a real Unix socket,
// counts requests by type, and can be told to misbehave.
package agenttest

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tkingovr/sockguard/internal/protocol"
)

// Agent is a stub SSH agent listening on a Unix socket.
type Agent struct {
	Path string

	mu         sync.Mutex
	identities []protocol.Identity

	listCalls atomic.Int64
	signCalls atomic.Int64

	// Handler, when set, overrides the default behavior entirely.
	Handler func(req protocol.Message) protocol.Message

	// Signature is returned for permitted sign requests; when nil the
	// agent answers SSH_AGENT_FAILURE.
	Signature []byte

	listener net.Listener
	done     chan struct{}
}

// Start launches a stub agent. Its socket lives in a short-named temp
// directory (Unix socket paths have a hard length limit) that is
// removed when the test ends.
func Start(t *testing.T, identities ...protocol.Identity) *Agent {
	t.Helper()

	dir, err := os.MkdirTemp("", "agenttest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	a := &Agent{
		Path:       filepath.Join(dir, "agent.sock"),
		identities: identities,
		done:       make(chan struct{}),
	}

	ln, err := net.Listen("unix", a.Path)
	if err != nil {
		t.Fatal(err)
	}
	a.listener = ln
	t.Cleanup(a.Close)

	go a.serve()
	return a
}

// Close stops the agent and removes its socket.
func (a *Agent) Close() {
	select {
	case <-a.done:
		return
	default:
	}
	close(a.done)
	a.listener.Close()
	os.Remove(a.Path)
}

// SetIdentities replaces the served identity list.
func (a *Agent) SetIdentities(ids ...protocol.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities = ids
}

// ListCalls reports how many identities requests the agent has served.
func (a *Agent) ListCalls() int64 { return a.listCalls.Load() }

// SignCalls reports how many sign requests reached the agent. The
// proxy's local-denial boundary is verified against this counter.
func (a *Agent) SignCalls() int64 { return a.signCalls.Load() }

func (a *Agent) serve() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.handle(conn)
	}
}

func (a *Agent) handle(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if err := protocol.WriteMessage(conn, a.respond(req)); err != nil {
			return
		}
	}
}

func (a *Agent) respond(req protocol.Message) protocol.Message {
	if a.Handler != nil {
		return a.Handler(req)
	}
	switch req.Type {
	case protocol.MsgRequestIdentities:
		a.listCalls.Add(1)
		a.mu.Lock()
		ids := a.identities
		a.mu.Unlock()
		return protocol.BuildIdentitiesAnswer(ids)
	case protocol.MsgSignRequest:
		a.signCalls.Add(1)
		if a.Signature != nil {
			return protocol.BuildSignResponse(a.Signature)
		}
		return protocol.Failure()
	default:
		return protocol.Success()
	}
}
