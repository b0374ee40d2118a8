// Package upstream implements the client side toward a real SSH
// agent: dialing its Unix socket, issuing requests and classifying
// failures. Every error it returns is non-fatal to the process; retry
// policy belongs to callers, because retrying a sign request could
// duplicate a user-visible confirmation prompt.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tkingovr/sockguard/internal/protocol"
)

// DefaultTimeout bounds one request/response exchange with the agent.
const DefaultTimeout = 10 * time.Second

// Connectivity failure kinds, checked with errors.Is.
var (
	// ErrUnreachable: connecting failed (socket missing or refused).
	ErrUnreachable = errors.New("upstream agent unreachable")

	// ErrTimeout: the agent did not answer within the deadline.
	ErrTimeout = errors.New("upstream agent timed out")

	// ErrProtocol: the agent sent a malformed or type-mismatched
	// response.
	ErrProtocol = errors.New("upstream agent protocol violation")

	// ErrDisconnected: the agent closed the connection mid-exchange.
	ErrDisconnected = errors.New("upstream agent disconnected")

	// ErrRefused: the agent answered with SSH_AGENT_FAILURE.
	ErrRefused = errors.New("upstream agent refused the request")
)

// Client issues requests against one upstream agent socket. It opens a
// fresh connection per logical call, so concurrent callers can never
// interleave bytes on a shared stream.
type Client struct {
	path    string
	timeout time.Duration
}

// New creates a client for the agent socket at path. A zero timeout
// means DefaultTimeout.
func New(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{path: path, timeout: timeout}
}

// Path returns the upstream socket path.
func (c *Client) Path() string { return c.path }

// Roundtrip sends one request to the agent and returns its response.
// The exchange is bounded by the client timeout and by ctx.
func (c *Client) Roundtrip(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		if isTimeout(err) {
			return protocol.Message{}, fmt.Errorf("%w: connecting to %s", ErrTimeout, c.path)
		}
		return protocol.Message{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, c.path, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, c.path, err)
	}

	if err := protocol.WriteMessage(conn, req); err != nil {
		return protocol.Message{}, classify(err, c.path)
	}

	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.Message{}, fmt.Errorf("%w: %s closed before responding", ErrDisconnected, c.path)
		}
		return protocol.Message{}, classify(err, c.path)
	}
	return resp, nil
}

// ListIdentities asks the agent for its current key list. The result
// is a fresh snapshot; callers must not cache it across requests.
func (c *Client) ListIdentities(ctx context.Context) ([]protocol.Identity, error) {
	resp, err := c.Roundtrip(ctx, protocol.Message{Type: protocol.MsgRequestIdentities})
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.MsgIdentitiesAnswer {
		return nil, fmt.Errorf("%w: %s answered %s to an identities request",
			ErrProtocol, c.path, protocol.TypeName(resp.Type))
	}
	ids, err := protocol.ParseIdentities(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, c.path, err)
	}
	return ids, nil
}

// Sign asks the agent to sign data with the key identified by blob.
func (c *Client) Sign(ctx context.Context, blob, data []byte, flags uint32) ([]byte, error) {
	resp, err := c.Roundtrip(ctx, protocol.BuildSignRequest(blob, data, flags))
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case protocol.MsgSignResponse:
		sig, err := protocol.ParseSignResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, c.path, err)
		}
		return sig, nil
	case protocol.MsgFailure:
		return nil, fmt.Errorf("%w: sign", ErrRefused)
	default:
		return nil, fmt.Errorf("%w: %s answered %s to a sign request",
			ErrProtocol, c.path, protocol.TypeName(resp.Type))
	}
}

// classify maps transport-level errors onto the package's failure
// kinds.
func classify(err error, path string) error {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return fmt.Errorf("%w: %s: %v", ErrProtocol, path, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %s", ErrTimeout, path)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %s: %v", ErrDisconnected, path, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDisconnected, path, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
