// Package proxy contains the serving side of sockguard: per-client
// sessions, the Unix socket servers that spawn them, the upstream
// identity monitor, and the runner that ties one topology together.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/tkingovr/sockguard/api"
	"github.com/tkingovr/sockguard/internal/audit"
	"github.com/tkingovr/sockguard/internal/filter"
	"github.com/tkingovr/sockguard/internal/protocol"
	"github.com/tkingovr/sockguard/internal/upstream"
)

// Session serves one accepted client connection: it decodes requests,
// applies the socket's filter policy against the upstream's current
// key list, and forwards or refuses. Requests are handled strictly in
// arrival order; there is never more than one in flight.
type Session struct {
	logger   *slog.Logger
	upstream *upstream.Client
	expr     *filter.Expression
	auditLog *audit.Log   // optional
	limiter  *SignLimiter // optional
	socket   string
	clientID string
}

// NewSession binds a session to its socket's policy and upstream.
func NewSession(logger *slog.Logger, up *upstream.Client, expr *filter.Expression, socket, clientID string) *Session {
	return &Session{
		logger:   logger.With(slog.String("socket", socket), slog.String("client", clientID)),
		upstream: up,
		expr:     expr,
		socket:   socket,
		clientID: clientID,
	}
}

// WithAudit attaches the JSONL event log.
func (s *Session) WithAudit(log *audit.Log) *Session {
	s.auditLog = log
	return s
}

// WithSignLimiter attaches a sign-request rate limiter shared by all
// sessions on the same socket.
func (s *Session) WithSignLimiter(l *SignLimiter) *Session {
	s.limiter = l
	return s
}

// Serve runs the request loop until the client disconnects, a codec
// error makes the stream unusable, or ctx is canceled between
// requests. The response to the request in flight is always written
// before the session winds down.
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	s.audit(api.Event{Kind: api.EventClientConnect})
	defer s.audit(api.Event{Kind: api.EventClientDisconnect})

	for {
		if ctx.Err() != nil {
			return nil
		}

		req, err := protocol.ReadMessage(conn)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, protocol.ErrMalformed):
			// No resynchronization on a broken stream: drop the
			// connection.
			s.logger.Warn("malformed client message, closing connection", slog.Any("error", err))
			return err
		case isDeadline(err):
			// Shutdown unblocked the read; nothing was in flight.
			return nil
		case err != nil:
			return err
		}

		resp := s.process(ctx, req)
		if err := protocol.WriteMessage(conn, resp); err != nil {
			return err
		}
	}
}

func (s *Session) process(ctx context.Context, req protocol.Message) protocol.Message {
	switch req.Type {
	case protocol.MsgRequestIdentities:
		return s.handleList(ctx)
	case protocol.MsgSignRequest:
		return s.handleSign(ctx, req)
	default:
		// Transparent passthrough for operations the proxy does not
		// police (add/remove/lock/extension).
		return s.forward(ctx, req)
	}
}

// handleList answers an identities request with the upstream's current
// list, filtered. An upstream failure yields an empty list rather than
// an error so enumerating clients keep working.
func (s *Session) handleList(ctx context.Context) protocol.Message {
	permitted, err := s.permittedIdentities(ctx)
	if err != nil {
		return protocol.BuildIdentitiesAnswer(nil)
	}
	return protocol.BuildIdentitiesAnswer(permitted)
}

// handleSign enforces the security boundary: the requested key must be
// in the *current* filtered identity set, re-fetched at sign time, or
// the request is refused locally without ever reaching the upstream.
func (s *Session) handleSign(ctx context.Context, req protocol.Message) protocol.Message {
	blob, err := protocol.SignRequestKey(req)
	if err != nil {
		s.logger.Warn("unparseable sign request", slog.Any("error", err))
		return protocol.Failure()
	}
	fp := protocol.RawFingerprint(blob)
	s.audit(api.Event{Kind: api.EventSignRequest, Fingerprint: fp})

	if s.limiter != nil && !s.limiter.Allow(time.Now()) {
		s.logger.Warn("sign request rate limited", slog.String("fingerprint", fp))
		s.audit(api.Event{Kind: api.EventRateLimited, Fingerprint: fp})
		return protocol.Failure()
	}

	permitted, err := s.permittedIdentities(ctx)
	if err != nil {
		return protocol.Failure()
	}
	if !containsBlob(permitted, blob) {
		s.logger.Info("sign request denied", slog.String("fingerprint", fp))
		s.audit(api.Event{
			Kind:        api.EventSignResponse,
			Fingerprint: fp,
			Decision:    api.DecisionDenied,
			Reason:      "key not in permitted set",
		})
		return protocol.Failure()
	}

	resp := s.forward(ctx, req)

	decision := api.DecisionDenied
	if resp.Type == protocol.MsgSignResponse {
		decision = api.DecisionAllowed
	}
	s.audit(api.Event{Kind: api.EventSignResponse, Fingerprint: fp, Decision: decision})
	return resp
}

// permittedIdentities fetches a fresh upstream list and filters it,
// preserving upstream order. The permitted set is never cached across
// requests because upstream keys can change at any time.
func (s *Session) permittedIdentities(ctx context.Context) ([]protocol.Identity, error) {
	ids, err := s.upstream.ListIdentities(ctx)
	if err != nil {
		s.logger.Warn("upstream list failed",
			slog.String("upstream", s.upstream.Path()),
			slog.Any("error", err),
		)
		s.audit(api.Event{Kind: api.EventUpstreamError, Reason: err.Error()})
		return nil, err
	}

	s.expr.Refresh(ctx, s.logger)

	permitted := make([]protocol.Identity, 0, len(ids))
	for _, id := range ids {
		if s.expr.Matches(id) {
			s.audit(api.Event{
				Kind:        api.EventKeyAllowed,
				Fingerprint: id.Fingerprint(),
				Comment:     id.Comment,
				KeyType:     id.Type(),
			})
			permitted = append(permitted, id)
		} else {
			s.audit(api.Event{
				Kind:        api.EventKeyFiltered,
				Fingerprint: id.Fingerprint(),
				Comment:     id.Comment,
				KeyType:     id.Type(),
				Reason:      "no matching rule",
			})
		}
	}

	s.logger.Debug("filtered identities",
		slog.Int("upstream_count", len(ids)),
		slog.Int("permitted_count", len(permitted)),
	)
	s.audit(api.Event{
		Kind:     api.EventIdentitiesResponse,
		KeyCount: len(permitted),
		Filtered: len(ids) - len(permitted),
	})
	return permitted, nil
}

// forward relays one request verbatim and returns the upstream's
// response, or the protocol failure response when the upstream is
// unusable, so the client never hangs or sees a raw error.
func (s *Session) forward(ctx context.Context, req protocol.Message) protocol.Message {
	resp, err := s.upstream.Roundtrip(ctx, req)
	if err != nil {
		s.logger.Warn("upstream exchange failed",
			slog.String("upstream", s.upstream.Path()),
			slog.String("request", protocol.TypeName(req.Type)),
			slog.Any("error", err),
		)
		s.audit(api.Event{Kind: api.EventUpstreamError, Reason: err.Error()})
		return protocol.Failure()
	}
	return resp
}

func (s *Session) audit(ev api.Event) {
	if s.auditLog == nil {
		return
	}
	ev.Socket = s.socket
	ev.ClientID = s.clientID
	ev.Upstream = s.upstream.Path()
	if err := s.auditLog.Write(ev); err != nil {
		s.logger.Warn("audit write failed", slog.Any("error", err))
	}
}

func containsBlob(ids []protocol.Identity, blob []byte) bool {
	for _, id := range ids {
		if bytes.Equal(id.Blob, blob) {
			return true
		}
	}
	return false
}

func isDeadline(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
