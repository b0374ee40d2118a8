package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tkingovr/sockguard/internal/protocol"
)

// Options configures predicate data sources created during parsing.
type Options struct {
	// GitHubTTL is the cache lifetime for github predicates
	// (DefaultGitHubTTL when zero).
	GitHubTTL time.Duration

	// GitHubTimeout bounds one fetch of a user's key listing
	// (DefaultGitHubTimeout when zero).
	GitHubTimeout time.Duration

	// HTTPClient overrides the client used for github fetches; tests
	// point it at a local server.
	HTTPClient *http.Client
}

// Rule is one AND-term: a predicate, possibly negated. Negation
// inverts the predicate's result only; a negated keyfile rule still
// needs the keyfile loaded.
type Rule struct {
	Predicate *Predicate
	Negated   bool
}

// Matches evaluates the rule against one identity.
func (r Rule) Matches(id protocol.Identity) bool {
	m := r.Predicate.Matches(id)
	if r.Negated {
		return !m
	}
	return m
}

// String renders the rule in filter syntax.
func (r Rule) String() string {
	if r.Negated {
		return "not-" + r.Predicate.String()
	}
	return r.Predicate.String()
}

// group is a set of rules ANDed together.
type group []Rule

func (g group) matches(id protocol.Identity) bool {
	for _, r := range g {
		if !r.Matches(id) {
			return false
		}
	}
	return true
}

// Expression is the per-socket filter: OR across groups, AND within a
// group. The zero-group expression matches everything (a socket with
// no filters exposes all keys).
type Expression struct {
	groups  []group
	sources []*Source // unique sources referenced by any rule
}

// parser deduplicates data sources so every rule naming the same
// keyfile path or github user shares one cache.
type parser struct {
	opts    Options
	sources map[string]*Source
}

// Parse builds an Expression from filter strings: outer slice is OR,
// inner slice is AND. It is used identically by live runs and by
// config validation, so both produce the same errors.
func Parse(groups [][]string, opts Options) (*Expression, error) {
	p := &parser{opts: opts, sources: make(map[string]*Source)}

	expr := &Expression{}
	for _, raw := range groups {
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty filter group")
		}
		var g group
		for _, s := range raw {
			rule, err := p.parseRule(s)
			if err != nil {
				return nil, err
			}
			g = append(g, rule)
		}
		expr.groups = append(expr.groups, g)
	}

	for _, src := range p.sources {
		expr.sources = append(expr.sources, src)
	}
	return expr, nil
}

// parseRule parses one filter string: optional "not-" (or "-")
// negation prefix, then "key=value" or an auto-detected bare value.
func (p *parser) parseRule(s string) (Rule, error) {
	orig := s
	negated := false
	if rest, ok := strings.CutPrefix(s, "not-"); ok {
		negated, s = true, rest
	} else if rest, ok := strings.CutPrefix(s, "-"); ok {
		negated, s = true, rest
	}

	pred, err := p.parsePredicate(s)
	if err != nil {
		return Rule{}, fmt.Errorf("filter %q: %w", orig, err)
	}
	return Rule{Predicate: pred, Negated: negated}, nil
}

func (p *parser) parsePredicate(s string) (*Predicate, error) {
	// Bare fingerprints and public keys are recognized without a key=
	// prefix.
	if pred, ok := p.autoDetect(s); ok {
		return pred, nil
	}

	key, value, found := strings.Cut(s, "=")
	if !found {
		return nil, fmt.Errorf("expected key=value")
	}

	switch key {
	case "fingerprint":
		return newFingerprintPredicate(value)
	case "pubkey":
		return newPubkeyPredicate(value)
	case "comment":
		return newCommentPredicate(value)
	case "type":
		return newKeyTypePredicate(value), nil
	case "keyfile":
		return p.sourcePredicate(kindKeyfile, value), nil
	case "github":
		return p.sourcePredicate(kindGitHub, value), nil
	}
	return nil, fmt.Errorf("unknown filter key %q", key)
}

func (p *parser) autoDetect(s string) (*Predicate, bool) {
	if strings.HasPrefix(s, "SHA256:") || strings.HasPrefix(s, "MD5:") {
		pred, err := newFingerprintPredicate(s)
		return pred, err == nil
	}
	for _, prefix := range []string{"ssh-", "ecdsa-sha2-", "sk-ssh-", "sk-ecdsa-"} {
		if strings.HasPrefix(s, prefix) {
			pred, err := newPubkeyPredicate(s)
			return pred, err == nil
		}
	}
	return nil, false
}

func (p *parser) sourcePredicate(kind predicateKind, value string) *Predicate {
	var cacheKey string
	if kind == kindKeyfile {
		cacheKey = "keyfile:" + value
	} else {
		cacheKey = "github:" + value
	}

	src, ok := p.sources[cacheKey]
	if !ok {
		if kind == kindKeyfile {
			src = newKeyfileSource(value)
		} else {
			ttl := p.opts.GitHubTTL
			if ttl == 0 {
				ttl = DefaultGitHubTTL
			}
			client := p.opts.HTTPClient
			if client == nil {
				timeout := p.opts.GitHubTimeout
				if timeout == 0 {
					timeout = DefaultGitHubTimeout
				}
				client = &http.Client{Timeout: timeout}
			}
			src = newGitHubSource(value, ttl, client)
		}
		p.sources[cacheKey] = src
	}
	return &Predicate{kind: kind, source: src}
}

// Empty reports whether the expression has no groups (match-all).
func (e *Expression) Empty() bool { return len(e.groups) == 0 }

// Matches evaluates the expression against one identity,
// short-circuiting on the first satisfied group and the first failed
// rule within a group.
func (e *Expression) Matches(id protocol.Identity) bool {
	if len(e.groups) == 0 {
		return true
	}
	for _, g := range e.groups {
		if g.matches(id) {
			return true
		}
	}
	return false
}

// FilterIdentities returns the matching identities in their original
// order.
func (e *Expression) FilterIdentities(ids []protocol.Identity) []protocol.Identity {
	if len(e.groups) == 0 {
		return ids
	}
	filtered := make([]protocol.Identity, 0, len(ids))
	for _, id := range ids {
		if e.Matches(id) {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// Refresh brings every stale data source the expression references up
// to date, including sources behind negated or short-circuited rules
// (refresh is eager so evaluation order never changes which sources
// are warm). Failures degrade to the last good snapshot and are
// logged.
func (e *Expression) Refresh(ctx context.Context, logger *slog.Logger) {
	for _, src := range e.sources {
		src.RefreshIfStale(ctx, logger)
	}
}

// EnsureLoaded performs the initial fetch of every data source,
// failing on the first error. Used at startup where a misconfigured
// keyfile should refuse the run rather than silently match nothing.
func (e *Expression) EnsureLoaded(ctx context.Context) error {
	for _, src := range e.sources {
		if !src.Stale() {
			continue
		}
		if err := src.Refresh(ctx); err != nil {
			return fmt.Errorf("loading %s: %w", src.Name(), err)
		}
	}
	return nil
}

// Descriptions renders the expression back into filter syntax, one
// slice per OR-group, for config printing and logs.
func (e *Expression) Descriptions() [][]string {
	out := make([][]string, len(e.groups))
	for i, g := range e.groups {
		for _, r := range g {
			out[i] = append(out[i], r.String())
		}
	}
	return out
}
