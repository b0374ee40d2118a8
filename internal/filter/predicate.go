package filter

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/crypto/ssh"

	"github.com/tkingovr/sockguard/internal/protocol"
)

// predicateKind enumerates the closed set of predicate variants.
type predicateKind int

const (
	kindFingerprint predicateKind = iota
	kindPubkey
	kindComment
	kindKeyType
	kindKeyfile
	kindGitHub
)

// commentMode selects how a comment pattern is interpreted, chosen by
// syntax at parse time.
type commentMode int

const (
	commentExact commentMode = iota
	commentGlob
	commentRegex
)

// Predicate is one atomic filter condition. The variant set is closed;
// Matches is the single exhaustive dispatch over it.
type Predicate struct {
	kind predicateKind

	// original pattern text, for descriptions and errors
	pattern string

	blob    []byte         // kindPubkey
	mode    commentMode    // kindComment
	globber glob.Glob      // kindComment, glob mode
	re      *regexp.Regexp // kindComment, regex mode
	keyType string         // kindKeyType, normalized
	source  *Source        // kindKeyfile, kindGitHub
}

// Matches evaluates the predicate against one identity. Deterministic
// given the identity and the sources' current snapshots.
func (p *Predicate) Matches(id protocol.Identity) bool {
	switch p.kind {
	case kindFingerprint:
		return p.matchFingerprint(id)
	case kindPubkey:
		return bytes.Equal(id.Blob, p.blob)
	case kindComment:
		switch p.mode {
		case commentGlob:
			return p.globber.Match(id.Comment)
		case commentRegex:
			return p.re.MatchString(id.Comment)
		default:
			return id.Comment == p.pattern
		}
	case kindKeyType:
		return normalizeKeyType(id.Type()) == p.keyType
	case kindKeyfile, kindGitHub:
		return p.source.Contains(id.Blob)
	}
	return false
}

func (p *Predicate) matchFingerprint(id protocol.Identity) bool {
	if strings.HasPrefix(p.pattern, "MD5:") {
		return md5Fingerprint(id.Blob) == p.pattern
	}
	fp := id.Fingerprint()
	if fp == "" {
		return false
	}
	// Prefix matching for convenience with truncated fingerprints.
	return strings.HasPrefix(fp, p.pattern)
}

// Source returns the external data source backing a keyfile or github
// predicate, or nil for static predicates.
func (p *Predicate) Source() *Source { return p.source }

// String describes the predicate for logs and config printing.
func (p *Predicate) String() string {
	switch p.kind {
	case kindFingerprint:
		return "fingerprint=" + p.pattern
	case kindPubkey:
		return "pubkey=<key>"
	case kindComment:
		return "comment=" + p.pattern
	case kindKeyType:
		return "type=" + p.keyType
	case kindKeyfile:
		return "keyfile=" + strings.TrimPrefix(p.source.name, "keyfile:")
	case kindGitHub:
		return "github=" + strings.TrimPrefix(p.source.name, "github:")
	}
	return "unknown"
}

func newFingerprintPredicate(pattern string) (*Predicate, error) {
	if !strings.HasPrefix(pattern, "SHA256:") && !strings.HasPrefix(pattern, "MD5:") {
		return nil, fmt.Errorf("invalid fingerprint %q: expected SHA256:... or MD5:...", pattern)
	}
	return &Predicate{kind: kindFingerprint, pattern: pattern}, nil
}

// newPubkeyPredicate parses an OpenSSH format public key line; any
// trailing comment is ignored, so two lines for the same key compare
// equal.
func newPubkeyPredicate(keyLine string) (*Predicate, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyLine))
	if err != nil {
		return nil, fmt.Errorf("invalid public key %q: %w", keyLine, err)
	}
	return &Predicate{kind: kindPubkey, pattern: keyLine, blob: key.Marshal()}, nil
}

// newCommentPredicate selects the match style by syntax: a "~" prefix
// means regex (anchoring is the author's business), glob
// metacharacters mean shell glob, anything else is an exact match.
func newCommentPredicate(pattern string) (*Predicate, error) {
	p := &Predicate{kind: kindComment, pattern: pattern}
	switch {
	case strings.HasPrefix(pattern, "~"):
		re, err := regexp.Compile(pattern[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid comment regex %q: %w", pattern[1:], err)
		}
		p.mode, p.re = commentRegex, re
	case strings.ContainsAny(pattern, "*?["):
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid comment glob %q: %w", pattern, err)
		}
		p.mode, p.globber = commentGlob, g
	default:
		p.mode = commentExact
	}
	return p, nil
}

func newKeyTypePredicate(keyType string) *Predicate {
	return &Predicate{kind: kindKeyType, keyType: normalizeKeyType(keyType)}
}

// normalizeKeyType maps algorithm names to the short form users write
// in filters (ssh-ed25519 and ed25519 are the same filter).
func normalizeKeyType(keyType string) string {
	lower := strings.ToLower(keyType)
	switch {
	case lower == "ssh-ed25519" || lower == "ed25519":
		return "ed25519"
	case lower == "ssh-rsa" || lower == "rsa":
		return "rsa"
	case lower == "ssh-dss" || lower == "dsa" || lower == "dss":
		return "dsa"
	case strings.HasPrefix(lower, "sk-ssh-ed25519") || lower == "sk-ed25519":
		return "sk-ed25519"
	case strings.HasPrefix(lower, "sk-ecdsa-sha2-") || lower == "sk-ecdsa":
		return "sk-ecdsa"
	case strings.HasPrefix(lower, "ecdsa-sha2-") || lower == "ecdsa":
		return "ecdsa"
	}
	return lower
}

// md5Fingerprint renders the legacy colon-separated MD5 fingerprint.
func md5Fingerprint(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	sum := md5.Sum(blob)
	var b strings.Builder
	b.WriteString("MD5:")
	for i, c := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}
