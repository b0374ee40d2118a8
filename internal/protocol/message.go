// Package protocol implements the SSH agent wire protocol: the typed
// message model and the length-prefixed framing codec. It performs no
// I/O policy of its own and is shared by both sides of the proxy.
package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Agent protocol message type codes, per draft-miller-ssh-agent.
const (
	// Requests from client (SSH_AGENTC_*)
	MsgRequestIdentities          = 11
	MsgSignRequest                = 13
	MsgAddIdentity                = 17
	MsgRemoveIdentity             = 18
	MsgRemoveAllIdentities        = 19
	MsgAddSmartcardKey            = 20
	MsgRemoveSmartcardKey         = 21
	MsgLock                       = 22
	MsgUnlock                     = 23
	MsgAddIDConstrained           = 25
	MsgAddSmartcardKeyConstrained = 26
	MsgExtension                  = 27

	// Responses from agent (SSH_AGENT_*)
	MsgFailure          = 5
	MsgSuccess          = 6
	MsgIdentitiesAnswer = 12
	MsgSignResponse     = 14
	MsgExtensionFailure = 28
)

const (
	// maxIdentities caps the identity count in one answer so a hostile
	// agent cannot force an arbitrarily large allocation.
	maxIdentities = 10000

	// maxFieldSize caps any single key blob or comment (16 MiB, the
	// OpenSSH limit).
	maxFieldSize = 16 * 1024 * 1024
)

// ErrMalformed reports a message that violates the wire format. It is
// always fatal to the connection that produced it.
var ErrMalformed = errors.New("malformed agent message")

// Message is one SSH agent protocol message: a type code and the raw
// payload that follows it. Unknown types are carried opaquely so the
// proxy can relay operations it does not specifically understand.
type Message struct {
	Type    byte
	Payload []byte
}

// Failure returns the protocol's standard failure response.
func Failure() Message { return Message{Type: MsgFailure} }

// Success returns the protocol's standard success response.
func Success() Message { return Message{Type: MsgSuccess} }

var typeNames = map[byte]string{
	MsgRequestIdentities:          "SSH_AGENTC_REQUEST_IDENTITIES",
	MsgSignRequest:                "SSH_AGENTC_SIGN_REQUEST",
	MsgAddIdentity:                "SSH_AGENTC_ADD_IDENTITY",
	MsgRemoveIdentity:             "SSH_AGENTC_REMOVE_IDENTITY",
	MsgRemoveAllIdentities:        "SSH_AGENTC_REMOVE_ALL_IDENTITIES",
	MsgAddSmartcardKey:            "SSH_AGENTC_ADD_SMARTCARD_KEY",
	MsgRemoveSmartcardKey:         "SSH_AGENTC_REMOVE_SMARTCARD_KEY",
	MsgLock:                       "SSH_AGENTC_LOCK",
	MsgUnlock:                     "SSH_AGENTC_UNLOCK",
	MsgAddIDConstrained:           "SSH_AGENTC_ADD_ID_CONSTRAINED",
	MsgAddSmartcardKeyConstrained: "SSH_AGENTC_ADD_SMARTCARD_KEY_CONSTRAINED",
	MsgExtension:                  "SSH_AGENTC_EXTENSION",
	MsgFailure:                    "SSH_AGENT_FAILURE",
	MsgSuccess:                    "SSH_AGENT_SUCCESS",
	MsgIdentitiesAnswer:           "SSH_AGENT_IDENTITIES_ANSWER",
	MsgSignResponse:               "SSH_AGENT_SIGN_RESPONSE",
	MsgExtensionFailure:           "SSH_AGENT_EXTENSION_FAILURE",
}

// TypeName returns the protocol name for a message type code, or
// "UNKNOWN" for codes this package does not model.
func TypeName(t byte) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Identity is one key as reported by an agent: the raw type-prefixed
// public key blob and its comment. Identities are immutable snapshots;
// the proxy fetches them fresh from upstream on every list request.
type Identity struct {
	Blob    []byte
	Comment string
}

// Fingerprint returns the key's SHA256 fingerprint in the OpenSSH
// "SHA256:base64" form, or "" if the blob does not parse as a key.
func (id Identity) Fingerprint() string {
	key, err := ssh.ParsePublicKey(id.Blob)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(key)
}

// Type returns the algorithm name embedded in the key blob (for
// example "ssh-ed25519"), or "" if the blob is too short to carry one.
func (id Identity) Type() string {
	algo, _, err := readString(id.Blob)
	if err != nil {
		return ""
	}
	return string(algo)
}

// RawFingerprint digests the blob directly, bypassing key parsing. It
// matches Fingerprint for every parseable key and is total, which the
// audit log wants for hostile or truncated blobs.
func RawFingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// ParseIdentities extracts the identity list from an IdentitiesAnswer
// message, enforcing the count and field-size caps.
func ParseIdentities(m Message) ([]Identity, error) {
	if m.Type != MsgIdentitiesAnswer {
		return nil, fmt.Errorf("%w: expected %s, got %s",
			ErrMalformed, TypeName(MsgIdentitiesAnswer), TypeName(m.Type))
	}

	buf := m.Payload
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: identities answer too short", ErrMalformed)
	}
	count := binary.BigEndian.Uint32(buf)
	buf = buf[4:]

	if count > maxIdentities {
		return nil, fmt.Errorf("%w: identity count %d exceeds maximum %d",
			ErrMalformed, count, maxIdentities)
	}

	identities := make([]Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, rest, err := readString(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: key blob: %v", ErrMalformed, err)
		}
		comment, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: comment: %v", ErrMalformed, err)
		}
		buf = rest

		identities = append(identities, Identity{
			Blob:    append([]byte(nil), blob...),
			Comment: strings.ToValidUTF8(string(comment), "�"),
		})
	}

	return identities, nil
}

// BuildIdentitiesAnswer encodes an identity list as an
// IdentitiesAnswer message, preserving the given order.
func BuildIdentitiesAnswer(identities []Identity) Message {
	var payload []byte
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(identities)))
	for _, id := range identities {
		payload = appendString(payload, id.Blob)
		payload = appendString(payload, []byte(id.Comment))
	}
	return Message{Type: MsgIdentitiesAnswer, Payload: payload}
}

// ParseSignRequest extracts the key blob, the data to sign and the
// flags from a SignRequest message.
func ParseSignRequest(m Message) (blob, data []byte, flags uint32, err error) {
	if m.Type != MsgSignRequest {
		return nil, nil, 0, fmt.Errorf("%w: expected %s, got %s",
			ErrMalformed, TypeName(MsgSignRequest), TypeName(m.Type))
	}
	blob, rest, err := readString(m.Payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: key blob: %v", ErrMalformed, err)
	}
	data, rest, err = readString(rest)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	if len(rest) < 4 {
		return nil, nil, 0, fmt.Errorf("%w: flags truncated", ErrMalformed)
	}
	return blob, data, binary.BigEndian.Uint32(rest), nil
}

// SignRequestKey extracts just the key blob from a SignRequest. The
// session uses it for the permission check before anything is parsed
// further.
func SignRequestKey(m Message) ([]byte, error) {
	if m.Type != MsgSignRequest {
		return nil, fmt.Errorf("%w: expected %s, got %s",
			ErrMalformed, TypeName(MsgSignRequest), TypeName(m.Type))
	}
	blob, _, err := readString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: key blob: %v", ErrMalformed, err)
	}
	return blob, nil
}

// BuildSignRequest encodes a sign request.
func BuildSignRequest(blob, data []byte, flags uint32) Message {
	var payload []byte
	payload = appendString(payload, blob)
	payload = appendString(payload, data)
	payload = binary.BigEndian.AppendUint32(payload, flags)
	return Message{Type: MsgSignRequest, Payload: payload}
}

// ParseSignResponse extracts the signature blob from a SignResponse.
func ParseSignResponse(m Message) ([]byte, error) {
	if m.Type != MsgSignResponse {
		return nil, fmt.Errorf("%w: expected %s, got %s",
			ErrMalformed, TypeName(MsgSignResponse), TypeName(m.Type))
	}
	sig, _, err := readString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return sig, nil
}

// BuildSignResponse encodes a signature as a SignResponse message.
func BuildSignResponse(sig []byte) Message {
	return Message{Type: MsgSignResponse, Payload: appendString(nil, sig)}
}

// readString reads one length-prefixed string from buf, enforcing the
// field-size cap, and returns the string and the remaining bytes.
func readString(buf []byte) (s, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("length truncated")
	}
	n := binary.BigEndian.Uint32(buf)
	if n > maxFieldSize {
		return nil, nil, fmt.Errorf("field size %d exceeds maximum %d", n, maxFieldSize)
	}
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("field truncated")
	}
	return buf[:n], buf[n:], nil
}

func appendString(buf, s []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
