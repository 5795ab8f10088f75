// Package envelope signs protocol messages and verifies them independently of
// the transport they arrived on. A message's identity is the SHA-256 of its
// canonical form; the Ed25519 signature covers exactly those 32 bytes.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pact/core/canonical"
	"pact/core/types"
	"pact/crypto"
)

// Version is the only envelope format this package produces or accepts.
const Version = "pact-envelope/1.0"

// SignedEnvelope wraps exactly one message. Message holds the canonical JSON
// of the message so the digest can be recomputed without re-encoding Go
// structs.
type SignedEnvelope struct {
	EnvelopeVersion    string          `json:"envelope_version"`
	Message            json.RawMessage `json:"message"`
	MessageHashHex     string          `json:"message_hash_hex"`
	SignerPublicKeyB58 string          `json:"signer_public_key_b58"`
	SignatureB58       string          `json:"signature_b58"`
	SignedAtMs         int64           `json:"signed_at_ms"`
}

// Outcome is the typed result of verification. Adverse outcomes are values,
// never panics.
type Outcome string

const (
	OutcomeOK                   Outcome = "OK"
	OutcomeMalformed            Outcome = "MALFORMED"
	OutcomeUnsupportedVersion   Outcome = "UNSUPPORTED_VERSION"
	OutcomeHashMismatch         Outcome = "HASH_MISMATCH"
	OutcomeBadPublicKey         Outcome = "BAD_PUBLIC_KEY"
	OutcomeBadSignatureEncoding Outcome = "BAD_SIGNATURE_ENCODING"
	OutcomeSignatureInvalid     Outcome = "SIGNATURE_INVALID"
	OutcomeSignerMismatch       Outcome = "SIGNER_MISMATCH"
)

var (
	ErrNilKeyPair     = errors.New("envelope: key pair required")
	ErrInvalidMessage = errors.New("envelope: invalid message")
)

// Sign validates msg, computes its digest and signs it. The caller supplies
// signedAtMs; no clock is read here.
func Sign(msg types.Message, kp *crypto.KeyPair, signedAtMs int64) (*SignedEnvelope, error) {
	if kp == nil || len(kp.Private) != ed25519.PrivateKeySize {
		return nil, ErrNilKeyPair
	}
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return SignValue(msg, kp, signedAtMs)
}

// SignValue signs any canonicalisable value. It is used for artifacts that
// share the envelope format but are not protocol messages, such as arbiter
// decisions.
func SignValue(v any, kp *crypto.KeyPair, signedAtMs int64) (*SignedEnvelope, error) {
	if kp == nil || len(kp.Private) != ed25519.PrivateKeySize {
		return nil, ErrNilKeyPair
	}
	encoded, err := canonical.Canonicalize(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	digest := sha256.Sum256(encoded)
	return &SignedEnvelope{
		EnvelopeVersion:    Version,
		Message:            json.RawMessage(encoded),
		MessageHashHex:     hex.EncodeToString(digest[:]),
		SignerPublicKeyB58: kp.PublicKeyB58(),
		SignatureB58:       crypto.EncodeB58(kp.Sign(digest[:])),
		SignedAtMs:         signedAtMs,
	}, nil
}

// Verify reports whether env is a valid envelope. It is all-or-nothing.
func Verify(env *SignedEnvelope) bool {
	return VerifyDetailed(env) == OutcomeOK
}

// VerifyDetailed checks version, digest and signature and reports the first
// failing check.
func VerifyDetailed(env *SignedEnvelope) Outcome {
	if env == nil || len(env.Message) == 0 {
		return OutcomeMalformed
	}
	if env.EnvelopeVersion != Version {
		return OutcomeUnsupportedVersion
	}
	digest, err := canonical.Digest(env.Message)
	if err != nil {
		return OutcomeMalformed
	}
	stored, err := decodeDigest(env.MessageHashHex)
	if err != nil {
		return OutcomeHashMismatch
	}
	if subtle.ConstantTimeCompare(stored, digest[:]) != 1 {
		return OutcomeHashMismatch
	}
	pub, err := crypto.PublicKeyFromB58(env.SignerPublicKeyB58)
	if err != nil {
		return OutcomeBadPublicKey
	}
	sig, err := crypto.SignatureFromB58(env.SignatureB58)
	if err != nil {
		return OutcomeBadSignatureEncoding
	}
	if !ed25519.Verify(pub, digest[:], sig) {
		return OutcomeSignatureInvalid
	}
	return OutcomeOK
}

// VerifyFrom is VerifyDetailed plus a check that the envelope was signed by
// expectedSignerB58.
func VerifyFrom(env *SignedEnvelope, expectedSignerB58 string) Outcome {
	outcome := VerifyDetailed(env)
	if outcome != OutcomeOK {
		return outcome
	}
	if strings.TrimSpace(expectedSignerB58) == "" || env.SignerPublicKeyB58 != strings.TrimSpace(expectedSignerB58) {
		return OutcomeSignerMismatch
	}
	return OutcomeOK
}

// Decode verifies env and returns its typed message. An envelope that fails
// verification is treated as absent: no message is returned.
func Decode(env *SignedEnvelope) (types.Message, Outcome, error) {
	outcome := VerifyDetailed(env)
	if outcome != OutcomeOK {
		return nil, outcome, nil
	}
	msg, err := types.DecodeMessage(env.Message)
	if err != nil {
		return nil, OutcomeMalformed, err
	}
	return msg, OutcomeOK, nil
}

// Digest returns the 32 raw bytes named by MessageHashHex.
func (e *SignedEnvelope) Digest() ([]byte, error) {
	if e == nil {
		return nil, ErrInvalidMessage
	}
	return decodeDigest(e.MessageHashHex)
}

// Clone returns a deep copy.
func (e *SignedEnvelope) Clone() *SignedEnvelope {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Message = append(json.RawMessage(nil), e.Message...)
	return &clone
}

func decodeDigest(hexDigest string) ([]byte, error) {
	trimmed := strings.TrimSpace(hexDigest)
	if len(trimmed) != 64 || strings.ToLower(trimmed) != trimmed {
		return nil, fmt.Errorf("envelope: digest must be 64 lowercase hex characters")
	}
	return hex.DecodeString(trimmed)
}
