// Package transcript holds the hash-chained record of a negotiation and the
// replay verifier that decides how much of it can be trusted.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"pact/core/canonical"
	"pact/core/envelope"
	"pact/core/types"
)

const (
	// Version is the transcript format produced by Builder.
	Version = "pact-transcript/4.0"
	// SignatureScheme is the only round signature scheme.
	SignatureScheme = "ed25519"
)

// RoundSignature is the agent's signature over the round's envelope hash.
type RoundSignature struct {
	SignerPublicKeyB58 string `json:"signer_public_key_b58"`
	SignatureB58       string `json:"signature_b58"`
	SignedAtMs         int64  `json:"signed_at_ms"`
	Scheme             string `json:"scheme"`
}

// Round is one negotiation step. RoundHash covers every other field and is
// frozen when the round is appended.
type Round struct {
	RoundNumber       int                      `json:"round_number"`
	RoundType         types.MessageType        `json:"round_type"`
	AgentID           string                   `json:"agent_id"`
	Role              types.Role               `json:"role,omitempty"`
	EnvelopeHash      string                   `json:"envelope_hash"`
	Envelope          *envelope.SignedEnvelope `json:"envelope,omitempty"`
	PreviousRoundHash string                   `json:"previous_round_hash"`
	RoundHash         string                   `json:"round_hash,omitempty"`
	PublicKeyB58      string                   `json:"public_key_b58"`
	Signature         RoundSignature           `json:"signature"`
	TimestampMs       int64                    `json:"timestamp_ms"`
}

// Clone returns a deep copy of the round.
func (r Round) Clone() Round {
	clone := r
	clone.Envelope = r.Envelope.Clone()
	return clone
}

// FailureEvent is the terminal failure record. Everything in it is claimed by
// whoever wrote the transcript; none of it is signed.
type FailureEvent struct {
	Code           types.FailureCode `json:"code"`
	Stage          string            `json:"stage,omitempty"`
	FaultDomain    string            `json:"fault_domain,omitempty"`
	Terminality    string            `json:"terminality,omitempty"`
	EvidenceRefs   []string          `json:"evidence_refs,omitempty"`
	TranscriptHash string            `json:"transcript_hash,omitempty"`
	TimestampMs    int64             `json:"timestamp_ms,omitempty"`
}

// Clone returns a deep copy of the event.
func (f *FailureEvent) Clone() *FailureEvent {
	if f == nil {
		return nil
	}
	clone := *f
	if f.EvidenceRefs != nil {
		clone.EvidenceRefs = append([]string(nil), f.EvidenceRefs...)
	}
	return &clone
}

// Transcript is the full negotiation record.
type Transcript struct {
	TranscriptVersion string        `json:"transcript_version"`
	IntentID          string        `json:"intent_id"`
	CreatedAtMs       int64         `json:"created_at_ms"`
	Rounds            []Round       `json:"rounds"`
	FinalHash         string        `json:"final_hash,omitempty"`
	FailureEvent      *FailureEvent `json:"failure_event,omitempty"`
}

// Clone returns a deep copy of the transcript.
func (t Transcript) Clone() Transcript {
	clone := t
	clone.Rounds = make([]Round, len(t.Rounds))
	for i, r := range t.Rounds {
		clone.Rounds[i] = r.Clone()
	}
	clone.FailureEvent = t.FailureEvent.Clone()
	return clone
}

// GenesisHash binds a chain to its intent and creation time:
// SHA256(intent_id + ":" + created_at_ms).
func GenesisHash(intentID string, createdAtMs int64) string {
	return canonical.SHA256HexString(intentID + ":" + strconv.FormatInt(createdAtMs, 10))
}

// ComputeRoundHash hashes the canonical form of r without its round_hash.
func ComputeRoundHash(r Round) (string, error) {
	r.RoundHash = ""
	return canonical.DigestHex(r)
}

// ComputeFinalHash hashes the canonical form of t without its final_hash.
func ComputeFinalHash(t Transcript) (string, error) {
	t.FinalHash = ""
	return canonical.DigestHex(t)
}

// ComputeFailureTranscriptHash is the hash a failure event claims: the
// transcript without final_hash and failure_event.
func ComputeFailureTranscriptHash(t Transcript) (string, error) {
	t.FinalHash = ""
	t.FailureEvent = nil
	return canonical.DigestHex(t)
}

// Parse decodes a transcript document.
func Parse(raw []byte) (Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transcript{}, fmt.Errorf("transcript: parse: %w", err)
	}
	return t, nil
}

// Read decodes a transcript from r.
func Read(r io.Reader) (Transcript, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcript: read: %w", err)
	}
	return Parse(raw)
}

// LVSH returns the verified prefix of t together with the last valid hash:
// the final verified round hash, or the genesis hash when nothing verified.
func LVSH(t Transcript, res Result) ([]Round, string) {
	prefix := VerifiedPrefix(t, res)
	if len(prefix) == 0 {
		return nil, GenesisHash(t.IntentID, t.CreatedAtMs)
	}
	return prefix, prefix[len(prefix)-1].RoundHash
}

// VerifiedPrefix returns a copy of the rounds replay accepted.
func VerifiedPrefix(t Transcript, res Result) []Round {
	n := res.RoundsVerified
	if n > len(t.Rounds) {
		n = len(t.Rounds)
	}
	if n <= 0 {
		return nil
	}
	prefix := make([]Round, n)
	for i := 0; i < n; i++ {
		prefix[i] = t.Rounds[i].Clone()
	}
	return prefix
}
