package transcript

import (
	"encoding/hex"
	"fmt"
	"strings"

	"pact/core/envelope"
	"pact/crypto"
)

// ErrorType names a replay failure.
type ErrorType string

const (
	ErrStructureInvalid         ErrorType = "STRUCTURE_INVALID"
	ErrRoundNumberMismatch      ErrorType = "ROUND_NUMBER_MISMATCH"
	ErrHashChainBroken          ErrorType = "HASH_CHAIN_BROKEN"
	ErrRoundHashMismatch        ErrorType = "ROUND_HASH_MISMATCH"
	ErrSignatureInvalid         ErrorType = "SIGNATURE_INVALID"
	ErrEnvelopeInvalid          ErrorType = "ENVELOPE_INVALID"
	ErrFinalHashMismatch        ErrorType = "FINAL_HASH_MISMATCH"
	ErrFailureEventHashMismatch ErrorType = "FAILURE_EVENT_HASH_MISMATCH"
)

// ErrorClass groups replay failures by what they say about the evidence.
type ErrorClass string

const (
	ClassStructural    ErrorClass = "structural"
	ClassCryptographic ErrorClass = "cryptographic"
	ClassContinuity    ErrorClass = "continuity"
	ClassContainer     ErrorClass = "container"
)

// Class returns the class of t.
func (t ErrorType) Class() ErrorClass {
	switch t {
	case ErrStructureInvalid:
		return ClassStructural
	case ErrRoundHashMismatch, ErrSignatureInvalid, ErrEnvelopeInvalid:
		return ClassCryptographic
	case ErrRoundNumberMismatch, ErrHashChainBroken:
		return ClassContinuity
	default:
		return ClassContainer
	}
}

// Fatal reports whether t stops replay.
func (t ErrorType) Fatal() bool {
	return t.Class() != ClassContainer
}

// ContainerLevel is the RoundNumber used for errors that are not about a
// particular round.
const ContainerLevel = -1

// ReplayError is one finding. Errors are data about the evidence, not
// failures of the verifier.
type ReplayError struct {
	Type        ErrorType  `json:"type"`
	Class       ErrorClass `json:"class"`
	RoundNumber int        `json:"round_number"`
	Message     string     `json:"message"`
}

func (e ReplayError) Error() string {
	if e.RoundNumber == ContainerLevel {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s at round %d: %s", e.Type, e.RoundNumber, e.Message)
}

// Result is the outcome of Replay.
type Result struct {
	OK             bool          `json:"ok"`
	RoundsVerified int           `json:"rounds_verified"`
	TotalRounds    int           `json:"total_rounds"`
	LastValidHash  string        `json:"last_valid_hash"`
	Errors         []ReplayError `json:"errors"`
}

// Has reports whether the result contains an error of type t.
func (r Result) Has(t ErrorType) bool {
	for _, e := range r.Errors {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Fatal returns the error that stopped replay, if any.
func (r Result) Fatal() (ReplayError, bool) {
	for _, e := range r.Errors {
		if e.Type.Fatal() {
			return e, true
		}
	}
	return ReplayError{}, false
}

// ChainIntact reports whether every round verified.
func (r Result) ChainIntact() bool {
	_, fatal := r.Fatal()
	return !fatal && r.RoundsVerified == r.TotalRounds
}

// ContainerWarnings returns the non-fatal container findings.
func (r Result) ContainerWarnings() []ReplayError {
	var out []ReplayError
	for _, e := range r.Errors {
		if e.Class == ClassContainer {
			out = append(out, e)
		}
	}
	return out
}

func (r *Result) add(t ErrorType, round int, format string, args ...any) {
	r.Errors = append(r.Errors, ReplayError{
		Type:        t,
		Class:       t.Class(),
		RoundNumber: round,
		Message:     fmt.Sprintf(format, args...),
	})
}

// Replay verifies t round by round and stops at the first round that fails.
// RoundsVerified counts the valid rounds before the failure. The final hash
// and failure event hash are checked separately and never reduce
// RoundsVerified.
func Replay(t Transcript) Result {
	res := Result{
		TotalRounds: len(t.Rounds),
		Errors:      []ReplayError{},
	}
	previous := GenesisHash(t.IntentID, t.CreatedAtMs)
	res.LastValidHash = previous

	if msg := checkHeader(t); msg != "" {
		res.add(ErrStructureInvalid, ContainerLevel, "%s", msg)
		return res
	}

	for i, round := range t.Rounds {
		if msg := checkRoundStructure(round); msg != "" {
			res.add(ErrStructureInvalid, i, "%s", msg)
			break
		}
		if round.RoundNumber != i {
			res.add(ErrRoundNumberMismatch, i, "round_number %d at index %d", round.RoundNumber, i)
			break
		}
		if round.PreviousRoundHash != previous {
			res.add(ErrHashChainBroken, i, "previous_round_hash does not link to %s", previous)
			break
		}
		computed, err := ComputeRoundHash(round)
		if err != nil {
			res.add(ErrStructureInvalid, i, "round not canonicalizable: %v", err)
			break
		}
		if computed != round.RoundHash {
			res.add(ErrRoundHashMismatch, i, "stored %s, computed %s", round.RoundHash, computed)
			break
		}
		if msg := checkRoundSignature(round); msg != "" {
			res.add(ErrSignatureInvalid, i, "%s", msg)
			break
		}
		if msg := checkRoundEnvelope(t.IntentID, round); msg != "" {
			res.add(ErrEnvelopeInvalid, i, "%s", msg)
			break
		}
		res.RoundsVerified++
		previous = round.RoundHash
		res.LastValidHash = previous
	}

	if t.FinalHash != "" {
		computed, err := ComputeFinalHash(t)
		if err != nil || computed != t.FinalHash {
			res.add(ErrFinalHashMismatch, ContainerLevel, "stored %s, computed %s", t.FinalHash, computed)
		}
	}
	if t.FailureEvent != nil && t.FailureEvent.TranscriptHash != "" {
		computed, err := ComputeFailureTranscriptHash(t)
		if err != nil || computed != t.FailureEvent.TranscriptHash {
			res.add(ErrFailureEventHashMismatch, ContainerLevel, "claimed %s, computed %s", t.FailureEvent.TranscriptHash, computed)
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func checkHeader(t Transcript) string {
	if !strings.HasPrefix(t.TranscriptVersion, "pact-transcript/") {
		return fmt.Sprintf("unsupported transcript_version %q", t.TranscriptVersion)
	}
	if strings.TrimSpace(t.IntentID) == "" {
		return "intent_id required"
	}
	if t.CreatedAtMs <= 0 {
		return "created_at_ms must be positive"
	}
	return ""
}

func checkRoundStructure(r Round) string {
	switch {
	case !r.RoundType.Valid():
		return fmt.Sprintf("unknown round_type %q", r.RoundType)
	case strings.TrimSpace(r.AgentID) == "":
		return "agent_id required"
	case !isHash(r.EnvelopeHash):
		return "envelope_hash must be 64 lowercase hex characters"
	case !isHash(r.PreviousRoundHash):
		return "previous_round_hash must be 64 lowercase hex characters"
	case strings.TrimSpace(r.PublicKeyB58) == "":
		return "public_key_b58 required"
	case r.Signature.Scheme != SignatureScheme:
		return fmt.Sprintf("unsupported signature scheme %q", r.Signature.Scheme)
	}
	return ""
}

func checkRoundSignature(r Round) string {
	if r.Signature.SignerPublicKeyB58 != r.PublicKeyB58 {
		return "signature signer differs from public_key_b58"
	}
	digest, err := hex.DecodeString(r.EnvelopeHash)
	if err != nil {
		return "envelope_hash not hex"
	}
	if !crypto.VerifyB58(r.PublicKeyB58, digest, r.Signature.SignatureB58) {
		return "signature does not verify over envelope_hash"
	}
	return ""
}

func checkRoundEnvelope(intentID string, r Round) string {
	if r.Envelope == nil {
		return ""
	}
	msg, outcome, err := envelope.Decode(r.Envelope)
	if outcome != envelope.OutcomeOK {
		if err != nil {
			return fmt.Sprintf("envelope %s: %v", outcome, err)
		}
		return fmt.Sprintf("envelope %s", outcome)
	}
	switch {
	case r.Envelope.MessageHashHex != r.EnvelopeHash:
		return "envelope hash differs from envelope_hash"
	case r.Envelope.SignerPublicKeyB58 != r.PublicKeyB58:
		return "envelope signer differs from public_key_b58"
	case msg.Head().Type != r.RoundType:
		return fmt.Sprintf("envelope carries %s, round is %s", msg.Head().Type, r.RoundType)
	case msg.Head().IntentID != intentID:
		return "envelope intent_id differs from transcript"
	}
	return ""
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
