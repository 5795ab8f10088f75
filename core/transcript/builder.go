package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"pact/core/envelope"
	"pact/core/types"
	"pact/crypto"
)

var (
	ErrEnvelopeRejected = errors.New("transcript: envelope failed verification")
	ErrSignerMismatch   = errors.New("transcript: round key does not match envelope signer")
	ErrIntentMismatch   = errors.New("transcript: envelope belongs to a different intent")
	ErrMissingAgent     = errors.New("transcript: agent id required")
	ErrSealed           = errors.New("transcript: builder already sealed")
)

// Builder appends rounds to a transcript. Each append links to the previous
// round hash (or the genesis hash) and freezes the new round's hash; rounds
// are never rewritten.
type Builder struct {
	mu       sync.Mutex
	t        Transcript
	previous string
	sealed   bool
}

// NewBuilder starts an empty transcript for intentID.
func NewBuilder(intentID string, createdAtMs int64) *Builder {
	return &Builder{
		t: Transcript{
			TranscriptVersion: Version,
			IntentID:          intentID,
			CreatedAtMs:       createdAtMs,
			Rounds:            []Round{},
		},
		previous: GenesisHash(intentID, createdAtMs),
	}
}

// Append records env as the next round. The envelope must verify, belong to
// this intent and be signed by kp, which also signs the round.
func (b *Builder) Append(env *envelope.SignedEnvelope, agentID string, role types.Role, kp *crypto.KeyPair, timestampMs int64) (Round, error) {
	if strings.TrimSpace(agentID) == "" {
		return Round{}, ErrMissingAgent
	}
	if kp == nil {
		return Round{}, envelope.ErrNilKeyPair
	}
	msg, outcome, err := envelope.Decode(env)
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrEnvelopeRejected, err)
	}
	if outcome != envelope.OutcomeOK {
		return Round{}, fmt.Errorf("%w: %s", ErrEnvelopeRejected, outcome)
	}
	if env.SignerPublicKeyB58 != kp.PublicKeyB58() {
		return Round{}, ErrSignerMismatch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return Round{}, ErrSealed
	}
	if msg.Head().IntentID != b.t.IntentID {
		return Round{}, ErrIntentMismatch
	}
	digest, err := env.Digest()
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrEnvelopeRejected, err)
	}
	round := Round{
		RoundNumber:       len(b.t.Rounds),
		RoundType:         msg.Head().Type,
		AgentID:           agentID,
		Role:              role,
		EnvelopeHash:      env.MessageHashHex,
		Envelope:          env.Clone(),
		PreviousRoundHash: b.previous,
		PublicKeyB58:      kp.PublicKeyB58(),
		Signature: RoundSignature{
			SignerPublicKeyB58: kp.PublicKeyB58(),
			SignatureB58:       crypto.EncodeB58(kp.Sign(digest)),
			SignedAtMs:         timestampMs,
			Scheme:             SignatureScheme,
		},
		TimestampMs: timestampMs,
	}
	hash, err := ComputeRoundHash(round)
	if err != nil {
		return Round{}, fmt.Errorf("transcript: hash round: %w", err)
	}
	round.RoundHash = hash
	b.t.Rounds = append(b.t.Rounds, round)
	b.previous = hash
	return round.Clone(), nil
}

// Len returns the number of appended rounds.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.t.Rounds)
}

// LastHash returns the hash the next round will link to.
func (b *Builder) LastHash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previous
}

// Fail attaches a terminal failure event. When the event carries no
// transcript hash one is computed over the rounds appended so far.
func (b *Builder) Fail(event FailureEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	ev := event.Clone()
	if ev.TranscriptHash == "" {
		hash, err := ComputeFailureTranscriptHash(b.t)
		if err != nil {
			return fmt.Errorf("transcript: hash for failure event: %w", err)
		}
		ev.TranscriptHash = hash
	}
	b.t.FailureEvent = ev
	return nil
}

// Transcript returns a copy of the transcript without a final hash.
func (b *Builder) Transcript() Transcript {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t.Clone()
}

// Seal computes final_hash and stops further appends.
func (b *Builder) Seal() (Transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.t.Clone()
	hash, err := ComputeFinalHash(out)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcript: final hash: %w", err)
	}
	out.FinalHash = hash
	b.sealed = true
	return out, nil
}
