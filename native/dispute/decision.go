package dispute

import (
	"encoding/json"
	"errors"
	"fmt"

	"pact/core/canonical"
	"pact/core/envelope"
	"pact/crypto"
)

var ErrDecisionNotClosed = errors.New("dispute: decision requires a resolved or rejected dispute")

// SignedDecision is an arbiter's signature over the canonical digest of a
// Decision. It verifies with the same primitives as a protocol envelope, so
// no arbitration service needs to be reachable to audit it.
type SignedDecision struct {
	Decision            Decision `json:"decision"`
	ArbiterPublicKeyB58 string   `json:"arbiter_public_key_b58"`
	DecisionHashHex     string   `json:"decision_hash_hex"`
	SignatureB58        string   `json:"signature_b58"`
	SignedAtMs          int64    `json:"signed_at_ms"`
}

// SignDecision signs d with the arbiter key.
func SignDecision(d Decision, arbiter *crypto.KeyPair, signedAtMs int64) (*SignedDecision, error) {
	env, err := envelope.SignValue(d, arbiter, signedAtMs)
	if err != nil {
		return nil, fmt.Errorf("dispute: sign decision: %w", err)
	}
	return &SignedDecision{
		Decision:            d,
		ArbiterPublicKeyB58: env.SignerPublicKeyB58,
		DecisionHashHex:     env.MessageHashHex,
		SignatureB58:        env.SignatureB58,
		SignedAtMs:          env.SignedAtMs,
	}, nil
}

// SignClosed signs the decision for a closed dispute.
func SignClosed(d *Dispute, arbiter *crypto.KeyPair, signedAtMs int64) (*SignedDecision, error) {
	if d == nil || (d.Status != StatusResolved && d.Status != StatusRejected) {
		return nil, ErrDecisionNotClosed
	}
	return SignDecision(DecisionFor(d), arbiter, signedAtMs)
}

// VerifyDecision recomputes the decision digest and checks the arbiter
// signature over it.
func VerifyDecision(sd *SignedDecision) envelope.Outcome {
	if sd == nil {
		return envelope.OutcomeMalformed
	}
	encoded, err := canonical.Canonicalize(sd.Decision)
	if err != nil {
		return envelope.OutcomeMalformed
	}
	return envelope.VerifyDetailed(&envelope.SignedEnvelope{
		EnvelopeVersion:    envelope.Version,
		Message:            json.RawMessage(encoded),
		MessageHashHex:     sd.DecisionHashHex,
		SignerPublicKeyB58: sd.ArbiterPublicKeyB58,
		SignatureB58:       sd.SignatureB58,
		SignedAtMs:         sd.SignedAtMs,
	})
}

// VerifyDecisionFrom is VerifyDecision plus a check on the arbiter key.
func VerifyDecisionFrom(sd *SignedDecision, arbiterB58 string) envelope.Outcome {
	outcome := VerifyDecision(sd)
	if outcome != envelope.OutcomeOK {
		return outcome
	}
	if sd.ArbiterPublicKeyB58 != arbiterB58 {
		return envelope.OutcomeSignerMismatch
	}
	return envelope.OutcomeOK
}
