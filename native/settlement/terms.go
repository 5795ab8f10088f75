package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pact/core/envelope"
	"pact/core/types"
	"pact/storage/archive"
)

var ErrInvalidTerms = errors.New("settlement: invalid terms")

// Party identifies an agent and the key its messages must be signed with.
type Party struct {
	AgentID      string `json:"agent_id"`
	PublicKeyB58 string `json:"public_key_b58"`
}

func (p Party) validate(role string) error {
	if strings.TrimSpace(p.AgentID) == "" || strings.TrimSpace(p.PublicKeyB58) == "" {
		return fmt.Errorf("%w: %s agent id and key required", ErrInvalidTerms, role)
	}
	return nil
}

// Terms are the settlement parameters fixed at ACCEPT.
type Terms struct {
	IntentID          string               `json:"intent_id"`
	Mode              types.SettlementMode `json:"mode"`
	AgreedPrice       uint64               `json:"agreed_price"`
	ChallengeWindowMs int64                `json:"challenge_window_ms"`
	Buyer             Party                `json:"buyer"`
	Provider          Party                `json:"provider"`
}

// TermsFromAccept derives settlement terms from a verified ACCEPT.
func TermsFromAccept(accept types.Accept, buyer, provider Party) Terms {
	return Terms{
		IntentID:          accept.IntentID,
		Mode:              accept.SettlementMode,
		AgreedPrice:       accept.AgreedPrice,
		ChallengeWindowMs: accept.ChallengeWindowMs,
		Buyer:             buyer,
		Provider:          provider,
	}
}

// Validate checks the terms for mode.
func (t Terms) Validate(mode types.SettlementMode) error {
	if strings.TrimSpace(t.IntentID) == "" {
		return fmt.Errorf("%w: intent id required", ErrInvalidTerms)
	}
	if t.Mode != mode {
		return fmt.Errorf("%w: mode %q, engine handles %q", ErrInvalidTerms, t.Mode, mode)
	}
	if t.AgreedPrice == 0 {
		return fmt.Errorf("%w: agreed price must be positive", ErrInvalidTerms)
	}
	if err := t.Buyer.validate("buyer"); err != nil {
		return err
	}
	return t.Provider.validate("provider")
}

// ReceiptExpiry is when a receipt issued at nowMs stops being disputable.
func (t Terms) ReceiptExpiry(nowMs int64) int64 {
	if t.ChallengeWindowMs <= 0 {
		return nowMs + 1
	}
	return nowMs + t.ChallengeWindowMs
}

// EnvelopeError reports a signed input that failed verification. It is a
// transport failure, not data.
type EnvelopeError struct {
	Outcome envelope.Outcome
	Detail  string
}

func (e *EnvelopeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("settlement: envelope rejected (%s): %s", e.Outcome, e.Detail)
	}
	return fmt.Sprintf("settlement: envelope rejected (%s)", e.Outcome)
}

// Code maps the outcome to a stable failure code.
func (e *EnvelopeError) Code() types.FailureCode {
	if e.Outcome == envelope.OutcomeSignerMismatch {
		return types.FailureProviderSignerMismatch
	}
	return types.FailureProviderSignatureInvalid
}

// DecodeFrom verifies env against signer and returns its message, which must
// belong to intentID and be of type want.
func DecodeFrom(env *envelope.SignedEnvelope, signer Party, intentID string, want types.MessageType) (types.Message, error) {
	if outcome := envelope.VerifyFrom(env, signer.PublicKeyB58); outcome != envelope.OutcomeOK {
		return nil, &EnvelopeError{Outcome: outcome}
	}
	msg, outcome, err := envelope.Decode(env)
	if err != nil || outcome != envelope.OutcomeOK {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		return nil, &EnvelopeError{Outcome: envelope.OutcomeMalformed, Detail: detail}
	}
	if msg.Head().Type != want {
		return nil, &EnvelopeError{Outcome: envelope.OutcomeMalformed, Detail: fmt.Sprintf("expected %s, got %s", want, msg.Head().Type)}
	}
	if msg.Head().IntentID != intentID {
		return nil, &EnvelopeError{Outcome: envelope.OutcomeMalformed, Detail: "intent_id mismatch"}
	}
	return msg, nil
}

// Archiver stores final settlement state.
type Archiver interface {
	Put(ctx context.Context, rec archive.Record) error
}
