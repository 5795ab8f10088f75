package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"pact/core/types"
	"pact/crypto"
)

func testKey(fill byte) *crypto.KeyPair {
	return crypto.MustKeyPairFromSeed(bytes.Repeat([]byte{fill}, 32))
}

func testAsk() types.Ask {
	return types.Ask{
		Header: types.NewHeader(types.MessageAsk, "intent-1", 1_000, 61_000),
		Quote: types.Quote{
			Price:      120,
			Unit:       "request",
			LatencyMs:  50,
			ValidForMs: 30_000,
		},
	}
}

func TestSignAndVerify(t *testing.T) {
	env, err := Sign(testAsk(), testKey(0x11), 1_500)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := VerifyDetailed(env); got != OutcomeOK {
		t.Fatalf("expected OK, got %s", got)
	}
	msg, outcome, err := Decode(env)
	if err != nil || outcome != OutcomeOK {
		t.Fatalf("decode: %v %s", err, outcome)
	}
	ask, ok := msg.(types.Ask)
	if !ok {
		t.Fatalf("expected Ask, got %T", msg)
	}
	if ask.Price != 120 || ask.Head().IntentID != "intent-1" {
		t.Fatalf("unexpected decoded ask %+v", ask)
	}
}

func TestVerifyOutcomes(t *testing.T) {
	key := testKey(0x22)
	base, err := Sign(testAsk(), key, 1_500)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other := testKey(0x33)

	cases := []struct {
		name   string
		mutate func(e *SignedEnvelope)
		want   Outcome
	}{
		{"nil message", func(e *SignedEnvelope) { e.Message = nil }, OutcomeMalformed},
		{"unknown version", func(e *SignedEnvelope) { e.EnvelopeVersion = "pact-envelope/0.9" }, OutcomeUnsupportedVersion},
		{"tampered message", func(e *SignedEnvelope) {
			e.Message = bytes.Replace(e.Message, []byte(`"price":120`), []byte(`"price":121`), 1)
		}, OutcomeHashMismatch},
		{"garbage hash", func(e *SignedEnvelope) { e.MessageHashHex = "zz" }, OutcomeHashMismatch},
		{"bad key encoding", func(e *SignedEnvelope) { e.SignerPublicKeyB58 = "0OIl" }, OutcomeBadPublicKey},
		{"short signature", func(e *SignedEnvelope) { e.SignatureB58 = crypto.EncodeB58([]byte{1, 2, 3}) }, OutcomeBadSignatureEncoding},
		{"wrong signer", func(e *SignedEnvelope) { e.SignerPublicKeyB58 = other.PublicKeyB58() }, OutcomeSignatureInvalid},
		{"not json", func(e *SignedEnvelope) { e.Message = json.RawMessage(`{"price":`) }, OutcomeMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := base.Clone()
			tc.mutate(env)
			if got := VerifyDetailed(env); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
			if Verify(env) {
				t.Fatalf("Verify must be false for %s", tc.name)
			}
		})
	}
}

func TestVerifyNilEnvelope(t *testing.T) {
	if got := VerifyDetailed(nil); got != OutcomeMalformed {
		t.Fatalf("expected MALFORMED, got %s", got)
	}
}

func TestVerifyFromRejectsSignerMismatch(t *testing.T) {
	key := testKey(0x44)
	env, err := Sign(testAsk(), key, 1_500)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := VerifyFrom(env, key.PublicKeyB58()); got != OutcomeOK {
		t.Fatalf("expected OK, got %s", got)
	}
	if got := VerifyFrom(env, testKey(0x45).PublicKeyB58()); got != OutcomeSignerMismatch {
		t.Fatalf("expected SIGNER_MISMATCH, got %s", got)
	}
}

func TestSignRejectsInvalidMessage(t *testing.T) {
	ask := testAsk()
	ask.ProtocolVersion = "pact/0.9"
	_, err := Sign(ask, testKey(0x55), 1_500)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	ask = testAsk()
	ask.ExpiresAtMs = ask.SentAtMs
	if _, err := Sign(ask, testKey(0x55), 1_500); err == nil {
		t.Fatalf("expected expiry validation failure")
	}
}

func TestEnvelopeSurvivesJSONRoundTrip(t *testing.T) {
	env, err := Sign(testAsk(), testKey(0x66), 1_500)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded SignedEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Verify(&decoded) {
		t.Fatalf("expected envelope to verify after transport re-encoding")
	}
}
