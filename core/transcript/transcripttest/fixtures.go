// Package transcripttest builds deterministic, validly signed transcripts for
// tests in other packages.
package transcripttest

import (
	"bytes"
	"testing"

	"pact/core/envelope"
	"pact/core/transcript"
	"pact/core/types"
	"pact/crypto"
)

const (
	// IntentID is the intent used by Negotiation.
	IntentID = "intent-fixture-1"
	// CreatedAtMs is the creation time used by Negotiation.
	CreatedAtMs int64 = 1_700_000_000_000
)

// Party is one side of a fixture negotiation.
type Party struct {
	AgentID string
	Role    types.Role
	Key     *crypto.KeyPair
}

// Buyer returns the fixture buyer.
func Buyer() Party {
	return Party{AgentID: "buyer-agent", Role: types.RoleBuyer, Key: Key(0xb1)}
}

// Provider returns the fixture provider.
func Provider() Party {
	return Party{AgentID: "provider-agent", Role: types.RoleProvider, Key: Key(0xa1)}
}

// Key derives a key pair from a repeated seed byte.
func Key(fill byte) *crypto.KeyPair {
	return crypto.MustKeyPairFromSeed(bytes.Repeat([]byte{fill}, 32))
}

// Step is one round to append.
type Step struct {
	Party   Party
	Message types.Message
}

// Build appends steps to a new builder, failing tb on any error. Round
// timestamps follow the message sent_at_ms.
func Build(tb testing.TB, intentID string, createdAtMs int64, steps ...Step) *transcript.Builder {
	tb.Helper()
	b := transcript.NewBuilder(intentID, createdAtMs)
	for i, step := range steps {
		sentAt := step.Message.Head().SentAtMs
		env, err := envelope.Sign(step.Message, step.Party.Key, sentAt)
		if err != nil {
			tb.Fatalf("sign step %d: %v", i, err)
		}
		if _, err := b.Append(env, step.Party.AgentID, step.Party.Role, step.Party.Key, sentAt); err != nil {
			tb.Fatalf("append step %d: %v", i, err)
		}
	}
	return b
}

// Header returns a header for the i-th fixture message.
func Header(t types.MessageType, intentID string, i int) types.Header {
	sent := CreatedAtMs + int64(i+1)*1_000
	return types.NewHeader(t, intentID, sent, sent+60_000)
}

// Intent returns a valid INTENT.
func Intent(intentID string, i int) types.Intent {
	return types.Intent{
		Header:      Header(types.MessageIntent, intentID, i),
		Intent:      "weather.forecast",
		Scope:       "NYC",
		Constraints: types.Constraints{LatencyMs: 50, FreshnessSec: 10},
		MaxPrice:    200,
	}
}

// Ask returns a valid ASK at price.
func Ask(intentID string, i int, price uint64) types.Ask {
	return types.Ask{
		Header: Header(types.MessageAsk, intentID, i),
		Quote:  types.Quote{Price: price, Unit: "request", LatencyMs: 20, ValidForMs: 30_000},
	}
}

// Counter returns a valid COUNTER.
func Counter(intentID string, i int, price uint64) types.Counter {
	return types.Counter{Header: Header(types.MessageCounter, intentID, i), CounterPrice: price}
}

// Accept returns a valid hash-reveal ACCEPT.
func Accept(intentID string, i int, price uint64) types.Accept {
	return types.Accept{
		Header:             Header(types.MessageAccept, intentID, i),
		AgreedPrice:        price,
		SettlementMode:     types.SettlementHashReveal,
		ChallengeWindowMs:  60_000,
		DeliveryDeadlineMs: CreatedAtMs + 120_000,
	}
}

// Reject returns a valid REJECT.
func Reject(intentID string, i int) types.Reject {
	return types.Reject{Header: Header(types.MessageReject, intentID, i), Reason: "price too high"}
}

// Negotiation returns an unsealed INTENT, ASK, ACCEPT transcript where the
// buyer accepts.
func Negotiation(tb testing.TB) transcript.Transcript {
	tb.Helper()
	return NegotiationBuilder(tb).Transcript()
}

// NegotiationBuilder is Negotiation left open for further rounds.
func NegotiationBuilder(tb testing.TB) *transcript.Builder {
	tb.Helper()
	buyer, provider := Buyer(), Provider()
	return Build(tb, IntentID, CreatedAtMs,
		Step{Party: buyer, Message: Intent(IntentID, 0)},
		Step{Party: provider, Message: Ask(IntentID, 1, 120)},
		Step{Party: buyer, Message: Accept(IntentID, 2, 120)},
	)
}
