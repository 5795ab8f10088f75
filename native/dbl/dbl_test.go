package dbl_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"pact/core/envelope"
	"pact/core/transcript"
	"pact/core/transcript/transcripttest"
	"pact/core/types"
	"pact/native/dbl"
)

var zeroHash = strings.Repeat("0", 64)

func failed(t *testing.T, b *transcript.Builder, code types.FailureCode) transcript.Transcript {
	t.Helper()
	if err := b.Fail(transcript.FailureEvent{Code: code, Stage: "settlement"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	return b.Transcript()
}

func expect(t *testing.T, j dbl.Judgment, status dbl.Status, det dbl.Determination, confidence float64) {
	t.Helper()
	if j.Status != status || j.DBLDetermination != det || j.Confidence != confidence {
		t.Fatalf("got status=%s determination=%s confidence=%v, want %s %s %v (notes %v)",
			j.Status, j.DBLDetermination, j.Confidence, status, det, confidence, j.Notes)
	}
	wantImpact := 0.0
	if det == dbl.BuyerAtFault || det == dbl.ProviderAtFault {
		wantImpact = dbl.FaultPenalty
	}
	if j.PassportImpact != wantImpact {
		t.Fatalf("passport impact %v, want %v", j.PassportImpact, wantImpact)
	}
}

func TestTerminalSuccess(t *testing.T) {
	tr := transcripttest.Negotiation(t)
	j := dbl.Judge(tr)
	expect(t, j, dbl.StatusOK, dbl.NoFault, 1.0)
	if len(j.EvidenceRefs) != 3 || j.EvidenceRefs[2] != tr.Rounds[2].RoundHash {
		t.Fatalf("evidence refs must be the verified round hashes: %v", j.EvidenceRefs)
	}
	if j.LastValidRound != 2 || j.LastValidHash != tr.Rounds[2].RoundHash {
		t.Fatalf("unexpected last valid %d %s", j.LastValidRound, j.LastValidHash)
	}
}

func TestSettlementTimeoutAfterBuyerAccept(t *testing.T) {
	tr := failed(t, transcripttest.NegotiationBuilder(t), types.FailureSettlementTimeout)
	j := dbl.Judge(tr)
	expect(t, j, dbl.StatusFailed, dbl.ProviderAtFault, 0.85)
	if j.RequiredNextActor != types.RoleProvider {
		t.Fatalf("required next actor %s", j.RequiredNextActor)
	}
	if j.FailureCode != types.FailureSettlementTimeout {
		t.Fatalf("failure code %s", j.FailureCode)
	}
	var retry bool
	for _, a := range j.RecommendedActions {
		retry = retry || a.Action == dbl.ActionRetrySettlement
	}
	if !retry {
		t.Fatalf("expected RETRY_SETTLEMENT in %v", j.RecommendedActions)
	}
}

func TestSettlementTimeoutAfterProviderCounter(t *testing.T) {
	buyer, provider := transcripttest.Buyer(), transcripttest.Provider()
	id := transcripttest.IntentID
	b := transcripttest.Build(t, id, transcripttest.CreatedAtMs,
		transcripttest.Step{Party: buyer, Message: transcripttest.Intent(id, 0)},
		transcripttest.Step{Party: provider, Message: transcripttest.Ask(id, 1, 150)},
		transcripttest.Step{Party: buyer, Message: transcripttest.Counter(id, 2, 110)},
		transcripttest.Step{Party: provider, Message: transcripttest.Counter(id, 3, 130)},
	)
	j := dbl.Judge(failed(t, b, types.FailureSettlementTimeout))
	expect(t, j, dbl.StatusFailed, dbl.BuyerAtFault, 0.85)
}

func TestSettlementTimeoutOwedByAcceptCounterparty(t *testing.T) {
	id := transcripttest.IntentID
	provider := transcripttest.Provider()
	cases := []struct {
		name  string
		after transcripttest.Step
	}{
		{"provider commit", transcripttest.Step{Party: provider, Message: types.Commit{
			Header:        transcripttest.Header(types.MessageCommit, id, 3),
			CommitHashHex: strings.Repeat("ab", 32),
		}}},
		{"provider abort", transcripttest.Step{Party: provider, Message: types.Abort{
			Header: transcripttest.Header(types.MessageAbort, id, 3),
			Reason: "upstream unavailable",
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := transcripttest.NegotiationBuilder(t)
			sentAt := tc.after.Message.Head().SentAtMs
			env, err := envelope.Sign(tc.after.Message, provider.Key, sentAt)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := b.Append(env, provider.AgentID, provider.Role, provider.Key, sentAt); err != nil {
				t.Fatalf("append: %v", err)
			}
			j := dbl.Judge(failed(t, b, types.FailureSettlementTimeout))
			if j.RoundsVerified != 4 {
				t.Fatalf("rounds verified %d", j.RoundsVerified)
			}
			expect(t, j, dbl.StatusFailed, dbl.ProviderAtFault, 0.85)
			if j.RequiredNextActor != types.RoleProvider {
				t.Fatalf("required next actor %s", j.RequiredNextActor)
			}
		})
	}
}

func TestPolicyFacts(t *testing.T) {
	cases := []struct {
		name       string
		code       types.FailureCode
		breakChain bool
		want       dbl.Determination
		confidence float64
	}{
		{"double commit", types.FailureDoubleCommit, false, dbl.BuyerAtFault, 0.95},
		{"double commit without LVSH", types.FailureDoubleCommit, true, dbl.BuyerAtFault, 0.7},
		{"contention", types.FailureContentionExclusivity, false, dbl.ProviderAtFault, 0.95},
		{"contention without LVSH", types.FailureContentionExclusivity, true, dbl.ProviderAtFault, 0.7},
		{"policy abort", types.FailurePolicyAbort, false, dbl.BuyerAtFault, 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := transcripttest.Negotiation(t)
			if tc.breakChain {
				tr.Rounds[0].PreviousRoundHash = zeroHash
			}
			tr.FailureEvent = &transcript.FailureEvent{Code: tc.code}
			j := dbl.Judge(tr)
			if tc.breakChain && j.RoundsVerified != 0 {
				t.Fatalf("rounds verified %d", j.RoundsVerified)
			}
			expect(t, j, dbl.StatusFailed, tc.want, tc.confidence)
		})
	}
}

func TestEmptyPrefixIsIndeterminate(t *testing.T) {
	tr := transcripttest.Negotiation(t)
	tr.Rounds[0].PreviousRoundHash = zeroHash
	tr.FailureEvent = &transcript.FailureEvent{Code: types.FailurePolicyAbort}
	j := dbl.Judge(tr)
	expect(t, j, dbl.StatusIndeterminate, dbl.Indeterminate, 0.3)
	if len(j.RecommendedActions) == 0 || j.RecommendedActions[0].Action != dbl.ActionRequestReplay {
		t.Fatalf("expected REQUEST_REPLAY, got %v", j.RecommendedActions)
	}
	if j.LastValidRound != -1 || len(j.EvidenceRefs) != 0 {
		t.Fatalf("empty prefix must carry no evidence")
	}
}

func TestBrokenChainUsesVerifiedPrefix(t *testing.T) {
	tr := transcripttest.Negotiation(t)
	tr.Rounds[1].PreviousRoundHash = zeroHash
	tr.FailureEvent = &transcript.FailureEvent{Code: types.FailureSettlementTimeout}
	j := dbl.Judge(tr)
	// Only INTENT verified, so the provider owed the quote.
	expect(t, j, dbl.StatusFailed, dbl.ProviderAtFault, 0.85)
	if j.RoundsVerified != 1 || len(j.EvidenceRefs) != 1 {
		t.Fatalf("unexpected prefix %d", j.RoundsVerified)
	}
}

func TestFinalHashMismatchReducesConfidence(t *testing.T) {
	sealed, err := transcripttest.NegotiationBuilder(t).Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed.FinalHash = zeroHash
	j := dbl.Judge(sealed)
	expect(t, j, dbl.StatusOK, dbl.NoFault, 0.9)
	if j.RoundsVerified != 3 {
		t.Fatalf("final hash must not shrink the prefix")
	}
}

func TestRolesFromAgentIDAreLowerConfidence(t *testing.T) {
	id := transcripttest.IntentID
	buyer := transcripttest.Party{AgentID: "buyer-7", Key: transcripttest.Key(0xc1)}
	provider := transcripttest.Party{AgentID: "seller-9", Key: transcripttest.Key(0xc2)}
	b := transcripttest.Build(t, id, transcripttest.CreatedAtMs,
		transcripttest.Step{Party: buyer, Message: transcripttest.Intent(id, 0)},
		transcripttest.Step{Party: provider, Message: transcripttest.Ask(id, 1, 120)},
		transcripttest.Step{Party: buyer, Message: transcripttest.Accept(id, 2, 120)},
	)
	j := dbl.Judge(failed(t, b, types.FailureSettlementTimeout))
	expect(t, j, dbl.StatusFailed, dbl.ProviderAtFault, 0.6)
	var inferred bool
	for _, n := range j.Notes {
		inferred = inferred || strings.Contains(n, "inferred from agent id")
	}
	if !inferred {
		t.Fatalf("expected inference note, got %v", j.Notes)
	}
}

func TestUnknownRolesAreIndeterminate(t *testing.T) {
	id := transcripttest.IntentID
	alpha := transcripttest.Party{AgentID: "alpha", Key: transcripttest.Key(0xd1)}
	beta := transcripttest.Party{AgentID: "beta", Key: transcripttest.Key(0xd2)}
	b := transcripttest.Build(t, id, transcripttest.CreatedAtMs,
		transcripttest.Step{Party: alpha, Message: transcripttest.Intent(id, 0)},
		transcripttest.Step{Party: beta, Message: transcripttest.Ask(id, 1, 120)},
		transcripttest.Step{Party: alpha, Message: transcripttest.Accept(id, 2, 120)},
	)
	j := dbl.Judge(failed(t, b, types.FailureSettlementTimeout))
	expect(t, j, dbl.StatusIndeterminate, dbl.Indeterminate, 0.5)
}

func TestFailureAfterRejectHasNoOwedActor(t *testing.T) {
	buyer, provider := transcripttest.Buyer(), transcripttest.Provider()
	id := transcripttest.IntentID
	b := transcripttest.Build(t, id, transcripttest.CreatedAtMs,
		transcripttest.Step{Party: buyer, Message: transcripttest.Intent(id, 0)},
		transcripttest.Step{Party: provider, Message: transcripttest.Ask(id, 1, 500)},
		transcripttest.Step{Party: buyer, Message: transcripttest.Reject(id, 2)},
	)
	j := dbl.Judge(failed(t, b, types.FailureQuoteOutOfBand))
	expect(t, j, dbl.StatusIndeterminate, dbl.Indeterminate, 0.7)
	if j.RequiredNextActor != types.RoleNone {
		t.Fatalf("required next actor %s", j.RequiredNextActor)
	}
}

func TestInfrastructureFailureFallsBackToContinuity(t *testing.T) {
	tr := failed(t, transcripttest.NegotiationBuilder(t), types.FailureInfrastructure)
	j := dbl.Judge(tr)
	expect(t, j, dbl.StatusFailed, dbl.ProviderAtFault, 0.85)
	if len(j.Notes) == 0 || !strings.Contains(j.Notes[0], "could not be constitutionally evaluated") {
		t.Fatalf("expected infra note, got %v", j.Notes)
	}
}

func TestClaimedEvidenceStaysSeparate(t *testing.T) {
	b := transcripttest.NegotiationBuilder(t)
	if err := b.Fail(transcript.FailureEvent{
		Code:         types.FailureSettlementTimeout,
		EvidenceRefs: []string{"claimed-ref-1", zeroHash},
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	tr := b.Transcript()
	j := dbl.Judge(tr)
	if len(j.ClaimedEvidenceRefs) != 2 || j.ClaimedEvidenceRefs[0] != "claimed-ref-1" {
		t.Fatalf("claimed refs %v", j.ClaimedEvidenceRefs)
	}
	for i, ref := range j.EvidenceRefs {
		if ref != tr.Rounds[i].RoundHash {
			t.Fatalf("evidence ref %d is not a verified round hash", i)
		}
	}
}

func TestJudgeIsDeterministic(t *testing.T) {
	tr := failed(t, transcripttest.NegotiationBuilder(t), types.FailureSettlementTimeout)
	first, err := dbl.Judge(tr).Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, err := dbl.Judge(tr).Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("judgments differ:\n%s\n%s", first, second)
	}
	a, _ := json.Marshal(dbl.Judge(tr))
	b, _ := json.Marshal(dbl.Judge(tr))
	if !bytes.Equal(a, b) {
		t.Fatalf("json output differs")
	}
}
