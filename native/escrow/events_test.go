package escrow_test

import (
	"reflect"
	"testing"

	"pact/core/types"
	escrowpkg "pact/native/escrow"
)

func TestSettlementEventsHaveDeterministicPayload(t *testing.T) {
	snap := escrowpkg.Snapshot{
		IntentID:      "intent-1",
		State:         escrowpkg.StateFundsLocked,
		CommitHashHex: escrowpkg.CommitHash([]byte("payload"), []byte("nonce")),
		LockID:        "lock-7",
		Amount:        42_000,
	}
	expected := map[string]string{
		"intentId":   "intent-1",
		"state":      "FUNDS_LOCKED",
		"amount":     "42000",
		"commitHash": snap.CommitHashHex,
		"lockId":     "lock-7",
	}
	builders := map[string]func(escrowpkg.Snapshot) *types.Event{
		escrowpkg.EventTypeCommitted:   escrowpkg.NewCommittedEvent,
		escrowpkg.EventTypeFundsLocked: escrowpkg.NewFundsLockedEvent,
		escrowpkg.EventTypeRevealed:    escrowpkg.NewRevealedEvent,
		escrowpkg.EventTypeReleased:    escrowpkg.NewReleasedEvent,
		escrowpkg.EventTypeFailedProof: escrowpkg.NewFailedProofEvent,
	}
	for typ, build := range builders {
		evt := build(snap)
		if evt.Type != typ {
			t.Fatalf("expected type %s, got %s", typ, evt.Type)
		}
		if !reflect.DeepEqual(evt.Attributes, expected) {
			t.Fatalf("%s: unexpected attributes %v", typ, evt.Attributes)
		}
	}
}

func TestSettlementEventOmitsUnsetLockAndCommit(t *testing.T) {
	evt := escrowpkg.NewCommittedEvent(escrowpkg.Snapshot{IntentID: "intent-2", State: escrowpkg.StateIdle})
	if _, ok := evt.Attributes["lockId"]; ok {
		t.Fatalf("lockId must be omitted before funds are locked: %v", evt.Attributes)
	}
	if _, ok := evt.Attributes["commitHash"]; ok {
		t.Fatalf("commitHash must be omitted when empty: %v", evt.Attributes)
	}
	if evt.Attributes["amount"] != "0" {
		t.Fatalf("amount should always be present: %v", evt.Attributes)
	}
}
