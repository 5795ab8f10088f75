package archive

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	rec := Record{
		IntentID:        "intent-1",
		Mode:            "streaming",
		FinalState:      "BUDGET_EXHAUSTED",
		ReceiptID:       "receipt-1",
		BuyerAgentID:    "buyer",
		SellerAgentID:   "seller",
		AgreedPrice:     math.MaxUint64,
		PaidAmount:      math.MaxUint64,
		Ticks:           3,
		Chunks:          4,
		Fulfilled:       true,
		ReceiptEnvelope: []byte(`{"envelope_version":"pact-envelope/1.0"}`),
		ArchivedAtMs:    1_000,
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "intent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PaidAmount != math.MaxUint64 || got.Chunks != 4 || !got.Fulfilled || string(got.ReceiptEnvelope) != string(rec.ReceiptEnvelope) {
		t.Fatalf("unexpected record %+v", got)
	}
	byReceipt, err := store.GetByReceipt(ctx, "receipt-1")
	if err != nil || byReceipt.IntentID != "intent-1" {
		t.Fatalf("get by receipt: %+v %v", byReceipt, err)
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, Record{IntentID: id, Mode: "hash_reveal", FinalState: "RELEASED", BuyerAgentID: "b", SellerAgentID: "s", ArchivedAtMs: int64(i)}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	recs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].IntentID != "c" || recs[1].IntentID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
}
