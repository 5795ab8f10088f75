package settlement

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestMemoryProviderLockRelease(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	p.Credit("buyer", 100)

	id, err := p.Lock(ctx, LockRequest{IntentID: "i1", Payer: "buyer", Payee: "seller", Amount: 60})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := p.Balance("buyer").Uint64(); got != 40 {
		t.Fatalf("buyer balance %d", got)
	}
	if amt, released, ok := p.Locked(id); !ok || released || amt != 60 {
		t.Fatalf("unexpected lock state %d %v %v", amt, released, ok)
	}
	if err := p.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := p.Balance("seller").Uint64(); got != 60 {
		t.Fatalf("seller balance %d", got)
	}
	if err := p.Release(ctx, id); !errors.Is(err, ErrLockReleased) {
		t.Fatalf("expected double release rejection, got %v", err)
	}
	if err := p.Release(ctx, "missing"); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryProviderRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	p.Credit("buyer", 10)
	if _, err := p.Lock(ctx, LockRequest{Payer: "buyer", Payee: "seller", Amount: 11}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := p.Pay(ctx, PayRequest{Payer: "buyer", Payee: "seller", Amount: 11}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := p.Balance("buyer").Uint64(); got != 10 {
		t.Fatalf("failed operations must not move value, balance %d", got)
	}
	if err := p.Pay(ctx, PayRequest{Payer: "buyer", Payee: "seller"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestMemoryProviderRefund(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	p.Credit("seller", 50)
	if err := p.Refund(ctx, RefundRequest{Reference: "r1", From: "seller", To: "buyer", Amount: 20}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if p.Balance("seller").Uint64() != 30 || p.Balance("buyer").Uint64() != 20 {
		t.Fatalf("unexpected balances after refund")
	}
}

func TestRefundIsIdempotentOnReference(t *testing.T) {
	ctx := context.Background()
	req := RefundRequest{Reference: "dispute-1", From: "seller", To: "buyer", Amount: 20}

	mem := NewMemoryProvider()
	mem.Credit("seller", 50)
	bnd := NewBoundaryProvider(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	for _, p := range []Provider{mem, bnd} {
		for i := 0; i < 2; i++ {
			if err := p.Refund(ctx, req); err != nil {
				t.Fatalf("%s refund %d: %v", p.Name(), i, err)
			}
		}
		changed := req
		changed.Amount = 21
		if err := p.Refund(ctx, changed); !errors.Is(err, ErrRefundConflict) {
			t.Fatalf("%s: expected ErrRefundConflict, got %v", p.Name(), err)
		}
	}
	if mem.Balance("seller").Uint64() != 30 || mem.Balance("buyer").Uint64() != 20 {
		t.Fatalf("repeated refund moved value twice: seller=%s buyer=%s", mem.Balance("seller").Dec(), mem.Balance("buyer").Dec())
	}
	if n := len(bnd.Records()); n != 1 {
		t.Fatalf("boundary recorded %d refunds, want 1", n)
	}
}

func TestBoundaryProviderRecordsWithoutMovingValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewBoundaryProvider(logger)
	ctx := context.Background()

	id, err := p.Lock(ctx, LockRequest{IntentID: "i1", Payer: "buyer", Payee: "seller", Amount: 5})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := p.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(ctx, id); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected released lock to be gone, got %v", err)
	}
	records := p.Records()
	if len(records) != 2 || records[0].Op != OpLock || records[1].Op != OpRelease {
		t.Fatalf("unexpected records %+v", records)
	}
	if !strings.Contains(buf.String(), `"op":"lock"`) {
		t.Fatalf("expected boundary log line, got %s", buf.String())
	}
}

func TestPolicyError(t *testing.T) {
	err := Policy(ReasonBudgetExceeded, "paid %d of %d", 9, 10)
	reason, ok := ReasonOf(err)
	if !ok || reason != ReasonBudgetExceeded {
		t.Fatalf("unexpected reason %q", reason)
	}
	if err.Error() != "budget_exceeded: paid 9 of 10" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, ok := ReasonOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no reason")
	}
}
