package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// BoundaryOp names an operation recorded by BoundaryProvider.
type BoundaryOp string

const (
	OpLock    BoundaryOp = "lock"
	OpRelease BoundaryOp = "release"
	OpPay     BoundaryOp = "pay"
	OpRefund  BoundaryOp = "refund"
)

// BoundaryRecord is one recorded settlement intent.
type BoundaryRecord struct {
	Op       BoundaryOp
	IntentID string
	From     string
	To       string
	Amount   uint64
	Ref      string
}

// BoundaryProvider records settlement intents without moving value. It is
// used when no payment rail is configured; an external system is expected to
// act on the records.
type BoundaryProvider struct {
	mu      sync.Mutex
	logger  *slog.Logger
	records []BoundaryRecord
	locks   map[string]LockRequest
	refunds map[string]RefundRequest
	seq     uint64
}

// NewBoundaryProvider returns a provider that logs each intent to logger.
func NewBoundaryProvider(logger *slog.Logger) *BoundaryProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &BoundaryProvider{
		logger:  logger,
		locks:   make(map[string]LockRequest),
		refunds: make(map[string]RefundRequest),
	}
}

func (p *BoundaryProvider) Name() string { return "boundary" }

// Records returns the recorded intents in order.
func (p *BoundaryProvider) Records() []BoundaryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]BoundaryRecord(nil), p.records...)
}

func (p *BoundaryProvider) Lock(ctx context.Context, req LockRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("boundary-lock-%s-%d", req.IntentID, p.seq)
	p.locks[id] = req
	p.record(ctx, BoundaryRecord{Op: OpLock, IntentID: req.IntentID, From: req.Payer, To: req.Payee, Amount: req.Amount, Ref: id})
	return id, nil
}

func (p *BoundaryProvider) Release(ctx context.Context, lockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	delete(p.locks, lockID)
	p.record(ctx, BoundaryRecord{Op: OpRelease, IntentID: req.IntentID, From: req.Payer, To: req.Payee, Amount: req.Amount, Ref: lockID})
	return nil
}

func (p *BoundaryProvider) Pay(ctx context.Context, req PayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx, BoundaryRecord{Op: OpPay, IntentID: req.IntentID, From: req.Payer, To: req.Payee, Amount: req.Amount, Ref: req.Memo})
	return nil
}

func (p *BoundaryProvider) Refund(ctx context.Context, req RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.refunds[req.Reference]; ok && req.Reference != "" {
		return req.sameRefund(prev)
	}
	if req.Reference != "" {
		p.refunds[req.Reference] = req
	}
	p.record(ctx, BoundaryRecord{Op: OpRefund, From: req.From, To: req.To, Amount: req.Amount, Ref: req.Reference})
	return nil
}

// record must be called with p.mu held.
func (p *BoundaryProvider) record(ctx context.Context, rec BoundaryRecord) {
	p.records = append(p.records, rec)
	p.logger.InfoContext(ctx, "settlement boundary intent",
		slog.String("op", string(rec.Op)),
		slog.String("intent_id", rec.IntentID),
		slog.String("from", rec.From),
		slog.String("to", rec.To),
		slog.Uint64("amount", rec.Amount),
		slog.String("ref", rec.Ref),
	)
}
