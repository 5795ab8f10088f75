// Package dispute runs post-settlement challenges against signed receipts and
// produces arbiter-signed decisions.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"pact/core/envelope"
	"pact/core/events"
	"pact/core/types"
	"pact/native/settlement"
	"pact/observability/metrics"
)

var (
	errNilProvider     = errors.New("dispute engine: settlement provider not configured")
	errNilStore        = errors.New("dispute engine: store not configured")
	errNilEntropy      = errors.New("dispute engine: entropy source not configured")
	ErrNotFound        = errors.New("dispute engine: dispute not found")
	ErrNotOpen         = errors.New("dispute engine: dispute is not open")
	ErrInvalidReceipt  = errors.New("dispute engine: receipt envelope invalid")
	ErrInvalidOutcome  = errors.New("dispute engine: invalid outcome")
	ErrInvalidOpener   = errors.New("dispute engine: dispute must be opened by BUYER or PROVIDER")
	ErrArbiterRequired = errors.New("dispute engine: arbiter required")
	ErrDuplicateID     = errors.New("dispute engine: dispute id already exists")
	ErrRefundPending   = errors.New("dispute engine: a different refund is pending")
)

// store abstracts the subset of storage functionality required by the engine.
type store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVPutAll(values map[string]interface{}) error
}

var (
	disputeRecordPrefix  = []byte("dispute/record/")
	disputeReceiptPrefix = []byte("dispute/receipt/")
)

func disputeKey(id string) []byte {
	return append(append([]byte(nil), disputeRecordPrefix...), id...)
}

func receiptIndexKey(receiptID string) []byte {
	return append(append([]byte(nil), disputeReceiptPrefix...), receiptID...)
}

type disputeEvent struct {
	evt *types.Event
}

func (e disputeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e disputeEvent) Event() *types.Event { return e.evt }

// Engine opens and resolves disputes. Transitions are serialised by the
// engine mutex.
type Engine struct {
	mu       sync.Mutex
	policy   Policy
	provider settlement.Provider
	store    store
	entropy  io.Reader
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *metrics.PactMetrics
}

// NewEngine constructs an engine. entropy only feeds dispute ids; outcomes
// never depend on it.
func NewEngine(policy Policy, provider settlement.Provider, st store, entropy io.Reader) (*Engine, error) {
	if provider == nil {
		return nil, errNilProvider
	}
	if st == nil {
		return nil, errNilStore
	}
	if entropy == nil {
		return nil, errNilEntropy
	}
	return &Engine{
		policy:   policy,
		provider: provider,
		store:    st,
		entropy:  entropy,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  metrics.Pact(),
	}, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Policy returns the engine policy.
func (e *Engine) Policy() Policy { return e.policy }

// Open challenges a signed receipt. It is allowed only while
// nowMs - receipt.timestamp_ms <= window.
func (e *Engine) Open(receiptEnv *envelope.SignedEnvelope, openedBy types.Role, reason string, nowMs int64) (*Dispute, error) {
	if !e.policy.Enabled {
		return nil, e.reject("open", settlement.Policy(settlement.ReasonDisputesDisabled, "disputes are disabled"))
	}
	if !openedBy.Party() {
		return nil, e.reject("open", ErrInvalidOpener)
	}
	msg, outcome, err := envelope.Decode(receiptEnv)
	if err != nil || outcome != envelope.OutcomeOK {
		return nil, e.reject("open", fmt.Errorf("%w: %s", ErrInvalidReceipt, outcome))
	}
	receipt, ok := msg.(types.Receipt)
	if !ok {
		return nil, e.reject("open", fmt.Errorf("%w: expected RECEIPT, got %s", ErrInvalidReceipt, msg.Head().Type))
	}
	if receipt.TimestampMs > nowMs {
		return nil, e.reject("open", settlement.Policy(settlement.ReasonReceiptInFuture,
			"receipt %s issued at %d, now is %d", receipt.ReceiptID, receipt.TimestampMs, nowMs))
	}
	if elapsed := nowMs - receipt.TimestampMs; elapsed > e.policy.WindowMs {
		return nil, e.reject("open", settlement.Policy(settlement.ReasonDisputeWindowExpired,
			"receipt %s issued %dms ago, window is %dms", receipt.ReceiptID, elapsed, e.policy.WindowMs))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ids, prior, err := e.receiptDisputes(receipt.ReceiptID)
	if err != nil {
		return nil, err
	}
	for _, p := range prior {
		if p.Status == StatusOpen || p.Status == StatusRefundPending {
			return nil, e.reject("open", settlement.Policy(settlement.ReasonDisputeAlreadyOpen,
				"dispute %s against receipt %s is %s", p.ID, p.ReceiptID, p.Status))
		}
	}
	id, err := uuid.NewRandomFromReader(e.entropy)
	if err != nil {
		return nil, fmt.Errorf("dispute engine: draw id: %w", err)
	}
	d := &Dispute{
		ID:             "dispute-" + receipt.ReceiptID + "-" + id.String(),
		ReceiptID:      receipt.ReceiptID,
		IntentID:       receipt.IntentID,
		BuyerAgentID:   receipt.BuyerAgentID,
		SellerAgentID:  receipt.SellerAgentID,
		SettlementMode: receipt.SettlementMode,
		PaidAmount:     receipt.PaidAmount,
		Status:         StatusOpen,
		OpenedBy:       openedBy,
		Reason:         strings.TrimSpace(reason),
		OpenedAtMs:     nowMs,
	}
	if err := e.storeOpened(d, ids); err != nil {
		return nil, err
	}
	e.metrics.ObserveDispute("open", string(StatusOpen))
	e.emit(NewOpenedEvent(d))
	e.logger.Info("dispute opened",
		slog.String("dispute_id", d.ID),
		slog.String("receipt_id", d.ReceiptID),
		slog.String("opened_by", string(openedBy)))
	return d, nil
}

// Resolve applies outcome to an OPEN dispute. A refund is first recorded as
// REFUND_PENDING, then executed through the settlement provider with the
// dispute id as its reference, and only then marked RESOLVED. A failed refund
// returns the dispute to OPEN. A dispute left REFUND_PENDING by a failed write
// is completed by calling Resolve again with the same outcome; the provider
// does not move value twice for one reference.
func (e *Engine) Resolve(ctx context.Context, id string, outcome Outcome, refundAmount uint64, notes, arbiter string, nowMs int64) (*Dispute, error) {
	if !outcome.Valid() {
		return nil, e.reject("resolve", fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome))
	}
	if strings.TrimSpace(arbiter) == "" {
		return nil, e.reject("resolve", ErrArbiterRequired)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.load(id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusOpen:
		amount, err := e.refundAmount(d, outcome, refundAmount)
		if err != nil {
			return nil, e.reject("resolve", err)
		}
		d.Outcome = outcome
		d.RefundAmount = amount
		d.Notes = strings.TrimSpace(notes)
		d.Arbiter = strings.TrimSpace(arbiter)
		if amount > 0 {
			d.Status = StatusRefundPending
			if err := e.store.KVPut(disputeKey(d.ID), d); err != nil {
				return nil, fmt.Errorf("dispute engine: store: %w", err)
			}
		}
	case StatusRefundPending:
		if outcome != d.Outcome || (outcome == OutcomeRefundPartial && refundAmount != d.RefundAmount) {
			return nil, e.reject("resolve", fmt.Errorf("%w: %s of %d", ErrRefundPending, d.Outcome, d.RefundAmount))
		}
		e.logger.Info("completing pending dispute refund",
			slog.String("dispute_id", d.ID),
			slog.Uint64("amount", d.RefundAmount))
	default:
		return nil, e.reject("resolve", fmt.Errorf("%w: %s", ErrNotOpen, d.Status))
	}

	if d.RefundAmount > 0 {
		err := e.provider.Refund(ctx, settlement.RefundRequest{
			Reference: d.ID,
			From:      d.SellerAgentID,
			To:        d.BuyerAgentID,
			Amount:    d.RefundAmount,
		})
		if err != nil {
			e.metrics.ObserveDispute("resolve", "refund_failed")
			e.reopen(d)
			return nil, fmt.Errorf("dispute engine: refund: %w", err)
		}
	}
	d.Status = StatusResolved
	d.ClosedAtMs = nowMs
	if err := e.store.KVPut(disputeKey(d.ID), d); err != nil {
		return nil, fmt.Errorf("dispute engine: store: %w", err)
	}
	e.metrics.ObserveDispute("resolve", string(d.Outcome))
	e.emit(NewResolvedEvent(d))
	return d, nil
}

// reopen returns a dispute whose refund failed to OPEN. If that write fails
// too the record stays REFUND_PENDING and a later Resolve retries the refund.
func (e *Engine) reopen(d *Dispute) {
	d.Status = StatusOpen
	d.Outcome = ""
	d.RefundAmount = 0
	d.Notes = ""
	d.Arbiter = ""
	if err := e.store.KVPut(disputeKey(d.ID), d); err != nil {
		e.logger.Error("dispute refund failed and dispute could not be reopened",
			slog.String("dispute_id", d.ID),
			slog.Any("error", err))
		return
	}
	e.logger.Warn("dispute refund failed; dispute remains open", slog.String("dispute_id", d.ID))
}

// Reject closes an OPEN dispute without any refund.
func (e *Engine) Reject(id, notes, arbiter string, nowMs int64) (*Dispute, error) {
	if strings.TrimSpace(arbiter) == "" {
		return nil, e.reject("reject", ErrArbiterRequired)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, e.reject("reject", fmt.Errorf("%w: %s", ErrNotOpen, d.Status))
	}
	d.Status = StatusRejected
	d.Notes = strings.TrimSpace(notes)
	d.Arbiter = strings.TrimSpace(arbiter)
	d.ClosedAtMs = nowMs
	if err := e.store.KVPut(disputeKey(d.ID), d); err != nil {
		return nil, fmt.Errorf("dispute engine: store: %w", err)
	}
	e.metrics.ObserveDispute("reject", string(StatusRejected))
	e.emit(NewRejectedEvent(d))
	return d, nil
}

// Get returns the stored dispute.
func (e *Engine) Get(id string) (*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(id)
}

// ForReceipt lists the ids of disputes opened against receiptID in opening
// order.
func (e *Engine) ForReceipt(receiptID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	if _, err := e.store.KVGet(receiptIndexKey(receiptID), &ids); err != nil {
		return nil, fmt.Errorf("dispute engine: load index: %w", err)
	}
	return ids, nil
}

// refundAmount applies the refund policy to d. Refunds already paid out on
// other disputes against the same receipt count toward the cap, so the total
// refunded for a receipt never exceeds its paid amount.
func (e *Engine) refundAmount(d *Dispute, outcome Outcome, requested uint64) (uint64, error) {
	if outcome == OutcomeNoRefund {
		return 0, nil
	}
	_, prior, err := e.receiptDisputes(d.ReceiptID)
	if err != nil {
		return 0, err
	}
	refunded := new(uint256.Int)
	for _, p := range prior {
		if p.ID != d.ID && p.Status == StatusResolved {
			refunded.Add(refunded, uint256.NewInt(p.RefundAmount))
		}
	}
	paid := uint256.NewInt(d.PaidAmount)
	if outcome == OutcomeRefundFull {
		if !refunded.Lt(paid) {
			return 0, settlement.Policy(settlement.ReasonRefundExceedsCap,
				"receipt %s already refunded %s of %d", d.ReceiptID, refunded.Dec(), d.PaidAmount)
		}
		return new(uint256.Int).Sub(paid, refunded).Uint64(), nil
	}
	if !e.policy.AllowPartial {
		return 0, settlement.Policy(settlement.ReasonPartialRefundDisabled, "partial refunds are disabled")
	}
	if requested == 0 {
		return 0, settlement.Policy(settlement.ReasonInvalidAmount, "partial refund amount must be positive")
	}
	limit := new(uint256.Int).Mul(paid, uint256.NewInt(uint64(e.policy.MaxRefundPct)))
	limit.Div(limit, uint256.NewInt(100))
	total := new(uint256.Int).Add(refunded, uint256.NewInt(requested))
	if total.Gt(limit) {
		return 0, settlement.Policy(settlement.ReasonRefundExceedsCap,
			"refund %d with %s already refunded exceeds %d%% of %d", requested, refunded.Dec(), e.policy.MaxRefundPct, d.PaidAmount)
	}
	return requested, nil
}

func (e *Engine) load(id string) (*Dispute, error) {
	d := new(Dispute)
	ok, err := e.store.KVGet(disputeKey(id), d)
	if err != nil {
		return nil, fmt.Errorf("dispute engine: load: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// receiptDisputes loads the receipt index and every dispute it names.
func (e *Engine) receiptDisputes(receiptID string) ([]string, []*Dispute, error) {
	var ids []string
	if _, err := e.store.KVGet(receiptIndexKey(receiptID), &ids); err != nil {
		return nil, nil, fmt.Errorf("dispute engine: load index: %w", err)
	}
	disputes := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		d, err := e.load(id)
		if err != nil {
			return nil, nil, err
		}
		disputes = append(disputes, d)
	}
	return ids, disputes, nil
}

// storeOpened writes a new dispute and its receipt index entry in one batch.
// An id already in the store is never overwritten.
func (e *Engine) storeOpened(d *Dispute, ids []string) error {
	ok, err := e.store.KVGet(disputeKey(d.ID), new(Dispute))
	if err != nil {
		return fmt.Errorf("dispute engine: load: %w", err)
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}
	ids = append(ids, d.ID)
	err = e.store.KVPutAll(map[string]interface{}{
		string(disputeKey(d.ID)):             d,
		string(receiptIndexKey(d.ReceiptID)): ids,
	})
	if err != nil {
		return fmt.Errorf("dispute engine: store: %w", err)
	}
	return nil
}

func (e *Engine) emit(evt *types.Event) {
	if evt != nil {
		e.emitter.Emit(disputeEvent{evt: evt})
	}
}

func (e *Engine) reject(action string, err error) error {
	reason := "rejected"
	if r, ok := settlement.ReasonOf(err); ok {
		reason = string(r)
	}
	e.metrics.ObserveDispute(action, reason)
	return err
}
