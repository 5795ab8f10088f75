// Package streaming implements pay-per-tick settlement bounded by a budget
// fixed at ACCEPT. A tick that would overdraw the budget is rejected, never
// clamped.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"pact/core/canonical"
	"pact/core/envelope"
	"pact/core/events"
	"pact/core/types"
	"pact/crypto"
	"pact/native/settlement"
	"pact/observability/metrics"
	"pact/storage/archive"
)

var (
	ErrNotConfigured     = errors.New("streaming engine: settlement provider not configured")
	errNilBuyerKey       = errors.New("streaming engine: buyer key not configured")
	ErrInvalidTransition = errors.New("streaming engine: invalid state transition")
	ErrInvalidStopper    = errors.New("streaming engine: stop requires BUYER or PROVIDER")
	ErrNoReceipt         = errors.New("streaming engine: no receipt before stop")
	ErrBuyerKeyMismatch  = errors.New("streaming engine: buyer key does not match terms")
)

const mode = string(types.SettlementStreaming)

type streamEvent struct {
	evt *types.Event
}

func (e streamEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e streamEvent) Event() *types.Event { return e.evt }

// Engine runs one streaming settlement.
type Engine struct {
	mu       sync.Mutex
	terms    settlement.Terms
	buyerKey *crypto.KeyPair
	provider settlement.Provider
	emitter  events.Emitter
	archive  settlement.Archiver
	logger   *slog.Logger
	metrics  *metrics.PactMetrics

	state     State
	budget    *uint256.Int
	paid      *uint256.Int
	ticks     uint64
	chunks    uint64
	stoppedBy types.Role
	receipt   *envelope.SignedEnvelope
}

// NewEngine creates an engine in ACCEPTED with terms.AgreedPrice as the
// budget. A nil provider yields ErrNotConfigured.
func NewEngine(terms settlement.Terms, buyerKey *crypto.KeyPair, provider settlement.Provider) (*Engine, error) {
	if provider == nil {
		return nil, ErrNotConfigured
	}
	if err := terms.Validate(types.SettlementStreaming); err != nil {
		return nil, err
	}
	if buyerKey == nil {
		return nil, errNilBuyerKey
	}
	if buyerKey.PublicKeyB58() != terms.Buyer.PublicKeyB58 {
		return nil, ErrBuyerKeyMismatch
	}
	return &Engine{
		terms:    terms,
		buyerKey: buyerKey,
		provider: provider,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  metrics.Pact(),
		state:    StateAccepted,
		budget:   uint256.NewInt(terms.AgreedPrice),
		paid:     new(uint256.Int),
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

// SetArchive configures where terminal state is archived. Nil disables
// archiving.
func (e *Engine) SetArchive(a settlement.Archiver) { e.archive = a }

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the settlement state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

func (e *Engine) snapshot() Snapshot {
	remaining := new(uint256.Int).Sub(e.budget, e.paid)
	return Snapshot{
		IntentID:        e.terms.IntentID,
		State:           e.state,
		Budget:          e.budget.Uint64(),
		BudgetRemaining: remaining.Uint64(),
		PaidAmount:      e.paid.Uint64(),
		TicksPaid:       e.ticks,
		ChunksReceived:  e.chunks,
		StoppedBy:       e.stoppedBy,
	}
}

// Start moves the engine from ACCEPTED to STREAMING.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAccepted {
		return e.reject("start", fmt.Errorf("%w: start in %s", ErrInvalidTransition, e.state))
	}
	e.transition(StateStreaming, NewStartedEvent)
	return nil
}

// Chunk accepts a provider-signed STREAM_CHUNK. Its seq must equal the number
// of chunks received so far.
func (e *Engine) Chunk(env *envelope.SignedEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStreaming {
		return e.reject("chunk", fmt.Errorf("%w: chunk in %s", ErrInvalidTransition, e.state))
	}
	msg, err := settlement.DecodeFrom(env, e.terms.Provider, e.terms.IntentID, types.MessageStreamChunk)
	if err != nil {
		return e.reject("chunk_envelope", err)
	}
	chunk := msg.(types.StreamChunk)
	if chunk.Seq != e.chunks {
		return e.reject(string(settlement.ReasonSequenceGap),
			settlement.Policy(settlement.ReasonSequenceGap, "chunk seq %d, expected %d", chunk.Seq, e.chunks))
	}
	e.chunks++
	e.emit(NewChunkEvent)
	return nil
}

// Tick pays amount to the provider. It is rejected when paid+amount would
// exceed the budget; reaching the budget exactly ends the stream in
// BUDGET_EXHAUSTED. A provider failure leaves the state unchanged.
func (e *Engine) Tick(ctx context.Context, amount uint64, nowMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStreaming {
		return e.reject("tick", fmt.Errorf("%w: tick in %s", ErrInvalidTransition, e.state))
	}
	if amount == 0 {
		return e.reject(string(settlement.ReasonInvalidAmount),
			settlement.Policy(settlement.ReasonInvalidAmount, "tick amount must be positive"))
	}
	next, overflow := new(uint256.Int).AddOverflow(e.paid, uint256.NewInt(amount))
	if overflow {
		return e.reject(string(settlement.ReasonAmountOverflow),
			settlement.Policy(settlement.ReasonAmountOverflow, "tick of %d overflows paid amount", amount))
	}
	if next.Gt(e.budget) {
		return e.reject(string(settlement.ReasonBudgetExceeded),
			settlement.Policy(settlement.ReasonBudgetExceeded, "tick of %d would pay %s of budget %s", amount, next.Dec(), e.budget.Dec()))
	}
	err := e.provider.Pay(ctx, settlement.PayRequest{
		IntentID: e.terms.IntentID,
		Payer:    e.terms.Buyer.AgentID,
		Payee:    e.terms.Provider.AgentID,
		Amount:   amount,
		Memo:     fmt.Sprintf("tick %d", e.ticks),
	})
	if err != nil {
		e.metrics.ObserveRejection(mode, "provider_pay")
		return fmt.Errorf("streaming engine: pay tick: %w", err)
	}
	e.paid = next
	e.ticks++
	e.emit(NewTickEvent)
	if e.paid.Eq(e.budget) {
		e.logger.Info("streaming budget exhausted",
			slog.String("intent_id", e.terms.IntentID),
			slog.Uint64("ticks", e.ticks))
		return e.finish(ctx, StateBudgetExhausted, types.RoleNone, nowMs)
	}
	return nil
}

// Stop ends the stream on behalf of by. The receipt reflects what was actually
// paid and delivered at this moment.
func (e *Engine) Stop(ctx context.Context, by types.Role, nowMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return e.reject("stop", fmt.Errorf("%w: stop in %s", ErrInvalidTransition, e.state))
	}
	switch by {
	case types.RoleBuyer:
		return e.finish(ctx, StateStoppedByBuyer, by, nowMs)
	case types.RoleProvider:
		return e.finish(ctx, StateStoppedByProvider, by, nowMs)
	default:
		return e.reject("stop", ErrInvalidStopper)
	}
}

// Receipt returns the buyer-signed receipt once the stream has stopped.
func (e *Engine) Receipt() (*envelope.SignedEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.receipt == nil {
		return nil, ErrNoReceipt
	}
	return e.receipt.Clone(), nil
}

// finish must be called with e.mu held.
func (e *Engine) finish(ctx context.Context, to State, by types.Role, nowMs int64) error {
	e.stoppedBy = by
	receipt := types.Receipt{
		Header:         types.NewHeader(types.MessageReceipt, e.terms.IntentID, nowMs, e.terms.ReceiptExpiry(nowMs)),
		ReceiptID:      "receipt-" + canonical.SHA256HexString(e.terms.IntentID + ":" + mode)[:32],
		BuyerAgentID:   e.terms.Buyer.AgentID,
		SellerAgentID:  e.terms.Provider.AgentID,
		SettlementMode: types.SettlementStreaming,
		AgreedPrice:    e.budget.Uint64(),
		PaidAmount:     e.paid.Uint64(),
		Ticks:          e.ticks,
		Chunks:         e.chunks,
		Fulfilled:      to == StateBudgetExhausted,
		TimestampMs:    nowMs,
	}
	if to == StateStoppedByBuyer {
		receipt.FailureCode = types.FailureBuyerStopped
	}
	env, err := envelope.Sign(receipt, e.buyerKey, nowMs)
	if err != nil {
		e.stoppedBy = ""
		return fmt.Errorf("streaming engine: sign receipt: %w", err)
	}
	e.receipt = env
	e.transition(to, stopEvent)
	e.archiveFinal(ctx, receipt, nowMs)
	return nil
}

func (e *Engine) archiveFinal(ctx context.Context, receipt types.Receipt, nowMs int64) {
	if e.archive == nil {
		return
	}
	raw, err := json.Marshal(e.receipt)
	if err != nil {
		return
	}
	rec := archive.Record{
		IntentID:        e.terms.IntentID,
		Mode:            mode,
		FinalState:      string(e.state),
		ReceiptID:       receipt.ReceiptID,
		BuyerAgentID:    receipt.BuyerAgentID,
		SellerAgentID:   receipt.SellerAgentID,
		AgreedPrice:     receipt.AgreedPrice,
		PaidAmount:      receipt.PaidAmount,
		Ticks:           receipt.Ticks,
		Chunks:          receipt.Chunks,
		Fulfilled:       receipt.Fulfilled,
		FailureCode:     string(receipt.FailureCode),
		ReceiptEnvelope: raw,
		ArchivedAtMs:    nowMs,
	}
	if err := e.archive.Put(ctx, rec); err != nil {
		e.logger.Warn("archive settlement failed",
			slog.String("intent_id", e.terms.IntentID),
			slog.Any("error", err))
	}
}

// transition must be called with e.mu held.
func (e *Engine) transition(to State, build func(Snapshot) *types.Event) {
	e.state = to
	e.metrics.ObserveTransition(mode, string(to))
	e.emit(build)
}

func (e *Engine) emit(build func(Snapshot) *types.Event) {
	if evt := build(e.snapshot()); evt != nil {
		e.emitter.Emit(streamEvent{evt: evt})
	}
}

func (e *Engine) reject(op string, err error) error {
	e.metrics.ObserveRejection(mode, op)
	return err
}
