// Package escrow implements hash-reveal settlement: the provider commits to
// SHA256(payload || nonce), the buyer locks funds, the provider reveals and
// the buyer verifies before funds are released.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

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
	errNilProvider       = errors.New("escrow engine: settlement provider not configured")
	errNilBuyerKey       = errors.New("escrow engine: buyer key not configured")
	ErrInvalidTransition = errors.New("escrow engine: invalid state transition")
	ErrNoCommit          = errors.New("escrow engine: lock requires a prior valid commit")
	ErrRevealBeforeLock  = errors.New("escrow engine: reveal before funds are locked")
	ErrNoReceipt         = errors.New("escrow engine: no receipt in current state")
	ErrBuyerKeyMismatch  = errors.New("escrow engine: buyer key does not match terms")
)

const mode = string(types.SettlementHashReveal)

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine runs one hash-reveal settlement. Transitions are serialised by the
// engine mutex; every signed input is verified against the party that must
// have produced it.
type Engine struct {
	mu       sync.Mutex
	terms    settlement.Terms
	buyerKey *crypto.KeyPair
	provider settlement.Provider
	emitter  events.Emitter
	archive  settlement.Archiver
	logger   *slog.Logger
	metrics  *metrics.PactMetrics

	state      State
	commitHash string
	lockID     string
	verified   bool
	receipt    *envelope.SignedEnvelope
}

// NewEngine creates an engine in IDLE. buyerKey signs the receipt and must
// match terms.Buyer.
func NewEngine(terms settlement.Terms, buyerKey *crypto.KeyPair, provider settlement.Provider) (*Engine, error) {
	if err := terms.Validate(types.SettlementHashReveal); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errNilProvider
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
		state:    StateIdle,
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
	return Snapshot{
		IntentID:      e.terms.IntentID,
		State:         e.state,
		Committed:     e.commitHash != "",
		Revealed:      e.state == StateRevealed || e.state.Terminal(),
		Verified:      e.verified,
		FundsLocked:   e.lockID != "" && e.state != StateReleased,
		FundsReleased: e.state == StateReleased,
		CommitHashHex: e.commitHash,
		LockID:        e.lockID,
		Amount:        e.terms.AgreedPrice,
	}
}

// Commit records the provider's signed COMMIT.
func (e *Engine) Commit(env *envelope.SignedEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return e.reject("commit", fmt.Errorf("%w: commit in %s", ErrInvalidTransition, e.state))
	}
	msg, err := settlement.DecodeFrom(env, e.terms.Provider, e.terms.IntentID, types.MessageCommit)
	if err != nil {
		return e.reject("commit_envelope", err)
	}
	e.commitHash = msg.(types.Commit).CommitHashHex
	e.transition(StateCommitted, NewCommittedEvent)
	return nil
}

// Lock locks the agreed price with the settlement provider. It requires a
// prior valid commit. On provider failure the state is unchanged.
func (e *Engine) Lock(ctx context.Context, nowMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateCommitted:
	case StateIdle:
		return e.reject("lock", ErrNoCommit)
	default:
		return e.reject("lock", fmt.Errorf("%w: lock in %s", ErrInvalidTransition, e.state))
	}
	lockID, err := e.provider.Lock(ctx, settlement.LockRequest{
		IntentID: e.terms.IntentID,
		Payer:    e.terms.Buyer.AgentID,
		Payee:    e.terms.Provider.AgentID,
		Amount:   e.terms.AgreedPrice,
	})
	if err != nil {
		e.metrics.ObserveRejection(mode, "provider_lock")
		return fmt.Errorf("escrow engine: lock funds: %w", err)
	}
	e.lockID = lockID
	e.logger.Info("hash-reveal funds locked",
		slog.String("intent_id", e.terms.IntentID),
		slog.String("lock_id", lockID),
		slog.Int64("now_ms", nowMs))
	e.transition(StateFundsLocked, NewFundsLockedEvent)
	return nil
}

// Reveal checks the provider's signed REVEAL against the commit. A mismatch
// moves the engine to FAILED_PROOF with funds still locked; that is a result,
// not an error. On a match funds are released and a receipt is issued.
func (e *Engine) Reveal(ctx context.Context, env *envelope.SignedEnvelope, nowMs int64) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateFundsLocked:
	case StateIdle, StateCommitted:
		return e.state, e.reject("reveal", ErrRevealBeforeLock)
	default:
		return e.state, e.reject("reveal", fmt.Errorf("%w: reveal in %s", ErrInvalidTransition, e.state))
	}
	msg, err := settlement.DecodeFrom(env, e.terms.Provider, e.terms.IntentID, types.MessageReveal)
	if err != nil {
		return e.state, e.reject("reveal_envelope", err)
	}
	payload, nonce, err := msg.(types.Reveal).Decoded()
	if err != nil {
		return e.state, e.reject("reveal_encoding", fmt.Errorf("escrow engine: decode reveal: %w", err))
	}
	e.transition(StateRevealed, NewRevealedEvent)

	if !VerifyCommit(e.commitHash, payload, nonce) {
		e.transition(StateFailedProof, NewFailedProofEvent)
		e.logger.Warn("hash-reveal proof failed; funds remain locked",
			slog.String("intent_id", e.terms.IntentID),
			slog.String("lock_id", e.lockID))
		if err := e.issueReceipt(nowMs); err != nil {
			return e.state, err
		}
		e.archiveFinal(ctx, nowMs)
		return e.state, nil
	}
	e.verified = true
	if err := e.provider.Release(ctx, e.lockID); err != nil {
		e.metrics.ObserveRejection(mode, "provider_release")
		return e.state, fmt.Errorf("escrow engine: release funds: %w", err)
	}
	e.transition(StateReleased, NewReleasedEvent)
	if err := e.issueReceipt(nowMs); err != nil {
		return e.state, err
	}
	e.archiveFinal(ctx, nowMs)
	return e.state, nil
}

// RetryRelease retries a release that failed after a verified reveal.
func (e *Engine) RetryRelease(ctx context.Context, nowMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRevealed || !e.verified {
		return e.reject("release", fmt.Errorf("%w: release in %s", ErrInvalidTransition, e.state))
	}
	if err := e.provider.Release(ctx, e.lockID); err != nil {
		e.metrics.ObserveRejection(mode, "provider_release")
		return fmt.Errorf("escrow engine: release funds: %w", err)
	}
	e.transition(StateReleased, NewReleasedEvent)
	if err := e.issueReceipt(nowMs); err != nil {
		return err
	}
	e.archiveFinal(ctx, nowMs)
	return nil
}

// Receipt returns the buyer-signed receipt once the settlement is terminal.
func (e *Engine) Receipt() (*envelope.SignedEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.receipt == nil {
		return nil, ErrNoReceipt
	}
	return e.receipt.Clone(), nil
}

func (e *Engine) receiptID() string {
	return "receipt-" + canonical.SHA256HexString(e.terms.IntentID + ":" + e.commitHash)[:32]
}

func (e *Engine) issueReceipt(nowMs int64) error {
	receipt := types.Receipt{
		Header:         types.NewHeader(types.MessageReceipt, e.terms.IntentID, nowMs, e.terms.ReceiptExpiry(nowMs)),
		ReceiptID:      e.receiptID(),
		BuyerAgentID:   e.terms.Buyer.AgentID,
		SellerAgentID:  e.terms.Provider.AgentID,
		SettlementMode: types.SettlementHashReveal,
		AgreedPrice:    e.terms.AgreedPrice,
		TimestampMs:    nowMs,
	}
	if e.state == StateReleased {
		receipt.PaidAmount = e.terms.AgreedPrice
		receipt.Chunks = 1
		receipt.Fulfilled = true
	} else {
		receipt.FailureCode = types.FailureProof
	}
	env, err := envelope.Sign(receipt, e.buyerKey, nowMs)
	if err != nil {
		return fmt.Errorf("escrow engine: sign receipt: %w", err)
	}
	e.receipt = env
	return nil
}

func (e *Engine) archiveFinal(ctx context.Context, nowMs int64) {
	if e.archive == nil || e.receipt == nil {
		return
	}
	msg, _, err := envelope.Decode(e.receipt)
	if err != nil || msg == nil {
		return
	}
	receipt := msg.(types.Receipt)
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
	if evt := build(e.snapshot()); evt != nil {
		e.emitter.Emit(settlementEvent{evt: evt})
	}
}

func (e *Engine) reject(op string, err error) error {
	e.metrics.ObserveRejection(mode, op)
	return err
}
