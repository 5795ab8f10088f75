// Package settlement defines the capability interface settlement engines use
// to move value, with an in-memory implementation and a boundary
// implementation that records intents without moving anything.
package settlement

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")
	ErrLockNotFound      = errors.New("settlement: lock not found")
	ErrLockReleased      = errors.New("settlement: lock already released")
	ErrInvalidAmount     = errors.New("settlement: amount must be positive")
	ErrInvalidParty      = errors.New("settlement: payer and payee required")
	ErrRefundConflict    = errors.New("settlement: refund reference already used for a different refund")
)

// LockRequest escrows Amount from Payer for later release to Payee.
type LockRequest struct {
	IntentID string
	Payer    string
	Payee    string
	Amount   uint64
}

// PayRequest moves Amount from Payer to Payee immediately.
type PayRequest struct {
	IntentID string
	Payer    string
	Payee    string
	Amount   uint64
	Memo     string
}

// RefundRequest returns Amount from the party that was paid (From) to the
// party that paid (To). A non-empty Reference identifies the refund: repeating
// a request with the same Reference moves nothing the second time.
type RefundRequest struct {
	Reference string
	From      string
	To        string
	Amount    uint64
}

// Provider moves value on behalf of settlement and dispute engines. Engines
// never look for a concrete implementation; they use whatever was injected.
// Refund must be idempotent on RefundRequest.Reference.
type Provider interface {
	Name() string
	Lock(ctx context.Context, req LockRequest) (string, error)
	Release(ctx context.Context, lockID string) error
	Pay(ctx context.Context, req PayRequest) error
	Refund(ctx context.Context, req RefundRequest) error
}

func (r LockRequest) validate() error {
	if r.Payer == "" || r.Payee == "" {
		return ErrInvalidParty
	}
	if r.Amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (r PayRequest) validate() error {
	if r.Payer == "" || r.Payee == "" {
		return ErrInvalidParty
	}
	if r.Amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

// sameRefund reports whether r repeats prev.
func (r RefundRequest) sameRefund(prev RefundRequest) error {
	if r.From != prev.From || r.To != prev.To || r.Amount != prev.Amount {
		return fmt.Errorf("%w: %s", ErrRefundConflict, r.Reference)
	}
	return nil
}

func (r RefundRequest) validate() error {
	if r.From == "" || r.To == "" {
		return ErrInvalidParty
	}
	if r.Amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

// PolicyReason classifies a business or policy rejection.
type PolicyReason string

const (
	ReasonBudgetExceeded        PolicyReason = "budget_exceeded"
	ReasonAmountOverflow        PolicyReason = "amount_overflow"
	ReasonInvalidAmount         PolicyReason = "invalid_amount"
	ReasonSequenceGap           PolicyReason = "sequence_gap"
	ReasonDisputesDisabled      PolicyReason = "disputes_disabled"
	ReasonDisputeWindowExpired  PolicyReason = "dispute_window_expired"
	ReasonPartialRefundDisabled PolicyReason = "partial_refund_disabled"
	ReasonRefundExceedsCap      PolicyReason = "refund_exceeds_cap"
	ReasonDisputeAlreadyOpen    PolicyReason = "dispute_already_open"
	ReasonReceiptInFuture       PolicyReason = "receipt_in_future"
)

// PolicyError is an explicit rejection. State is unchanged when one is
// returned.
type PolicyError struct {
	Reason  PolicyReason
	Message string
}

func (e *PolicyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return string(e.Reason)
}

// Policy builds a PolicyError.
func Policy(reason PolicyReason, format string, args ...any) error {
	return &PolicyError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the policy reason carried by err, if any.
func ReasonOf(err error) (PolicyReason, bool) {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
