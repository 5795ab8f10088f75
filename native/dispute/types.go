package dispute

import (
	"pact/config"
	"pact/core/types"
)

// Status is the dispute lifecycle. RESOLVED and REJECTED are final.
// REFUND_PENDING is recorded before a refund is sent to the settlement
// provider and is only left by completing that refund.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusRefundPending Status = "REFUND_PENDING"
	StatusResolved      Status = "RESOLVED"
	StatusRejected      Status = "REJECTED"
)

// Outcome is an arbiter's resolution.
type Outcome string

const (
	OutcomeNoRefund      Outcome = "NO_REFUND"
	OutcomeRefundFull    Outcome = "REFUND_FULL"
	OutcomeRefundPartial Outcome = "REFUND_PARTIAL"
	// OutcomeRejected is recorded on decisions for rejected disputes.
	OutcomeRejected Outcome = "REJECTED"
)

// Valid reports whether o can be passed to Resolve.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeNoRefund, OutcomeRefundFull, OutcomeRefundPartial:
		return true
	default:
		return false
	}
}

// Policy bounds when disputes may be opened and how much may be refunded.
type Policy struct {
	Enabled      bool
	WindowMs     int64
	AllowPartial bool
	MaxRefundPct uint32
}

// PolicyFromConfig converts the configured dispute section.
func PolicyFromConfig(c config.Dispute) Policy {
	return Policy{
		Enabled:      c.Enabled,
		WindowMs:     c.WindowMs,
		AllowPartial: c.AllowPartial,
		MaxRefundPct: c.MaxRefundPct,
	}
}

// Dispute is the persisted record for one challenge against a receipt.
type Dispute struct {
	ID             string               `json:"id"`
	ReceiptID      string               `json:"receipt_id"`
	IntentID       string               `json:"intent_id"`
	BuyerAgentID   string               `json:"buyer_agent_id"`
	SellerAgentID  string               `json:"seller_agent_id"`
	SettlementMode types.SettlementMode `json:"settlement_mode"`
	PaidAmount     uint64               `json:"paid_amount"`
	Status         Status               `json:"status"`
	OpenedBy       types.Role           `json:"opened_by"`
	Reason         string               `json:"reason"`
	OpenedAtMs     int64                `json:"opened_at_ms"`
	Outcome        Outcome              `json:"outcome,omitempty"`
	RefundAmount   uint64               `json:"refund_amount,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Arbiter        string               `json:"arbiter,omitempty"`
	ClosedAtMs     int64                `json:"closed_at_ms,omitempty"`
}

// Decision is the arbiter-signed payload for a closed dispute.
type Decision struct {
	DisputeID    string  `json:"dispute_id"`
	ReceiptID    string  `json:"receipt_id"`
	IntentID     string  `json:"intent_id"`
	Outcome      Outcome `json:"outcome"`
	RefundAmount uint64  `json:"refund_amount"`
	Notes        string  `json:"notes,omitempty"`
	Arbiter      string  `json:"arbiter"`
	DecidedAtMs  int64   `json:"decided_at_ms"`
}

// DecisionFor derives the decision payload from a closed dispute.
func DecisionFor(d *Dispute) Decision {
	outcome := d.Outcome
	if d.Status == StatusRejected {
		outcome = OutcomeRejected
	}
	return Decision{
		DisputeID:    d.ID,
		ReceiptID:    d.ReceiptID,
		IntentID:     d.IntentID,
		Outcome:      outcome,
		RefundAmount: d.RefundAmount,
		Notes:        d.Notes,
		Arbiter:      d.Arbiter,
		DecidedAtMs:  d.ClosedAtMs,
	}
}
