package dispute

import (
	"strconv"

	"pact/core/types"
)

const (
	EventTypeDisputeOpened   = "dispute.opened"
	EventTypeDisputeResolved = "dispute.resolved"
	EventTypeDisputeRejected = "dispute.rejected"
)

// NewOpenedEvent returns the payload emitted when a dispute is opened.
func NewOpenedEvent(d *Dispute) *types.Event {
	return newDisputeEvent(EventTypeDisputeOpened, d)
}

// NewResolvedEvent returns the payload emitted once an outcome, including any
// refund, has been applied.
func NewResolvedEvent(d *Dispute) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeResolved, d)
	evt.Attributes["outcome"] = string(d.Outcome)
	evt.Attributes["refundAmount"] = strconv.FormatUint(d.RefundAmount, 10)
	return evt
}

func NewRejectedEvent(d *Dispute) *types.Event {
	return newDisputeEvent(EventTypeDisputeRejected, d)
}

func newDisputeEvent(eventType string, d *Dispute) *types.Event {
	attrs := map[string]string{
		"id":        d.ID,
		"receiptId": d.ReceiptID,
		"intentId":  d.IntentID,
		"status":    string(d.Status),
		"openedBy":  string(d.OpenedBy),
	}
	if d.Arbiter != "" {
		attrs["arbiter"] = d.Arbiter
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
