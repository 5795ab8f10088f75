package streaming

import (
	"strconv"

	"pact/core/types"
)

const (
	EventTypeStarted           = "settlement.streaming.started"
	EventTypeChunk             = "settlement.streaming.chunk"
	EventTypeTick              = "settlement.streaming.tick"
	EventTypeStoppedByBuyer    = "settlement.streaming.stopped_by_buyer"
	EventTypeStoppedByProvider = "settlement.streaming.stopped_by_provider"
	EventTypeBudgetExhausted   = "settlement.streaming.budget_exhausted"
)

// NewStartedEvent returns the payload emitted when streaming begins.
func NewStartedEvent(s Snapshot) *types.Event { return newStreamEvent(EventTypeStarted, s) }

// NewChunkEvent returns the payload emitted for each accepted chunk.
func NewChunkEvent(s Snapshot) *types.Event { return newStreamEvent(EventTypeChunk, s) }

// NewTickEvent returns the payload emitted for each paid tick.
func NewTickEvent(s Snapshot) *types.Event { return newStreamEvent(EventTypeTick, s) }

func stopEvent(s Snapshot) *types.Event {
	switch s.State {
	case StateStoppedByBuyer:
		return newStreamEvent(EventTypeStoppedByBuyer, s)
	case StateStoppedByProvider:
		return newStreamEvent(EventTypeStoppedByProvider, s)
	case StateBudgetExhausted:
		return newStreamEvent(EventTypeBudgetExhausted, s)
	default:
		return nil
	}
}

func newStreamEvent(eventType string, s Snapshot) *types.Event {
	attrs := map[string]string{
		"intentId":        s.IntentID,
		"state":           string(s.State),
		"budget":          strconv.FormatUint(s.Budget, 10),
		"budgetRemaining": strconv.FormatUint(s.BudgetRemaining, 10),
		"paid":            strconv.FormatUint(s.PaidAmount, 10),
		"ticks":           strconv.FormatUint(s.TicksPaid, 10),
		"chunks":          strconv.FormatUint(s.ChunksReceived, 10),
	}
	if s.StoppedBy != "" {
		attrs["stoppedBy"] = string(s.StoppedBy)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
