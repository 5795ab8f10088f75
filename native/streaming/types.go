package streaming

import (
	"errors"

	"pact/core/types"
	"pact/native/settlement"
)

// State is the streaming settlement lifecycle.
type State string

const (
	StateAccepted          State = "ACCEPTED"
	StateStreaming         State = "STREAMING"
	StateStoppedByBuyer    State = "STOPPED_BY_BUYER"
	StateStoppedByProvider State = "STOPPED_BY_PROVIDER"
	StateBudgetExhausted   State = "BUDGET_EXHAUSTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateStoppedByBuyer, StateStoppedByProvider, StateBudgetExhausted:
		return true
	default:
		return false
	}
}

// Snapshot is a copy of the engine's settlement state.
type Snapshot struct {
	IntentID        string     `json:"intent_id"`
	State           State      `json:"state"`
	Budget          uint64     `json:"budget"`
	BudgetRemaining uint64     `json:"budget_remaining"`
	PaidAmount      uint64     `json:"paid_amount"`
	TicksPaid       uint64     `json:"ticks_paid"`
	ChunksReceived  uint64     `json:"chunks_received"`
	StoppedBy       types.Role `json:"stopped_by,omitempty"`
}

// Code maps an engine error to the stable failure code reported to callers.
// Errors without a stable code map to the empty string.
func Code(err error) types.FailureCode {
	if errors.Is(err, ErrNotConfigured) {
		return types.FailureStreamingNotConfigured
	}
	var envErr *settlement.EnvelopeError
	if errors.As(err, &envErr) {
		return envErr.Code()
	}
	return ""
}
