package escrow

import (
	"strconv"

	"pact/core/types"
)

const (
	EventTypeCommitted   = "settlement.hash_reveal.committed"
	EventTypeFundsLocked = "settlement.hash_reveal.funds_locked"
	EventTypeRevealed    = "settlement.hash_reveal.revealed"
	EventTypeReleased    = "settlement.hash_reveal.released"
	EventTypeFailedProof = "settlement.hash_reveal.failed_proof"
)

// NewCommittedEvent returns the event payload emitted once a valid provider
// commit is recorded.
func NewCommittedEvent(s Snapshot) *types.Event { return newSettlementEvent(EventTypeCommitted, s) }

// NewFundsLockedEvent returns the event payload emitted when the buyer's funds
// are locked with the settlement provider.
func NewFundsLockedEvent(s Snapshot) *types.Event { return newSettlementEvent(EventTypeFundsLocked, s) }

// NewRevealedEvent returns the event payload emitted when the provider reveal
// has been received, before verification.
func NewRevealedEvent(s Snapshot) *types.Event { return newSettlementEvent(EventTypeRevealed, s) }

// NewReleasedEvent returns the event payload for a verified reveal whose funds
// were released to the provider.
func NewReleasedEvent(s Snapshot) *types.Event { return newSettlementEvent(EventTypeReleased, s) }

// NewFailedProofEvent returns the event payload for a reveal that did not match
// its commit. Funds stay locked.
func NewFailedProofEvent(s Snapshot) *types.Event { return newSettlementEvent(EventTypeFailedProof, s) }

func newSettlementEvent(eventType string, s Snapshot) *types.Event {
	attrs := map[string]string{
		"intentId": s.IntentID,
		"state":    string(s.State),
		"amount":   strconv.FormatUint(s.Amount, 10),
	}
	if s.CommitHashHex != "" {
		attrs["commitHash"] = s.CommitHashHex
	}
	if s.LockID != "" {
		attrs["lockId"] = s.LockID
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
