package dbl

import (
	"strings"

	"pact/core/transcript"
	"pact/core/types"
)

// roleSource records where a round author's role came from.
type roleSource int

const (
	roleMissing roleSource = iota
	roleExplicit
	roleInferred
)

// legacyInference lists the round types for which older transcripts may carry
// no explicit role. Settlement rounds postdate the role field and never fall
// back to agent id inference.
var legacyInference = map[types.MessageType]bool{
	types.MessageIntent:  true,
	types.MessageAsk:     true,
	types.MessageBid:     true,
	types.MessageCounter: true,
	types.MessageAccept:  true,
	types.MessageReject:  true,
	types.MessageAbort:   true,
}

// authorRole resolves the role of a round's author.
func authorRole(r transcript.Round) (types.Role, roleSource) {
	if r.Role.Party() {
		return r.Role, roleExplicit
	}
	if !legacyInference[r.RoundType] {
		return types.RoleUnknown, roleMissing
	}
	if role := inferRole(r.AgentID); role.Party() {
		return role, roleInferred
	}
	return types.RoleUnknown, roleMissing
}

// inferRole guesses a role from fixture-style agent ids such as
// "buyer-agent-1" or "seller-7". Ambiguous ids yield RoleUnknown.
func inferRole(agentID string) types.Role {
	id := strings.ToLower(agentID)
	buyer := strings.Contains(id, "buyer")
	provider := strings.Contains(id, "provider") || strings.Contains(id, "seller")
	switch {
	case buyer && !provider:
		return types.RoleBuyer
	case provider && !buyer:
		return types.RoleProvider
	default:
		return types.RoleUnknown
	}
}

// nextActor returns who owed the move after round r. The returned source is
// roleExplicit when no author role was needed.
func nextActor(r transcript.Round) (types.Role, roleSource) {
	switch r.RoundType {
	case types.MessageIntent, types.MessageBid:
		return types.RoleProvider, roleExplicit
	case types.MessageAsk:
		return types.RoleBuyer, roleExplicit
	case types.MessageCounter, types.MessageAccept:
		role, src := authorRole(r)
		if src == roleMissing {
			return types.RoleUnknown, roleMissing
		}
		return role.Opposite(), src
	case types.MessageCommit, types.MessageReveal, types.MessageStreamChunk:
		// The buyer owes the lock, the verification or the next tick.
		return types.RoleBuyer, roleExplicit
	case types.MessageReject, types.MessageAbort, types.MessageReceipt:
		return types.RoleNone, roleExplicit
	default:
		return types.RoleUnknown, roleMissing
	}
}
