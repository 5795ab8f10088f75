package types

import "strings"

// Role is the side a party plays in a negotiation.
type Role string

const (
	RoleBuyer    Role = "BUYER"
	RoleProvider Role = "PROVIDER"
	RoleNone     Role = "NONE"
	RoleUnknown  Role = "UNKNOWN"
)

// Party reports whether r names one of the two negotiating sides.
func (r Role) Party() bool {
	return r == RoleBuyer || r == RoleProvider
}

// Opposite returns the counterparty role. Non-party roles map to RoleUnknown.
func (r Role) Opposite() Role {
	switch r {
	case RoleBuyer:
		return RoleProvider
	case RoleProvider:
		return RoleBuyer
	default:
		return RoleUnknown
	}
}

// ParseRole normalises a role string. Unrecognised input yields RoleUnknown.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer
	case RoleProvider, "SELLER":
		return RoleProvider
	case RoleNone:
		return RoleNone
	default:
		return RoleUnknown
	}
}

// SettlementMode selects the settlement protocol fixed at ACCEPT.
type SettlementMode string

const (
	SettlementHashReveal SettlementMode = "hash_reveal"
	SettlementStreaming  SettlementMode = "streaming"
)

// Valid reports whether m is a supported settlement mode.
func (m SettlementMode) Valid() bool {
	return m == SettlementHashReveal || m == SettlementStreaming
}
