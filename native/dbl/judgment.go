package dbl

import (
	"math"

	"pact/core/canonical"
	"pact/core/types"
)

// Version identifies the rule set that produced a judgment.
const Version = "dbl/2.0"

// Status summarises the judgment.
type Status string

const (
	StatusOK            Status = "OK"
	StatusFailed        Status = "FAILED"
	StatusIndeterminate Status = "INDETERMINATE"
)

// Determination is the fault assignment.
type Determination string

const (
	NoFault         Determination = "NO_FAULT"
	BuyerAtFault    Determination = "BUYER_AT_FAULT"
	ProviderAtFault Determination = "PROVIDER_AT_FAULT"
	Indeterminate   Determination = "INDETERMINATE"
)

// AtFault maps a party role to its fault determination.
func AtFault(role types.Role) Determination {
	switch role {
	case types.RoleBuyer:
		return BuyerAtFault
	case types.RoleProvider:
		return ProviderAtFault
	default:
		return Indeterminate
	}
}

// Action is a recommended follow-up.
type Action string

const (
	ActionRequestReplay     Action = "REQUEST_REPLAY"
	ActionRetrySettlement   Action = "RETRY_SETTLEMENT"
	ActionPenalizeActor     Action = "PENALIZE_ACTOR"
	ActionEscalateToArbiter Action = "ESCALATE_TO_ARBITER"
	ActionNone              Action = "NONE"
)

// RecommendedAction is one typed recommendation.
type RecommendedAction struct {
	Action Action     `json:"action"`
	Target types.Role `json:"target,omitempty"`
	Reason string     `json:"reason"`
}

// FaultPenalty is the passport impact of any actor-at-fault determination.
const FaultPenalty = -0.05

const (
	confidenceTerminal         = 1.0
	confidencePolicyAbort      = 0.95
	confidencePolicyFact       = 0.95
	confidencePolicyFactNoLVSH = 0.7
	confidenceContinuity       = 0.85
	confidenceContinuityInfer  = 0.6
	confidenceEmptyLVSH        = 0.3
	confidenceRolesUnknown     = 0.5
	confidenceNoActorOwed      = 0.7
	containerWarningMultiplier = 0.9
)

// Judgment is the DBL output. EvidenceRefs only ever holds round hashes from
// the verified prefix; ClaimedEvidenceRefs carries the unsigned references a
// failure event asserted.
type Judgment struct {
	Version             string              `json:"version"`
	Status              Status              `json:"status"`
	FailureCode         types.FailureCode   `json:"failureCode,omitempty"`
	LastValidRound      int                 `json:"lastValidRound"`
	LastValidHash       string              `json:"lastValidHash"`
	RoundsVerified      int                 `json:"roundsVerified"`
	TotalRounds         int                 `json:"totalRounds"`
	RequiredNextActor   types.Role          `json:"requiredNextActor"`
	DBLDetermination    Determination       `json:"dblDetermination"`
	PassportImpact      float64             `json:"passportImpact"`
	Confidence          float64             `json:"confidence"`
	Recommendation      string              `json:"recommendation"`
	EvidenceRefs        []string            `json:"evidenceRefs"`
	ClaimedEvidenceRefs []string            `json:"claimedEvidenceRefs,omitempty"`
	RecommendedActions  []RecommendedAction `json:"recommendedActions,omitempty"`
	Notes               []string            `json:"notes,omitempty"`
}

// Canonical returns the canonical JSON of the judgment.
func (j Judgment) Canonical() ([]byte, error) {
	return canonical.Canonicalize(j)
}

// AtFaultRole returns the party found at fault, or RoleNone.
func (j Judgment) AtFaultRole() types.Role {
	switch j.DBLDetermination {
	case BuyerAtFault:
		return types.RoleBuyer
	case ProviderAtFault:
		return types.RoleProvider
	default:
		return types.RoleNone
	}
}

func roundConfidence(c float64) float64 {
	return math.Round(c*1e4) / 1e4
}
