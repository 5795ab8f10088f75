// Package dbl implements Default Blame Logic: a pure function from a
// transcript to a fault judgment. It reasons only over the verified prefix
// returned by replay and never treats a failure event's evidence references
// as grounds for a determination.
package dbl

import (
	"fmt"

	"pact/core/transcript"
	"pact/core/types"
)

// Judge replays t and judges the verified prefix.
func Judge(t transcript.Transcript) Judgment {
	return JudgeWithReplay(t, transcript.Replay(t))
}

// JudgeWithReplay judges t using an existing replay result for it.
func JudgeWithReplay(t transcript.Transcript, res transcript.Result) Judgment {
	prefix, lastHash := transcript.LVSH(t, res)
	j := &judge{
		prefix: prefix,
		out: Judgment{
			Version:           Version,
			LastValidRound:    len(prefix) - 1,
			LastValidHash:     lastHash,
			RoundsVerified:    len(prefix),
			TotalRounds:       len(t.Rounds),
			RequiredNextActor: types.RoleUnknown,
			EvidenceRefs:      make([]string, 0, len(prefix)),
		},
	}
	for _, r := range prefix {
		j.out.EvidenceRefs = append(j.out.EvidenceRefs, r.RoundHash)
	}
	if fe := t.FailureEvent; fe != nil {
		j.failure = fe
		j.out.FailureCode = fe.Code
		if len(fe.EvidenceRefs) > 0 {
			j.out.ClaimedEvidenceRefs = append([]string(nil), fe.EvidenceRefs...)
		}
	}
	if fatal, ok := res.Fatal(); ok {
		j.note(fmt.Sprintf("replay stopped at round %d: %s", fatal.RoundNumber, fatal.Type))
	}
	if res.Has(transcript.ErrFinalHashMismatch) || res.Has(transcript.ErrFailureEventHashMismatch) {
		j.containerWarning = true
		j.note("container hash mismatch; confidence reduced")
	}
	if last, ok := j.last(); ok {
		j.out.RequiredNextActor, _ = nextActor(last)
	}

	j.run()
	j.finish()
	return j.out
}

type judge struct {
	prefix           []transcript.Round
	failure          *transcript.FailureEvent
	containerWarning bool
	out              Judgment
}

func (j *judge) last() (transcript.Round, bool) {
	if len(j.prefix) == 0 {
		return transcript.Round{}, false
	}
	return j.prefix[len(j.prefix)-1], true
}

func (j *judge) note(s string) {
	j.out.Notes = append(j.out.Notes, s)
}

func (j *judge) run() {
	if j.failure == nil {
		j.withoutFailure()
		return
	}
	switch j.failure.Code {
	case types.FailureDoubleCommit:
		j.policyFact(types.RoleBuyer, "double commit for the same intent fingerprint")
		return
	case types.FailureContentionExclusivity:
		j.policyFact(types.RoleProvider, "settlement by a non-winning contender after exclusivity was decided")
		return
	}
	if len(j.prefix) == 0 {
		j.emptyPrefix()
		return
	}
	switch j.failure.Code {
	case types.FailurePolicyAbort:
		j.fault(types.RoleBuyer, confidencePolicyAbort, "policy violation before settlement")
	case types.FailureSettlementTimeout:
		j.settlementTimeout()
	case types.FailureInfrastructure:
		j.note("infrastructure exception could not be constitutionally evaluated; continuity rule applied")
		j.continuity("infrastructure failure", RecommendedAction{
			Action: ActionEscalateToArbiter,
			Reason: "no proof-of-attempt artifact exists for infrastructure failures",
		})
	default:
		j.continuity(fmt.Sprintf("failure %s", j.failure.Code))
	}
}

// withoutFailure handles transcripts that carry no failure event.
func (j *judge) withoutFailure() {
	last, ok := j.last()
	if !ok {
		j.emptyPrefix()
		return
	}
	switch last.RoundType {
	case types.MessageAccept, types.MessageReceipt, types.MessageReject:
		j.out.Status = StatusOK
		j.out.DBLDetermination = NoFault
		j.out.Confidence = confidenceTerminal
		j.out.Recommendation = fmt.Sprintf("negotiation reached terminal %s without failure", last.RoundType)
		j.out.RecommendedActions = []RecommendedAction{{Action: ActionNone, Reason: "terminal success"}}
		return
	}
	_, src := nextActor(last)
	confidence := confidenceNoActorOwed
	if src == roleMissing {
		confidence = confidenceRolesUnknown
	}
	j.indeterminate(confidence, fmt.Sprintf("transcript ends at %s without a failure event", last.RoundType))
}

// policyFact applies fault-fixed policy codes. They hold regardless of
// continuity, at reduced confidence when nothing verified.
func (j *judge) policyFact(role types.Role, reason string) {
	confidence := confidencePolicyFact
	if len(j.prefix) == 0 {
		confidence = confidencePolicyFactNoLVSH
		j.note("policy violation code applied without a verified prefix")
	}
	j.fault(role, confidence, reason)
}

// continuity assigns fault to whoever owed the next move after the last
// verified round.
func (j *judge) continuity(reason string, extra ...RecommendedAction) {
	last, _ := j.last()
	actor, src := nextActor(last)
	j.out.RequiredNextActor = actor
	switch {
	case src == roleMissing:
		j.note(fmt.Sprintf("author role of round %d unavailable", last.RoundNumber))
		j.indeterminate(confidenceRolesUnknown, reason+"; actor roles cannot be determined")
		return
	case actor == types.RoleNone:
		j.indeterminate(confidenceNoActorOwed, reason+"; no actor owed a move after "+string(last.RoundType))
		j.out.RecommendedActions = append(j.out.RecommendedActions, RecommendedAction{
			Action: ActionEscalateToArbiter,
			Reason: "failure after a terminal round",
		})
		return
	}
	confidence := confidenceContinuity
	if src == roleInferred {
		confidence = confidenceContinuityInfer
		j.note(fmt.Sprintf("role of round %d inferred from agent id %q", last.RoundNumber, last.AgentID))
	}
	j.fault(actor, confidence, fmt.Sprintf("%s; %s owed the next move after %s", reason, actor, last.RoundType))
	j.out.RecommendedActions = append(j.out.RecommendedActions, extra...)
}

// settlementTimeout blames whoever owed settlement after the last verified
// ACCEPT. Rounds after the ACCEPT do not move the obligation. Without an
// ACCEPT the continuity rule applies.
func (j *judge) settlementTimeout() {
	retry := RecommendedAction{
		Action: ActionRetrySettlement,
		Reason: "settlement was owed but never completed",
	}
	accept, ok := j.lastAccept()
	if !ok {
		j.continuity("settlement timed out", retry)
		return
	}
	acceptor, src := authorRole(accept)
	if src == roleMissing {
		j.out.RequiredNextActor = types.RoleUnknown
		j.note(fmt.Sprintf("author role of round %d unavailable", accept.RoundNumber))
		j.indeterminate(confidenceRolesUnknown, "settlement timed out; acceptor role cannot be determined")
		return
	}
	owed := acceptor.Opposite()
	j.out.RequiredNextActor = owed
	confidence := confidenceContinuity
	if src == roleInferred {
		confidence = confidenceContinuityInfer
		j.note(fmt.Sprintf("role of round %d inferred from agent id %q", accept.RoundNumber, accept.AgentID))
	}
	j.fault(owed, confidence, fmt.Sprintf("settlement timed out; %s owed settlement after %s accepted in round %d",
		owed, acceptor, accept.RoundNumber))
	j.out.RecommendedActions = append(j.out.RecommendedActions, retry)
}

func (j *judge) lastAccept() (transcript.Round, bool) {
	for i := len(j.prefix) - 1; i >= 0; i-- {
		if j.prefix[i].RoundType == types.MessageAccept {
			return j.prefix[i], true
		}
	}
	return transcript.Round{}, false
}

func (j *judge) fault(role types.Role, confidence float64, reason string) {
	j.out.Status = StatusFailed
	j.out.DBLDetermination = AtFault(role)
	j.out.Confidence = confidence
	j.out.Recommendation = fmt.Sprintf("%s: %s", j.out.DBLDetermination, reason)
	j.out.RecommendedActions = []RecommendedAction{{
		Action: ActionPenalizeActor,
		Target: role,
		Reason: reason,
	}}
}

func (j *judge) emptyPrefix() {
	j.indeterminate(confidenceEmptyLVSH, "no verified rounds")
}

func (j *judge) indeterminate(confidence float64, reason string) {
	j.out.Status = StatusIndeterminate
	j.out.DBLDetermination = Indeterminate
	j.out.Confidence = confidence
	j.out.Recommendation = fmt.Sprintf("%s: %s", Indeterminate, reason)
	j.out.RecommendedActions = []RecommendedAction{{
		Action: ActionRequestReplay,
		Reason: reason,
	}}
}

func (j *judge) finish() {
	if j.out.DBLDetermination != Indeterminate && j.containerWarning {
		j.out.Confidence *= containerWarningMultiplier
	}
	j.out.Confidence = roundConfidence(j.out.Confidence)
	if j.out.AtFaultRole().Party() {
		j.out.PassportImpact = FaultPenalty
	}
}
