package types

// FailureCode is a stable failure identifier. Codes are never repurposed
// within a major protocol version.
type FailureCode string

// Discovery.
const (
	FailureDirectoryEmpty      FailureCode = "DIRECTORY_EMPTY"
	FailureNoProviders         FailureCode = "NO_PROVIDERS"
	FailureNoEligibleProviders FailureCode = "NO_ELIGIBLE_PROVIDERS"
)

// Identity.
const (
	FailureProviderSignatureInvalid FailureCode = "PROVIDER_SIGNATURE_INVALID"
	FailureProviderSignerMismatch   FailureCode = "PROVIDER_SIGNER_MISMATCH"
	FailureUntrustedIssuer          FailureCode = "UNTRUSTED_ISSUER"
)

// Policy.
const (
	FailureProviderQuotePolicyRejected FailureCode = "PROVIDER_QUOTE_POLICY_REJECTED"
	FailureQuoteOutOfBand              FailureCode = "QUOTE_OUT_OF_BAND"
)

// Settlement.
const (
	FailureEscrow                 FailureCode = "FAILED_ESCROW"
	FailureProof                  FailureCode = "FAILED_PROOF"
	FailureBuyerStopped           FailureCode = "BUYER_STOPPED"
	FailureStreamingNotConfigured FailureCode = "STREAMING_NOT_CONFIGURED"
)

// Transcript-level codes consumed by default blame logic.
const (
	FailurePolicyAbort           FailureCode = "PACT-101"
	FailureContentionExclusivity FailureCode = "PACT-330"
	FailureDoubleCommit          FailureCode = "PACT-331"
	FailureSettlementTimeout     FailureCode = "PACT-404"
	FailureInfrastructure        FailureCode = "PACT-505"
)
