package escrow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// State is the hash-reveal settlement lifecycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateCommitted   State = "COMMITTED"
	StateFundsLocked State = "FUNDS_LOCKED"
	StateRevealed    State = "REVEALED"
	StateReleased    State = "RELEASED"
	StateFailedProof State = "FAILED_PROOF"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateFailedProof
}

// Snapshot is a copy of the engine's settlement state.
type Snapshot struct {
	IntentID      string `json:"intent_id"`
	State         State  `json:"state"`
	Committed     bool   `json:"committed"`
	Revealed      bool   `json:"revealed"`
	Verified      bool   `json:"verified"`
	FundsLocked   bool   `json:"funds_locked"`
	FundsReleased bool   `json:"funds_released"`
	CommitHashHex string `json:"commit_hash_hex,omitempty"`
	LockID        string `json:"lock_id,omitempty"`
	Amount        uint64 `json:"amount"`
}

// CommitHash returns SHA256(payload || nonce) as lowercase hex.
func CommitHash(payload, nonce []byte) string {
	h := sha256.New()
	h.Write(payload)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyCommit reports whether commitHashHex == SHA256(payload || nonce).
func VerifyCommit(commitHashHex string, payload, nonce []byte) bool {
	want, err := hex.DecodeString(strings.TrimSpace(commitHashHex))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got, _ := hex.DecodeString(CommitHash(payload, nonce))
	return subtle.ConstantTimeCompare(want, got) == 1
}
