package types

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the only wire version accepted by this implementation.
const ProtocolVersion = "pact/1.0"

// MessageType tags each variant of the protocol message union. Round types in
// a transcript use the same vocabulary.
type MessageType string

const (
	MessageIntent      MessageType = "INTENT"
	MessageAsk         MessageType = "ASK"
	MessageBid         MessageType = "BID"
	MessageCounter     MessageType = "COUNTER"
	MessageAccept      MessageType = "ACCEPT"
	MessageReject      MessageType = "REJECT"
	MessageAbort       MessageType = "ABORT"
	MessageCommit      MessageType = "COMMIT"
	MessageReveal      MessageType = "REVEAL"
	MessageStreamChunk MessageType = "STREAM_CHUNK"
	MessageReceipt     MessageType = "RECEIPT"
)

var messageTypes = map[MessageType]struct{}{
	MessageIntent:      {},
	MessageAsk:         {},
	MessageBid:         {},
	MessageCounter:     {},
	MessageAccept:      {},
	MessageReject:      {},
	MessageAbort:       {},
	MessageCommit:      {},
	MessageReveal:      {},
	MessageStreamChunk: {},
	MessageReceipt:     {},
}

// Valid reports whether t names a known message variant.
func (t MessageType) Valid() bool {
	_, ok := messageTypes[t]
	return ok
}

// Terminal reports whether a round of this type ends negotiation.
func (t MessageType) Terminal() bool {
	return t == MessageReject || t == MessageAbort
}

// ErrProtocolVersion is returned for messages that are not tagged pact/1.0.
var ErrProtocolVersion = errors.New("types: unsupported protocol version")

// ValidationError describes a structural defect in a message.
type ValidationError struct {
	Type    MessageType
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Type, e.Field, e.Message)
}

func invalid(t MessageType, field, msg string) error {
	return &ValidationError{Type: t, Field: field, Message: msg}
}

// Message is the closed union of protocol messages. Only the variants in this
// package implement it.
type Message interface {
	Head() Header
	Validate() error
	isMessage()
}

// Header carries the fields every message shares.
type Header struct {
	ProtocolVersion string      `json:"protocol_version"`
	Type            MessageType `json:"type"`
	IntentID        string      `json:"intent_id"`
	SentAtMs        int64       `json:"sent_at_ms"`
	ExpiresAtMs     int64       `json:"expires_at_ms"`
}

// NewHeader builds a header for the current protocol version.
func NewHeader(t MessageType, intentID string, sentAtMs, expiresAtMs int64) Header {
	return Header{
		ProtocolVersion: ProtocolVersion,
		Type:            t,
		IntentID:        intentID,
		SentAtMs:        sentAtMs,
		ExpiresAtMs:     expiresAtMs,
	}
}

// Head returns the shared header.
func (h Header) Head() Header { return h }

func (h Header) validate(expected MessageType) error {
	if h.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: %q", ErrProtocolVersion, h.ProtocolVersion)
	}
	if h.Type != expected {
		return invalid(expected, "type", fmt.Sprintf("header type %q does not match variant", h.Type))
	}
	if strings.TrimSpace(h.IntentID) == "" {
		return invalid(expected, "intent_id", "required")
	}
	if h.SentAtMs <= 0 {
		return invalid(expected, "sent_at_ms", "must be positive")
	}
	if h.ExpiresAtMs <= h.SentAtMs {
		return invalid(expected, "expires_at_ms", "must be after sent_at_ms")
	}
	return nil
}

// Constraints bound what an INTENT will accept.
type Constraints struct {
	LatencyMs    int64 `json:"latency_ms"`
	FreshnessSec int64 `json:"freshness_sec"`
}

// Intent opens a negotiation.
type Intent struct {
	Header
	Intent      string      `json:"intent"`
	Scope       string      `json:"scope,omitempty"`
	Constraints Constraints `json:"constraints"`
	MaxPrice    uint64      `json:"max_price"`
}

func (Intent) isMessage() {}

func (m Intent) Validate() error {
	if err := m.Header.validate(MessageIntent); err != nil {
		return err
	}
	if strings.TrimSpace(m.Intent) == "" {
		return invalid(MessageIntent, "intent", "required")
	}
	if m.Constraints.LatencyMs < 0 || m.Constraints.FreshnessSec < 0 {
		return invalid(MessageIntent, "constraints", "must be non-negative")
	}
	return nil
}

// Quote is the shared payload of ASK and BID.
type Quote struct {
	Price        uint64 `json:"price"`
	Unit         string `json:"unit"`
	LatencyMs    int64  `json:"latency_ms"`
	ValidForMs   int64  `json:"valid_for_ms"`
	BondRequired uint64 `json:"bond_required"`
}

func (q Quote) validate(t MessageType) error {
	if q.Price == 0 {
		return invalid(t, "price", "must be positive")
	}
	if strings.TrimSpace(q.Unit) == "" {
		return invalid(t, "unit", "required")
	}
	if q.LatencyMs < 0 {
		return invalid(t, "latency_ms", "must be non-negative")
	}
	if q.ValidForMs <= 0 {
		return invalid(t, "valid_for_ms", "must be positive")
	}
	return nil
}

// Ask is a provider's quote.
type Ask struct {
	Header
	Quote
}

func (Ask) isMessage() {}

func (m Ask) Validate() error {
	if err := m.Header.validate(MessageAsk); err != nil {
		return err
	}
	return m.Quote.validate(MessageAsk)
}

// Bid is a buyer's quote.
type Bid struct {
	Header
	Quote
}

func (Bid) isMessage() {}

func (m Bid) Validate() error {
	if err := m.Header.validate(MessageBid); err != nil {
		return err
	}
	return m.Quote.validate(MessageBid)
}

// Counter proposes a different price.
type Counter struct {
	Header
	CounterPrice uint64 `json:"counter_price"`
	Reason       string `json:"reason,omitempty"`
}

func (Counter) isMessage() {}

func (m Counter) Validate() error {
	if err := m.Header.validate(MessageCounter); err != nil {
		return err
	}
	if m.CounterPrice == 0 {
		return invalid(MessageCounter, "counter_price", "must be positive")
	}
	return nil
}

// BondAmounts are the bonds each side posts at acceptance.
type BondAmounts struct {
	Buyer  uint64 `json:"buyer"`
	Seller uint64 `json:"seller"`
}

// Accept fixes the terms. Settlement is owed after it.
type Accept struct {
	Header
	AgreedPrice        uint64         `json:"agreed_price"`
	SettlementMode     SettlementMode `json:"settlement_mode"`
	ProofType          string         `json:"proof_type,omitempty"`
	ChallengeWindowMs  int64          `json:"challenge_window_ms"`
	DeliveryDeadlineMs int64          `json:"delivery_deadline_ms"`
	BondAmounts        BondAmounts    `json:"bond_amounts"`
}

func (Accept) isMessage() {}

func (m Accept) Validate() error {
	if err := m.Header.validate(MessageAccept); err != nil {
		return err
	}
	if m.AgreedPrice == 0 {
		return invalid(MessageAccept, "agreed_price", "must be positive")
	}
	if !m.SettlementMode.Valid() {
		return invalid(MessageAccept, "settlement_mode", fmt.Sprintf("unknown mode %q", m.SettlementMode))
	}
	if m.ChallengeWindowMs < 0 {
		return invalid(MessageAccept, "challenge_window_ms", "must be non-negative")
	}
	if m.DeliveryDeadlineMs <= 0 {
		return invalid(MessageAccept, "delivery_deadline_ms", "must be positive")
	}
	return nil
}

// Reject ends negotiation without agreement.
type Reject struct {
	Header
	Reason string `json:"reason"`
}

func (Reject) isMessage() {}

func (m Reject) Validate() error {
	if err := m.Header.validate(MessageReject); err != nil {
		return err
	}
	if strings.TrimSpace(m.Reason) == "" {
		return invalid(MessageReject, "reason", "required")
	}
	return nil
}

// Abort ends negotiation because of a policy or runtime failure.
type Abort struct {
	Header
	Reason string `json:"reason"`
}

func (Abort) isMessage() {}

func (m Abort) Validate() error {
	if err := m.Header.validate(MessageAbort); err != nil {
		return err
	}
	if strings.TrimSpace(m.Reason) == "" {
		return invalid(MessageAbort, "reason", "required")
	}
	return nil
}

// Commit binds the provider to a payload without disclosing it.
type Commit struct {
	Header
	CommitHashHex string `json:"commit_hash_hex"`
}

func (Commit) isMessage() {}

func (m Commit) Validate() error {
	if err := m.Header.validate(MessageCommit); err != nil {
		return err
	}
	if !isLowerHex32(m.CommitHashHex) {
		return invalid(MessageCommit, "commit_hash_hex", "must be 64 lowercase hex characters")
	}
	return nil
}

// Reveal discloses the committed payload and nonce.
type Reveal struct {
	Header
	PayloadB64 string `json:"payload_b64"`
	NonceB64   string `json:"nonce_b64"`
}

func (Reveal) isMessage() {}

func (m Reveal) Validate() error {
	if err := m.Header.validate(MessageReveal); err != nil {
		return err
	}
	if _, err := base64.StdEncoding.DecodeString(m.PayloadB64); err != nil {
		return invalid(MessageReveal, "payload_b64", "invalid base64")
	}
	nonce, err := base64.StdEncoding.DecodeString(m.NonceB64)
	if err != nil || len(nonce) == 0 {
		return invalid(MessageReveal, "nonce_b64", "invalid or empty base64")
	}
	return nil
}

// Decoded returns the raw payload and nonce bytes.
func (m Reveal) Decoded() (payload, nonce []byte, err error) {
	payload, err = base64.StdEncoding.DecodeString(m.PayloadB64)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = base64.StdEncoding.DecodeString(m.NonceB64)
	if err != nil {
		return nil, nil, err
	}
	return payload, nonce, nil
}

// StreamChunk is one unit of streamed delivery.
type StreamChunk struct {
	Header
	Seq      uint64 `json:"seq"`
	ChunkB64 string `json:"chunk_b64"`
}

func (StreamChunk) isMessage() {}

func (m StreamChunk) Validate() error {
	if err := m.Header.validate(MessageStreamChunk); err != nil {
		return err
	}
	if _, err := base64.StdEncoding.DecodeString(m.ChunkB64); err != nil {
		return invalid(MessageStreamChunk, "chunk_b64", "invalid base64")
	}
	return nil
}

// Receipt records the settled outcome.
type Receipt struct {
	Header
	ReceiptID      string         `json:"receipt_id"`
	BuyerAgentID   string         `json:"buyer_agent_id"`
	SellerAgentID  string         `json:"seller_agent_id"`
	SettlementMode SettlementMode `json:"settlement_mode"`
	AgreedPrice    uint64         `json:"agreed_price"`
	PaidAmount     uint64         `json:"paid_amount"`
	Ticks          uint64         `json:"ticks"`
	Chunks         uint64         `json:"chunks"`
	Fulfilled      bool           `json:"fulfilled"`
	FailureCode    FailureCode    `json:"failure_code,omitempty"`
	TimestampMs    int64          `json:"timestamp_ms"`
}

func (Receipt) isMessage() {}

func (m Receipt) Validate() error {
	if err := m.Header.validate(MessageReceipt); err != nil {
		return err
	}
	if strings.TrimSpace(m.ReceiptID) == "" {
		return invalid(MessageReceipt, "receipt_id", "required")
	}
	if strings.TrimSpace(m.BuyerAgentID) == "" || strings.TrimSpace(m.SellerAgentID) == "" {
		return invalid(MessageReceipt, "agent_id", "buyer and seller required")
	}
	if m.TimestampMs <= 0 {
		return invalid(MessageReceipt, "timestamp_ms", "must be positive")
	}
	if m.PaidAmount > m.AgreedPrice && m.SettlementMode == SettlementHashReveal {
		return invalid(MessageReceipt, "paid_amount", "exceeds agreed price")
	}
	return nil
}

func isLowerHex32(s string) bool {
	if len(s) != 64 || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
