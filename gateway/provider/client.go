package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pact/core/envelope"
	"pact/core/types"
	"pact/native/settlement"
)

// ErrTransport wraps every failure to obtain a response body from the
// provider: dial errors, timeouts, non-2xx statuses and undecodable bodies.
var ErrTransport = errors.New("provider: transport failure")

// Config identifies a provider endpoint and the key its responses must be
// signed with.
type Config struct {
	BaseURL        string
	AgentID        string
	ProviderKeyB58 string
	Timeout        time.Duration
	Transport      http.RoundTripper
}

// Client talks to a provider over HTTP and accepts only responses that are
// envelopes signed by the registered provider key.
type Client struct {
	baseURL    string
	party      settlement.Party
	httpClient *http.Client
}

// NewClient constructs a client. The transport is wrapped with otelhttp so
// outbound calls join the caller's trace.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provider: base url required")
	}
	if strings.TrimSpace(cfg.ProviderKeyB58) == "" {
		return nil, fmt.Errorf("provider: provider key required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: base,
		party:   settlement.Party{AgentID: strings.TrimSpace(cfg.AgentID), PublicKeyB58: strings.TrimSpace(cfg.ProviderKeyB58)},
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}, nil
}

// Paths of the provider HTTP surface, relative to the provider base URL.
const (
	PathQuote       = "/quote"
	PathCommit      = "/commit"
	PathReveal      = "/reveal"
	PathStreamChunk = "/stream/chunk"
	PathHealth      = "/health"
)

// Quote sends a signed INTENT and returns the provider's verified ASK.
func (c *Client) Quote(ctx context.Context, intent *envelope.SignedEnvelope) (types.Ask, *envelope.SignedEnvelope, error) {
	msg, outcome, err := envelope.Decode(intent)
	if err != nil || outcome != envelope.OutcomeOK {
		return types.Ask{}, nil, fmt.Errorf("provider: intent envelope rejected (%s)", outcome)
	}
	if msg.Head().Type != types.MessageIntent {
		return types.Ask{}, nil, fmt.Errorf("provider: quote needs an INTENT, got %s", msg.Head().Type)
	}
	env, reply, err := c.exchange(ctx, PathQuote, intent, msg.Head().IntentID, types.MessageAsk)
	if err != nil {
		return types.Ask{}, nil, err
	}
	return reply.(types.Ask), env, nil
}

// Commit asks the provider to commit to its payload for intentID.
func (c *Client) Commit(ctx context.Context, intentID string) (*envelope.SignedEnvelope, error) {
	env, _, err := c.exchange(ctx, PathCommit, intentRequest{IntentID: intentID}, intentID, types.MessageCommit)
	return env, err
}

// Reveal asks the provider to disclose the committed payload.
func (c *Client) Reveal(ctx context.Context, intentID string) (*envelope.SignedEnvelope, error) {
	env, _, err := c.exchange(ctx, PathReveal, intentRequest{IntentID: intentID}, intentID, types.MessageReveal)
	return env, err
}

// StreamChunk fetches chunk seq of a streamed delivery.
func (c *Client) StreamChunk(ctx context.Context, intentID string, seq uint64) (*envelope.SignedEnvelope, error) {
	env, _, err := c.exchange(ctx, PathStreamChunk, intentRequest{IntentID: intentID, Seq: seq}, intentID, types.MessageStreamChunk)
	return env, err
}

// Health reports whether the provider answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}

type intentRequest struct {
	IntentID string `json:"intent_id"`
	Seq      uint64 `json:"seq,omitempty"`
}

// exchange posts body and verifies the signed response. Signature failures
// come back as *settlement.EnvelopeError so callers can map them to
// PROVIDER_SIGNATURE_INVALID or PROVIDER_SIGNER_MISMATCH.
func (c *Client) exchange(ctx context.Context, path string, body any, intentID string, want types.MessageType) (*envelope.SignedEnvelope, types.Message, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: %s returned %d: %s", ErrTransport, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var env envelope.SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode envelope: %v", ErrTransport, err)
	}
	msg, err := settlement.DecodeFrom(&env, c.party, intentID, want)
	if err != nil {
		return nil, nil, err
	}
	return &env, msg, nil
}

// FailureCode maps a client error to the protocol failure code a buyer
// records. Transport errors have no code.
func FailureCode(err error) types.FailureCode {
	var envErr *settlement.EnvelopeError
	if errors.As(err, &envErr) {
		return envErr.Code()
	}
	return ""
}
