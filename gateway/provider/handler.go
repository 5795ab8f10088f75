package provider

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pact/core/envelope"
	"pact/core/types"
	"pact/crypto"
	"pact/native/escrow"
)

// HandlerConfig describes the reference provider's fixed offer.
type HandlerConfig struct {
	Key        *crypto.KeyPair
	Price      uint64
	Unit       string
	LatencyMs  int64
	ValidForMs int64
	// Payload produces the deliverable for an intent. Defaults to a
	// deterministic string.
	Payload func(intentID string) []byte
	// Chunk produces streamed chunk seq. Defaults to a deterministic string.
	Chunk   func(intentID string, seq uint64) []byte
	Entropy io.Reader
	Now     func() int64
}

type commitment struct {
	payload []byte
	nonce   []byte
}

// Handler is a reference provider serving quote, commit, reveal and stream
// endpoints. Every response body is a signed envelope.
type Handler struct {
	cfg    HandlerConfig
	router chi.Router

	mu          sync.Mutex
	commitments map[string]commitment
}

// NewHandler builds the reference provider router.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("provider: signing key required")
	}
	if cfg.Price == 0 {
		return nil, fmt.Errorf("provider: price must be positive")
	}
	if strings.TrimSpace(cfg.Unit) == "" {
		cfg.Unit = "request"
	}
	if cfg.ValidForMs <= 0 {
		cfg.ValidForMs = 30_000
	}
	if cfg.Payload == nil {
		cfg.Payload = func(intentID string) []byte { return []byte("payload:" + intentID) }
	}
	if cfg.Chunk == nil {
		cfg.Chunk = func(intentID string, seq uint64) []byte { return []byte(fmt.Sprintf("chunk:%s:%d", intentID, seq)) }
	}
	if cfg.Entropy == nil {
		cfg.Entropy = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixMilli() }
	}
	h := &Handler{cfg: cfg, commitments: make(map[string]commitment)}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post(PathQuote, h.quote)
	r.Post(PathCommit, h.commit)
	r.Post(PathReveal, h.reveal)
	r.Post(PathStreamChunk, h.streamChunk)
	h.router = r
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	var env envelope.SignedEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	msg, outcome, err := envelope.Decode(&env)
	if err != nil || outcome != envelope.OutcomeOK {
		http.Error(w, "intent envelope rejected: "+string(outcome), http.StatusBadRequest)
		return
	}
	intent, ok := msg.(types.Intent)
	if !ok {
		http.Error(w, "expected INTENT", http.StatusBadRequest)
		return
	}
	if intent.MaxPrice > 0 && h.cfg.Price > intent.MaxPrice {
		http.Error(w, string(types.FailureProviderQuotePolicyRejected), http.StatusUnprocessableEntity)
		return
	}
	now := h.cfg.Now()
	h.sign(w, types.Ask{
		Header: types.NewHeader(types.MessageAsk, intent.IntentID, now, now+h.cfg.ValidForMs),
		Quote: types.Quote{
			Price:      h.cfg.Price,
			Unit:       h.cfg.Unit,
			LatencyMs:  h.cfg.LatencyMs,
			ValidForMs: h.cfg.ValidForMs,
		},
	})
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIntentRequest(w, r)
	if !ok {
		return
	}
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(h.cfg.Entropy, nonce); err != nil {
		http.Error(w, "nonce unavailable", http.StatusInternalServerError)
		return
	}
	payload := h.cfg.Payload(req.IntentID)
	h.mu.Lock()
	h.commitments[req.IntentID] = commitment{payload: payload, nonce: nonce}
	h.mu.Unlock()

	now := h.cfg.Now()
	h.sign(w, types.Commit{
		Header:        types.NewHeader(types.MessageCommit, req.IntentID, now, now+h.cfg.ValidForMs),
		CommitHashHex: escrow.CommitHash(payload, nonce),
	})
}

func (h *Handler) reveal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIntentRequest(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	c, found := h.commitments[req.IntentID]
	h.mu.Unlock()
	if !found {
		http.Error(w, "no commitment for intent", http.StatusNotFound)
		return
	}
	now := h.cfg.Now()
	h.sign(w, types.Reveal{
		Header:     types.NewHeader(types.MessageReveal, req.IntentID, now, now+h.cfg.ValidForMs),
		PayloadB64: base64.StdEncoding.EncodeToString(c.payload),
		NonceB64:   base64.StdEncoding.EncodeToString(c.nonce),
	})
}

func (h *Handler) streamChunk(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIntentRequest(w, r)
	if !ok {
		return
	}
	now := h.cfg.Now()
	h.sign(w, types.StreamChunk{
		Header:   types.NewHeader(types.MessageStreamChunk, req.IntentID, now, now+h.cfg.ValidForMs),
		Seq:      req.Seq,
		ChunkB64: base64.StdEncoding.EncodeToString(h.cfg.Chunk(req.IntentID, req.Seq)),
	})
}

func (h *Handler) sign(w http.ResponseWriter, msg types.Message) {
	env, err := envelope.Sign(msg, h.cfg.Key, h.cfg.Now())
	if err != nil {
		http.Error(w, "sign response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func decodeIntentRequest(w http.ResponseWriter, r *http.Request) (intentRequest, bool) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return req, false
	}
	req.IntentID = strings.TrimSpace(req.IntentID)
	if req.IntentID == "" {
		http.Error(w, "intent_id required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}
