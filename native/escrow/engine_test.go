package escrow

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pact/core/envelope"
	"pact/core/events"
	"pact/core/types"
	"pact/crypto"
	"pact/native/settlement"
	"pact/observability/metrics"
	"pact/storage/archive"
)

const intentID = "intent-escrow-1"

var (
	buyerKey    = crypto.MustKeyPairFromSeed(bytes.Repeat([]byte{0x01}, 32))
	providerKey = crypto.MustKeyPairFromSeed(bytes.Repeat([]byte{0x02}, 32))
	payload     = []byte(`{"forecast":"sunny"}`)
	nonce       = []byte("nonce-0001")
)

func testTerms() settlement.Terms {
	return settlement.Terms{
		IntentID:          intentID,
		Mode:              types.SettlementHashReveal,
		AgreedPrice:       120,
		ChallengeWindowMs: 60_000,
		Buyer:             settlement.Party{AgentID: "buyer-agent", PublicKeyB58: buyerKey.PublicKeyB58()},
		Provider:          settlement.Party{AgentID: "provider-agent", PublicKeyB58: providerKey.PublicKeyB58()},
	}
}

func newTestEngine(t *testing.T, provider settlement.Provider) (*Engine, *events.Recorder) {
	t.Helper()
	engine, err := NewEngine(testTerms(), buyerKey, provider)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	return engine, rec
}

func fundedProvider() *settlement.MemoryProvider {
	p := settlement.NewMemoryProvider()
	p.Credit("buyer-agent", 500)
	return p
}

func commitEnv(t *testing.T, key *crypto.KeyPair, hash string) *envelope.SignedEnvelope {
	t.Helper()
	env, err := envelope.Sign(types.Commit{
		Header:        types.NewHeader(types.MessageCommit, intentID, 2_000, 62_000),
		CommitHashHex: hash,
	}, key, 2_000)
	if err != nil {
		t.Fatalf("sign commit: %v", err)
	}
	return env
}

func revealEnv(t *testing.T, p, n []byte) *envelope.SignedEnvelope {
	t.Helper()
	env, err := envelope.Sign(types.Reveal{
		Header:     types.NewHeader(types.MessageReveal, intentID, 3_000, 63_000),
		PayloadB64: base64.StdEncoding.EncodeToString(p),
		NonceB64:   base64.StdEncoding.EncodeToString(n),
	}, providerKey, 3_000)
	if err != nil {
		t.Fatalf("sign reveal: %v", err)
	}
	return env
}

func TestVerifyCommit(t *testing.T) {
	hash := CommitHash(payload, nonce)
	cases := []struct {
		name    string
		hash    string
		payload []byte
		nonce   []byte
		want    bool
	}{
		{"match", hash, payload, nonce, true},
		{"wrong nonce", hash, payload, []byte("nonce-0002"), false},
		{"wrong payload", hash, []byte(`{"forecast":"rain"}`), nonce, false},
		{"boundary shift", hash, payload[:len(payload)-1], append([]byte{payload[len(payload)-1]}, nonce...), true},
		{"not hex", "zz", payload, nonce, false},
		{"short hash", hash[:10], payload, nonce, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyCommit(tc.hash, tc.payload, tc.nonce); got != tc.want {
				t.Fatalf("VerifyCommit = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHashRevealHappyPath(t *testing.T) {
	ctx := context.Background()
	provider := fundedProvider()
	engine, rec := newTestEngine(t, provider)
	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer store.Close()
	engine.SetArchive(store)

	released := metrics.Pact().Transitions().WithLabelValues("hash_reveal", "released")
	before := testutil.ToFloat64(released)

	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := engine.Lock(ctx, 2_500); err != nil {
		t.Fatalf("lock: %v", err)
	}
	state, err := engine.Reveal(ctx, revealEnv(t, payload, nonce), 3_500)
	if err != nil || state != StateReleased {
		t.Fatalf("reveal: %s %v", state, err)
	}
	if got := provider.Balance("provider-agent").Uint64(); got != 120 {
		t.Fatalf("provider balance %d", got)
	}
	if got := provider.Balance("buyer-agent").Uint64(); got != 380 {
		t.Fatalf("buyer balance %d", got)
	}

	env, err := engine.Receipt()
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if envelope.VerifyFrom(env, buyerKey.PublicKeyB58()) != envelope.OutcomeOK {
		t.Fatalf("receipt must be signed by the buyer")
	}
	msg, _, _ := envelope.Decode(env)
	receipt := msg.(types.Receipt)
	if !receipt.Fulfilled || receipt.PaidAmount != 120 || receipt.TimestampMs != 3_500 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	want := []string{EventTypeCommitted, EventTypeFundsLocked, EventTypeRevealed, EventTypeReleased}
	got := rec.Types()
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
	if after := testutil.ToFloat64(released); after != before+1 {
		t.Fatalf("released counter %v -> %v", before, after)
	}

	archived, err := store.Get(ctx, intentID)
	if err != nil {
		t.Fatalf("archive get: %v", err)
	}
	if archived.FinalState != string(StateReleased) || archived.ReceiptID != receipt.ReceiptID || archived.PaidAmount != 120 {
		t.Fatalf("unexpected archive record %+v", archived)
	}
}

func TestRevealMismatchKeepsFundsLocked(t *testing.T) {
	ctx := context.Background()
	provider := fundedProvider()
	engine, _ := newTestEngine(t, provider)
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := engine.Lock(ctx, 2_500); err != nil {
		t.Fatalf("lock: %v", err)
	}
	state, err := engine.Reveal(ctx, revealEnv(t, payload, []byte("wrong-nonce")), 3_500)
	if err != nil {
		t.Fatalf("failed proof is a result, not an error: %v", err)
	}
	if state != StateFailedProof {
		t.Fatalf("state %s", state)
	}
	snap := engine.Snapshot()
	if !snap.FundsLocked || snap.FundsReleased || snap.Verified {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if amt, released, ok := provider.Locked(snap.LockID); !ok || released || amt != 120 {
		t.Fatalf("funds must remain locked: %d %v %v", amt, released, ok)
	}
	if got := provider.Balance("provider-agent").Uint64(); got != 0 {
		t.Fatalf("provider must not be paid, balance %d", got)
	}
	env, err := engine.Receipt()
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	msg, _, _ := envelope.Decode(env)
	if r := msg.(types.Receipt); r.Fulfilled || r.PaidAmount != 0 || r.FailureCode != types.FailureProof {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if _, err := engine.Reveal(ctx, revealEnv(t, payload, nonce), 4_000); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal state must reject further reveals, got %v", err)
	}
}

func TestOrderingIsEnforced(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, fundedProvider())
	if err := engine.Lock(ctx, 1); !errors.Is(err, ErrNoCommit) {
		t.Fatalf("expected ErrNoCommit, got %v", err)
	}
	if _, err := engine.Reveal(ctx, revealEnv(t, payload, nonce), 1); !errors.Is(err, ErrRevealBeforeLock) {
		t.Fatalf("expected ErrRevealBeforeLock, got %v", err)
	}
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := engine.Reveal(ctx, revealEnv(t, payload, nonce), 1); !errors.Is(err, ErrRevealBeforeLock) {
		t.Fatalf("expected ErrRevealBeforeLock after commit, got %v", err)
	}
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second commit rejection, got %v", err)
	}
	if engine.State() != StateCommitted {
		t.Fatalf("state %s", engine.State())
	}
}

func TestCommitFromWrongSignerRejected(t *testing.T) {
	engine, rec := newTestEngine(t, fundedProvider())
	err := engine.Commit(commitEnv(t, buyerKey, CommitHash(payload, nonce)))
	var envErr *settlement.EnvelopeError
	if !errors.As(err, &envErr) {
		t.Fatalf("expected EnvelopeError, got %v", err)
	}
	if envErr.Code() != types.FailureProviderSignerMismatch {
		t.Fatalf("code %s", envErr.Code())
	}
	if engine.State() != StateIdle || len(rec.Types()) != 0 {
		t.Fatalf("rejected commit must not change state")
	}
}

func TestLockFailureLeavesStateUnchanged(t *testing.T) {
	engine, _ := newTestEngine(t, settlement.NewMemoryProvider())
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := engine.Lock(context.Background(), 1); !errors.Is(err, settlement.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if engine.State() != StateCommitted {
		t.Fatalf("state %s", engine.State())
	}
}

type flakyRelease struct {
	*settlement.MemoryProvider
	failures int
}

func (f *flakyRelease) Release(ctx context.Context, lockID string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("rail unavailable")
	}
	return f.MemoryProvider.Release(ctx, lockID)
}

func TestRetryRelease(t *testing.T) {
	ctx := context.Background()
	provider := &flakyRelease{MemoryProvider: fundedProvider(), failures: 1}
	engine, _ := newTestEngine(t, provider)
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := engine.Lock(ctx, 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	state, err := engine.Reveal(ctx, revealEnv(t, payload, nonce), 2)
	if err == nil || state != StateRevealed {
		t.Fatalf("expected release failure in REVEALED, got %s %v", state, err)
	}
	if _, err := engine.Receipt(); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("no receipt before release, got %v", err)
	}
	if err := engine.RetryRelease(ctx, 3); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if engine.State() != StateReleased {
		t.Fatalf("state %s", engine.State())
	}
}

func TestConcurrentLocksSerialize(t *testing.T) {
	engine, _ := newTestEngine(t, fundedProvider())
	if err := engine.Commit(commitEnv(t, providerKey, CommitHash(payload, nonce))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := engine.Lock(context.Background(), 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else if errors.Is(err, ErrInvalidTransition) {
				errs++
			}
		}()
	}
	wg.Wait()
	if oks != 1 || errs != 7 {
		t.Fatalf("expected exactly one lock, got %d ok %d rejected", oks, errs)
	}
}

func TestNewEngineValidation(t *testing.T) {
	terms := testTerms()
	if _, err := NewEngine(terms, providerKey, settlement.NewMemoryProvider()); !errors.Is(err, ErrBuyerKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	terms.Mode = types.SettlementStreaming
	if _, err := NewEngine(terms, buyerKey, settlement.NewMemoryProvider()); !errors.Is(err, settlement.ErrInvalidTerms) {
		t.Fatalf("expected invalid terms, got %v", err)
	}
}
