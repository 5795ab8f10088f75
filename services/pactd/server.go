// Package pactd serves transcript replay, blame judgment, evidence pack
// verification and dispute adjudication over HTTP.
package pactd

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pact/config"
	"pact/core/events"
	"pact/crypto"
	gwconfig "pact/gateway/config"
	"pact/gateway/middleware"
	"pact/native/dispute"
	"pact/native/settlement"
	"pact/observability"
	"pact/storage"
	"pact/storage/archive"
)

// Options wires a Server. Provider, when nil, is chosen from Policy.
type Options struct {
	Config   gwconfig.Config
	Policy   *config.Config
	Arbiter  *crypto.KeyPair
	Provider settlement.Provider
	Logger   *slog.Logger
	Entropy  io.Reader
	Now      func() time.Time
}

// Server owns the dispute engine and its stores.
type Server struct {
	cfg      gwconfig.Config
	policy   *config.Config
	logger   *slog.Logger
	arbiter  *crypto.KeyPair
	disputes *dispute.Engine
	store    *storage.DisputeStore
	archive  *archive.Store
	now      func() time.Time
	router   http.Handler
}

// New constructs a server. Callers must Close it to release the stores.
func New(opts Options) (*Server, error) {
	policy := opts.Policy
	if policy == nil {
		policy = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entropy := opts.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = newProvider(policy.Settlement.Provider, logger); err != nil {
			return nil, err
		}
	}

	var db storage.Database
	if path := strings.TrimSpace(policy.Storage.DisputeDB); path != "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("open dispute db: %w", err)
		}
		db = ldb
	} else {
		db = storage.NewMemDB()
	}
	store := storage.NewDisputeStore(db)

	engine, err := dispute.NewEngine(dispute.PolicyFromConfig(policy.Dispute), provider, store, entropy)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine.SetLogger(logger)
	engine.SetEmitter(observability.CountingEmitter{Next: events.LogEmitter{Logger: logger}})

	srv := &Server{
		cfg:      opts.Config,
		policy:   policy,
		logger:   logger,
		arbiter:  opts.Arbiter,
		disputes: engine,
		store:    store,
		now:      now,
	}
	if path := strings.TrimSpace(policy.Settlement.ArchivePath); path != "" {
		arc, err := archive.Open(path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		srv.archive = arc
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

var errMemoryProviderNotInjected = errors.New("settlement provider \"memory\" holds no balances; inject a funded provider or use \"boundary\"")

// newProvider builds the configured provider. The service itself never holds
// funds, so an empty in-memory ledger is refused: every refund against it
// would fail.
func newProvider(name string, logger *slog.Logger) (settlement.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", config.ProviderBoundary:
		return settlement.NewBoundaryProvider(logger), nil
	case config.ProviderMemory:
		return nil, errMemoryProviderNotInjected
	default:
		return nil, fmt.Errorf("unknown settlement provider %q", name)
	}
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, s.serviceName())
}

// Close releases the dispute store and archive.
func (s *Server) Close() error {
	s.store.Close()
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}

func (s *Server) serviceName() string {
	if name := strings.TrimSpace(s.cfg.Observability.ServiceName); name != "" {
		return name
	}
	return "pactd"
}

func (s *Server) buildRouter() http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: s.serviceName(),
		LogRequests: s.cfg.Observability.LogRequests,
		Enabled:     true,
	}, s.logger)
	limits := make(map[string]middleware.RateLimit, len(s.cfg.RateLimits))
	for _, rl := range s.cfg.RateLimits {
		limits[rl.ID] = middleware.RateLimit{
			RequestsPerMinute: rl.RequestsPerMinute,
			RatePerSecond:     rl.RatePerSecond,
			Burst:             rl.Burst,
			DefaultTokens:     rl.DefaultTokens,
			Tokens:            rl.Tokens,
		}
	}
	limiter := middleware.NewRateLimiter(limits, s.logger)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    s.cfg.Auth.Enabled,
		HMACSecret: s.cfg.Auth.HMACSecret,
		Issuer:     s.cfg.Auth.Issuer,
		Audience:   s.cfg.Auth.Audience,
		ScopeClaim: s.cfg.Auth.ScopeClaim,
		ClockSkew:  s.cfg.Auth.ClockSkew,
	}, s.logger)
	arbiterScope := s.cfg.Auth.ArbiterScope
	if arbiterScope == "" {
		arbiterScope = "arbiter"
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   s.cfg.CORS.AllowedMethods,
		AllowedHeaders:   s.cfg.CORS.AllowedHeaders,
		AllowCredentials: s.cfg.CORS.AllowCredentials,
	}))
	if s.cfg.MaxBodyBytes > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				req.Body = http.MaxBytesReader(w, req.Body, s.cfg.MaxBodyBytes)
				next.ServeHTTP(w, req)
			})
		})
	}

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(obs.Middleware("replay"), limiter.Middleware("replay")).Post("/replay", s.Replay)
		api.With(obs.Middleware("judge"), limiter.Middleware("judge")).Post("/judge", s.Judge)
		api.With(obs.Middleware("pack_verify"), limiter.Middleware("pack")).Post("/pack/verify", s.VerifyPack)
		api.With(obs.Middleware("decision_verify")).Post("/decisions/verify", s.VerifyDecision)
		api.With(obs.Middleware("settlement_get")).Get("/settlements/{intentID}", s.GetSettlement)

		api.Route("/disputes", func(d chi.Router) {
			d.With(obs.Middleware("dispute_open"), limiter.Middleware("disputes")).Post("/", s.OpenDispute)
			d.With(obs.Middleware("dispute_get")).Get("/{id}", s.GetDispute)
			d.With(obs.Middleware("dispute_resolve"), auth.Middleware(arbiterScope)).Post("/{id}/resolve", s.ResolveDispute)
			d.With(obs.Middleware("dispute_list")).Get("/by-receipt/{receiptID}", s.ListReceiptDisputes)
		})
	})
	return r
}
