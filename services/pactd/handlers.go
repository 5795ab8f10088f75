package pactd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"testing/fstest"

	"github.com/go-chi/chi/v5"

	"pact/core/envelope"
	"pact/core/transcript"
	"pact/core/types"
	"pact/evidence"
	"pact/gateway/middleware"
	"pact/native/dbl"
	"pact/native/dispute"
	"pact/native/settlement"
	"pact/observability/metrics"
	"pact/storage/archive"
)

const maxPackFiles = 512

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Replay verifies a batch of transcripts.
func (s *Server) Replay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transcripts []transcript.Transcript `json:"transcripts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Transcripts) == 0 {
		http.Error(w, "transcripts required", http.StatusBadRequest)
		return
	}
	results, err := transcript.ReplayBatch(r.Context(), req.Transcripts, s.policy.Replay.Workers)
	if err != nil {
		http.Error(w, "replay cancelled", http.StatusServiceUnavailable)
		return
	}
	m := metrics.Pact()
	for _, res := range results {
		m.ObserveReplay(replayOutcome(res), res.RoundsVerified)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func replayOutcome(res transcript.Result) string {
	if _, fatal := res.Fatal(); fatal {
		return "broken"
	}
	if len(res.Errors) > 0 {
		return "warning"
	}
	return "ok"
}

// Judge runs blame attribution over one transcript. The body is the
// canonical judgment so equal transcripts produce identical bytes.
func (s *Server) Judge(w http.ResponseWriter, r *http.Request) {
	t, err := transcript.Read(r.Body)
	if err != nil {
		http.Error(w, "invalid transcript", http.StatusBadRequest)
		return
	}
	judgment := dbl.Judge(t)
	metrics.Pact().ObserveJudgment(string(judgment.DBLDetermination))
	raw, err := judgment.Canonical()
	if err != nil {
		http.Error(w, "encode judgment", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// VerifyPack checks an evidence bundle posted as relative path to base64
// content.
func (s *Server) VerifyPack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files map[string]string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 || len(req.Files) > maxPackFiles {
		http.Error(w, "files must list between 1 and 512 entries", http.StatusBadRequest)
		return
	}
	fsys := fstest.MapFS{}
	for name, content := range req.Files {
		if !fs.ValidPath(name) || name == "." {
			http.Error(w, "invalid path "+name, http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			http.Error(w, "invalid base64 for "+name, http.StatusBadRequest)
			return
		}
		fsys[name] = &fstest.MapFile{Data: raw, Mode: 0o644}
	}
	report := evidence.Check(fsys)
	metrics.Pact().ObservePackCheck(report.Result())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"result":   report.Result(),
		"tampered": report.Tampered(),
		"report":   report,
	})
}

// VerifyDecision checks an arbiter-signed decision. The optional arbiter
// query parameter pins the expected arbiter key.
func (s *Server) VerifyDecision(w http.ResponseWriter, r *http.Request) {
	var sd dispute.SignedDecision
	if err := json.NewDecoder(r.Body).Decode(&sd); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	outcome := dispute.VerifyDecision(&sd)
	if arbiter := strings.TrimSpace(r.URL.Query().Get("arbiter")); arbiter != "" {
		outcome = dispute.VerifyDecisionFrom(&sd, arbiter)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":   outcome == envelope.OutcomeOK,
		"outcome": outcome,
	})
}

// GetSettlement returns the archived final state of a settlement.
func (s *Server) GetSettlement(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "settlement archive not configured", http.StatusNotFound)
		return
	}
	rec, err := s.archive.Get(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			http.Error(w, "settlement not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load settlement", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// OpenDispute challenges a signed receipt.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Receipt  *envelope.SignedEnvelope `json:"receipt"`
		OpenedBy string                   `json:"opened_by"`
		Reason   string                   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Receipt == nil {
		http.Error(w, "receipt required", http.StatusBadRequest)
		return
	}
	d, err := s.disputes.Open(req.Receipt, types.ParseRole(req.OpenedBy), req.Reason, s.nowMs())
	if err != nil {
		s.writeDisputeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

// GetDispute returns a stored dispute.
func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDisputeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// ListReceiptDisputes lists dispute ids raised against a receipt.
func (s *Server) ListReceiptDisputes(w http.ResponseWriter, r *http.Request) {
	ids, err := s.disputes.ForReceipt(chi.URLParam(r, "receiptID"))
	if err != nil {
		http.Error(w, "failed to load disputes", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dispute_ids": ids})
}

// ResolveDispute closes a dispute. Outcome REJECTED rejects it; any other
// outcome resolves it. When an arbiter key is configured the response
// carries the signed decision.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome      dispute.Outcome `json:"outcome"`
		RefundAmount uint64          `json:"refund_amount"`
		Notes        string          `json:"notes"`
		Arbiter      string          `json:"arbiter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	arbiter := middleware.SubjectFromContext(r.Context())
	if arbiter == "" {
		arbiter = strings.TrimSpace(req.Arbiter)
	}
	id := chi.URLParam(r, "id")
	nowMs := s.nowMs()

	var (
		d   *dispute.Dispute
		err error
	)
	if req.Outcome == dispute.OutcomeRejected {
		d, err = s.disputes.Reject(id, req.Notes, arbiter, nowMs)
	} else {
		d, err = s.disputes.Resolve(r.Context(), id, req.Outcome, req.RefundAmount, req.Notes, arbiter, nowMs)
	}
	if err != nil {
		s.writeDisputeError(w, err)
		return
	}
	resp := map[string]any{"dispute": d}
	if s.arbiter != nil {
		signed, err := dispute.SignClosed(d, s.arbiter, nowMs)
		if err != nil {
			http.Error(w, "failed to sign decision", http.StatusInternalServerError)
			return
		}
		resp["decision"] = signed
	}
	s.logger.Info("dispute closed", "dispute_id", d.ID, "status", string(d.Status), "outcome", string(d.Outcome))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeDisputeError(w http.ResponseWriter, err error) {
	if reason, ok := settlement.ReasonOf(err); ok {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error(), "reason": string(reason)})
		return
	}
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		http.Error(w, "dispute not found", http.StatusNotFound)
	case errors.Is(err, dispute.ErrNotOpen),
		errors.Is(err, dispute.ErrRefundPending),
		errors.Is(err, dispute.ErrDuplicateID):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispute.ErrInvalidReceipt),
		errors.Is(err, dispute.ErrInvalidOpener),
		errors.Is(err, dispute.ErrInvalidOutcome),
		errors.Is(err, dispute.ErrArbiterRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("dispute operation failed", "error", err)
		http.Error(w, "dispute operation failed", http.StatusBadGateway)
	}
}

func (s *Server) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}
