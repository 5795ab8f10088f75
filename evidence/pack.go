// Package evidence re-verifies a distributed evidence bundle using only its
// bytes: checksums, the transcript hash chain and signatures, and any signed
// dispute decisions. Transcript replay is the shared core/transcript verifier.
package evidence

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"pact/core/envelope"
	"pact/core/transcript"
	"pact/native/dbl"
	"pact/native/dispute"
)

const (
	TranscriptFile   = "transcript.json"
	ManifestFile     = "manifest.json"
	JudgmentFile     = "judgment.json"
	SummaryFile      = "summary.json"
	ChecksumsFile    = "checksums.sha256"
	ConstitutionFile = "constitution.md"
	DecisionsGlob    = "decisions/*.json"
)

// Status is the verdict of one check.
type Status string

const (
	StatusValid       Status = "VALID"
	StatusInvalid     Status = "INVALID"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusMismatch    Status = "MISMATCH"
	StatusAbsent      Status = "ABSENT"
)

// Mismatch is one file or derived view that does not match what was
// recomputed.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the result of Check.
type Report struct {
	Checksums        Status                   `json:"checksums"`
	HashChain        Status                   `json:"hash_chain"`
	Signatures       Status                   `json:"signatures"`
	FinalHash        Status                   `json:"final_hash"`
	Decisions        Status                   `json:"decisions"`
	RoundsVerified   int                      `json:"rounds_verified"`
	TotalRounds      int                      `json:"total_rounds"`
	ConstitutionHash string                   `json:"constitution_hash,omitempty"`
	Mismatches       []Mismatch               `json:"mismatches"`
	ReplayErrors     []transcript.ReplayError `json:"replay_errors,omitempty"`
	Errors           []string                 `json:"errors"`
}

// Tampered reports whether the bundle bytes are provably not what was
// packaged. Container-level findings and derived-view drift never count.
func (r Report) Tampered() bool {
	return r.Checksums == StatusInvalid || r.HashChain == StatusInvalid || r.Signatures == StatusInvalid
}

// Result summarises the report as a single label.
func (r Report) Result() string {
	switch {
	case r.Tampered():
		return "tampered"
	case len(r.Errors) > 0 || len(r.Mismatches) > 0:
		return "warnings"
	default:
		return "ok"
	}
}

// CheckDir checks the bundle rooted at dir.
func CheckDir(dir string) Report {
	return Check(os.DirFS(dir))
}

// Check verifies the bundle in fsys. It never returns an error: every problem
// is recorded in the report.
func Check(fsys fs.FS) Report {
	r := Report{
		Checksums:  StatusUnavailable,
		HashChain:  StatusInvalid,
		Signatures: StatusInvalid,
		FinalHash:  StatusAbsent,
		Decisions:  StatusAbsent,
		Mismatches: []Mismatch{},
		Errors:     []string{},
	}
	r.checkChecksums(fsys)
	t, ok := r.checkTranscript(fsys)
	if ok {
		recomputed := dbl.Judge(t)
		r.checkManifest(fsys, t)
		r.checkJudgment(fsys, recomputed)
		r.checkSummary(fsys, t.IntentID, recomputed)
	}
	r.checkDecisions(fsys)
	if raw, err := fs.ReadFile(fsys, ConstitutionFile); err == nil {
		r.ConstitutionHash = sha256Hex(raw)
	} else {
		r.errorf("%s: %v", ConstitutionFile, err)
	}
	return r
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) checkChecksums(fsys fs.FS) {
	raw, err := fs.ReadFile(fsys, ChecksumsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		r.errorf("%s: %v", ChecksumsFile, err)
		return
	}
	entries, err := ParseChecksums(raw)
	if err != nil {
		r.Checksums = StatusInvalid
		r.errorf("%s: %v", ChecksumsFile, err)
		return
	}
	r.Checksums = StatusValid
	for _, e := range entries {
		content, err := fs.ReadFile(fsys, e.Path)
		if err != nil {
			r.Checksums = StatusInvalid
			r.Mismatches = append(r.Mismatches, Mismatch{Path: e.Path, Expected: e.SHA256Hex, Actual: "missing"})
			continue
		}
		if got := sha256Hex(content); got != e.SHA256Hex {
			r.Checksums = StatusInvalid
			r.Mismatches = append(r.Mismatches, Mismatch{Path: e.Path, Expected: e.SHA256Hex, Actual: got})
		}
	}
}

func (r *Report) checkTranscript(fsys fs.FS) (transcript.Transcript, bool) {
	raw, err := fs.ReadFile(fsys, TranscriptFile)
	if err != nil {
		r.errorf("%s: %v", TranscriptFile, err)
		return transcript.Transcript{}, false
	}
	t, err := transcript.Parse(raw)
	if err != nil {
		r.errorf("%s: %v", TranscriptFile, err)
		return transcript.Transcript{}, false
	}
	res := transcript.Replay(t)
	r.RoundsVerified = res.RoundsVerified
	r.TotalRounds = res.TotalRounds
	r.ReplayErrors = res.Errors
	r.HashChain = StatusValid
	r.Signatures = StatusValid
	if fatal, ok := res.Fatal(); ok {
		switch fatal.Type {
		case transcript.ErrSignatureInvalid, transcript.ErrEnvelopeInvalid:
			r.Signatures = StatusInvalid
		default:
			r.HashChain = StatusInvalid
		}
	}
	if t.FinalHash != "" {
		r.FinalHash = StatusValid
		if res.Has(transcript.ErrFinalHashMismatch) {
			r.FinalHash = StatusMismatch
		}
	}
	return t, true
}

type manifest struct {
	IntentID       string `json:"intent_id"`
	TranscriptHash string `json:"transcript_hash,omitempty"`
}

func (r *Report) checkManifest(fsys fs.FS, t transcript.Transcript) {
	raw, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		r.errorf("%s: %v", ManifestFile, err)
		return
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		r.errorf("%s: %v", ManifestFile, err)
		return
	}
	if m.IntentID != t.IntentID {
		r.Mismatches = append(r.Mismatches, Mismatch{Path: ManifestFile + "#intent_id", Expected: t.IntentID, Actual: m.IntentID})
	}
	if m.TranscriptHash == "" {
		return
	}
	hash, err := transcript.ComputeFinalHash(t)
	if err != nil {
		r.errorf("%s: hash transcript: %v", ManifestFile, err)
		return
	}
	if m.TranscriptHash != hash {
		r.Mismatches = append(r.Mismatches, Mismatch{Path: ManifestFile + "#transcript_hash", Expected: hash, Actual: m.TranscriptHash})
	}
}

// checkJudgment recomputes the judgment from the verified prefix and reports
// drift in the packaged view. Drift is a mismatch, not tampering.
func (r *Report) checkJudgment(fsys fs.FS, recomputed dbl.Judgment) {
	raw, err := fs.ReadFile(fsys, JudgmentFile)
	if err != nil {
		r.errorf("%s: %v", JudgmentFile, err)
		return
	}
	var packaged dbl.Judgment
	if err := json.Unmarshal(raw, &packaged); err != nil {
		r.errorf("%s: %v", JudgmentFile, err)
		return
	}
	if packaged.DBLDetermination != recomputed.DBLDetermination {
		r.Mismatches = append(r.Mismatches, Mismatch{
			Path:     JudgmentFile + "#dblDetermination",
			Expected: string(recomputed.DBLDetermination),
			Actual:   string(packaged.DBLDetermination),
		})
	}
	if packaged.LastValidHash != recomputed.LastValidHash {
		r.Mismatches = append(r.Mismatches, Mismatch{
			Path:     JudgmentFile + "#lastValidHash",
			Expected: recomputed.LastValidHash,
			Actual:   packaged.LastValidHash,
		})
	}
}

// checkSummary compares the human-readable summary with the recomputed
// judgment.
func (r *Report) checkSummary(fsys fs.FS, intentID string, recomputed dbl.Judgment) {
	raw, err := fs.ReadFile(fsys, SummaryFile)
	if err != nil {
		r.errorf("%s: %v", SummaryFile, err)
		return
	}
	var packaged summary
	if err := json.Unmarshal(raw, &packaged); err != nil {
		r.errorf("%s: %v", SummaryFile, err)
		return
	}
	want := summaryOf(intentID, recomputed)
	fields := []struct {
		name           string
		expect, actual string
	}{
		{"intent_id", want.IntentID, packaged.IntentID},
		{"dbl_determination", string(want.Determination), string(packaged.Determination)},
		{"confidence", formatConfidence(want.Confidence), formatConfidence(packaged.Confidence)},
		{"required_next_actor", want.RequiredNextActor, packaged.RequiredNextActor},
		{"rounds_verified", strconv.Itoa(want.RoundsVerified), strconv.Itoa(packaged.RoundsVerified)},
		{"total_rounds", strconv.Itoa(want.TotalRounds), strconv.Itoa(packaged.TotalRounds)},
	}
	for _, f := range fields {
		if f.expect != f.actual {
			r.Mismatches = append(r.Mismatches, Mismatch{Path: SummaryFile + "#" + f.name, Expected: f.expect, Actual: f.actual})
		}
	}
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func (r *Report) checkDecisions(fsys fs.FS) {
	paths, err := fs.Glob(fsys, DecisionsGlob)
	if err != nil || len(paths) == 0 {
		return
	}
	r.Decisions = StatusValid
	for _, p := range paths {
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			r.Decisions = StatusInvalid
			r.errorf("%s: %v", p, err)
			continue
		}
		var sd dispute.SignedDecision
		if err := json.Unmarshal(raw, &sd); err != nil {
			r.Decisions = StatusInvalid
			r.errorf("%s: %v", p, err)
			continue
		}
		if outcome := dispute.VerifyDecision(&sd); outcome != envelope.OutcomeOK {
			r.Decisions = StatusInvalid
			r.errorf("%s: decision signature %s", p, outcome)
		}
	}
}

// ChecksumEntry is one line of the checksums manifest.
type ChecksumEntry struct {
	SHA256Hex string
	Path      string
}

// ParseChecksums parses "<sha256-hex>  <relative-path>" lines. Blank lines are
// skipped.
func ParseChecksums(raw []byte) ([]ChecksumEntry, error) {
	var entries []ChecksumEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		sum, rel, ok := strings.Cut(text, "  ")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"<sha256>  <path>\"", line)
		}
		sum = strings.ToLower(strings.TrimSpace(sum))
		if decoded, err := hex.DecodeString(sum); err != nil || len(decoded) != sha256.Size {
			return nil, fmt.Errorf("line %d: invalid sha256 %q", line, sum)
		}
		rel = path.Clean(strings.TrimPrefix(strings.TrimSpace(rel), "./"))
		if !fs.ValidPath(rel) {
			return nil, fmt.Errorf("line %d: invalid path %q", line, rel)
		}
		entries = append(entries, ChecksumEntry{SHA256Hex: sum, Path: rel})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
