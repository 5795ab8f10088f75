package evidence

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pact/core/transcript"
	"pact/native/dbl"
	"pact/native/dispute"
)

// Bundle is what WriteBundle packages.
type Bundle struct {
	Transcript   transcript.Transcript
	Constitution []byte
	Decisions    []*dispute.SignedDecision
}

type summary struct {
	IntentID          string            `json:"intent_id"`
	Determination     dbl.Determination `json:"dbl_determination"`
	Confidence        float64           `json:"confidence"`
	RequiredNextActor string            `json:"required_next_actor"`
	RoundsVerified    int               `json:"rounds_verified"`
	TotalRounds       int               `json:"total_rounds"`
	Recommendation    string            `json:"recommendation"`
}

func summaryOf(intentID string, j dbl.Judgment) summary {
	return summary{
		IntentID:          intentID,
		Determination:     j.DBLDetermination,
		Confidence:        j.Confidence,
		RequiredNextActor: string(j.RequiredNextActor),
		RoundsVerified:    j.RoundsVerified,
		TotalRounds:       j.TotalRounds,
		Recommendation:    j.Recommendation,
	}
}

// WriteBundle writes a complete evidence bundle into dir and finishes with the
// checksums manifest.
func WriteBundle(dir string, b Bundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	judgment := dbl.Judge(b.Transcript)
	transcriptHash, err := transcript.ComputeFinalHash(b.Transcript)
	if err != nil {
		return fmt.Errorf("evidence: hash transcript: %w", err)
	}
	files := map[string]any{
		TranscriptFile: b.Transcript,
		JudgmentFile:   judgment,
		ManifestFile:   manifest{IntentID: b.Transcript.IntentID, TranscriptHash: transcriptHash},
		SummaryFile:    summaryOf(b.Transcript.IntentID, judgment),
	}
	for i, sd := range b.Decisions {
		files[fmt.Sprintf("decisions/%03d-%s.json", i, sd.Decision.DisputeID)] = sd
	}
	for name, v := range files {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("evidence: encode %s: %w", name, err)
		}
		if err := writeFile(dir, name, raw); err != nil {
			return err
		}
	}
	if b.Constitution != nil {
		if err := writeFile(dir, ConstitutionFile, b.Constitution); err != nil {
			return err
		}
	}
	return WriteChecksums(dir)
}

// WriteChecksums writes the "<sha256-hex>  <relative-path>" manifest covering
// every regular file under dir except the manifest itself.
func WriteChecksums(dir string) error {
	var lines []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ChecksumsFile {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		lines = append(lines, sha256Hex(raw)+"  "+rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evidence: checksum walk: %w", err)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i][66:] < lines[j][66:] })
	return os.WriteFile(filepath.Join(dir, ChecksumsFile), []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

func writeFile(dir, name string, raw []byte) error {
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, raw, 0o644)
}
