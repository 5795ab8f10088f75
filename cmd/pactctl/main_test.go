package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pact/core/transcript"
	"pact/core/transcript/transcripttest"
	"pact/crypto"
	"pact/evidence"
	"pact/native/dispute"
)

func writeJSONFile(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func sealed(t *testing.T) transcript.Transcript {
	t.Helper()
	tr, err := transcripttest.NegotiationBuilder(t).Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return tr
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: pactctl") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
	stderr.Reset()
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command: frobnicate") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestVerifyReportsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	good := writeJSONFile(t, dir, "good.json", sealed(t))

	var stdout, stderr bytes.Buffer
	if code := run([]string{"verify", good}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	var res transcript.Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.OK || res.RoundsVerified != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	broken := sealed(t)
	broken.Rounds[1].PreviousRoundHash = strings.Repeat("0", 64)
	path := writeJSONFile(t, dir, "broken.json", broken)
	stdout.Reset()
	if code := run([]string{"verify", path}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for broken chain, got %d", code)
	}
	res = transcript.Result{}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.RoundsVerified != 1 {
		t.Fatalf("verified prefix must survive the break, got %+v", res)
	}
}

func TestJudgeIsByteStable(t *testing.T) {
	path := writeJSONFile(t, t.TempDir(), "t.json", sealed(t))
	var first, second, stderr bytes.Buffer
	if code := run([]string{"judge", path}, &first, &stderr); code != 0 {
		t.Fatalf("judge failed: %s", stderr.String())
	}
	if code := run([]string{"judge", path}, &second, &stderr); code != 0 {
		t.Fatalf("judge failed: %s", stderr.String())
	}
	if first.String() != second.String() {
		t.Fatalf("judgment output not stable")
	}
	if !strings.Contains(first.String(), `"dblDetermination":"NO_FAULT"`) {
		t.Fatalf("unexpected judgment %s", first.String())
	}
}

func TestPackCheckAndChecksums(t *testing.T) {
	dir := t.TempDir()
	if err := evidence.WriteBundle(dir, evidence.Bundle{
		Transcript:   sealed(t),
		Constitution: []byte("# Rules\n"),
	}); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"pack", "check", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("clean pack failed: %d %s", code, stdout.String())
	}

	constitution := filepath.Join(dir, evidence.ConstitutionFile)
	if err := os.WriteFile(constitution, []byte("# Edited rules\n"), 0o644); err != nil {
		t.Fatalf("edit constitution: %v", err)
	}
	stdout.Reset()
	if code := run([]string{"pack", "check", dir}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected tampered exit 2, got %d", code)
	}

	stdout.Reset()
	if code := run([]string{"pack", "checksums", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("checksums failed: %s", stderr.String())
	}
	if code := run([]string{"pack", "check", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("re-checksummed pack should verify, got %d", code)
	}
}

func TestDecisionVerify(t *testing.T) {
	arbiter := transcripttest.Key(0xc1)
	sd, err := dispute.SignDecision(dispute.Decision{
		DisputeID:   "dispute-1",
		ReceiptID:   "receipt-1",
		IntentID:    transcripttest.IntentID,
		Outcome:     dispute.OutcomeNoRefund,
		Arbiter:     "arbiter-1",
		DecidedAtMs: transcripttest.CreatedAtMs,
	}, arbiter, transcripttest.CreatedAtMs)
	if err != nil {
		t.Fatalf("sign decision: %v", err)
	}
	path := writeJSONFile(t, t.TempDir(), "decision.json", sd)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"decision", "verify", "--arbiter", arbiter.PublicKeyB58(), path}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected OK, got %d %s %s", code, stdout.String(), stderr.String())
	}
	stdout.Reset()
	other := transcripttest.Key(0xc2).PublicKeyB58()
	if code := run([]string{"decision", "verify", "--arbiter", other, path}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for foreign arbiter, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "SIGNER_MISMATCH" {
		t.Fatalf("unexpected outcome %q", stdout.String())
	}
}

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "arbiter.key")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"keygen", "--out", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen failed: %s", stderr.String())
	}
	kp, err := crypto.LoadKeyFile(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != kp.PublicKeyB58() {
		t.Fatalf("printed key %q does not match %q", stdout.String(), kp.PublicKeyB58())
	}
	if code := run([]string{"keygen", "--out", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("existing key must not be overwritten without --force")
	}
	if code := run([]string{"keygen", "--out", path, "--force"}, &stdout, &stderr); code != 0 {
		t.Fatalf("--force should overwrite: %s", stderr.String())
	}
}
