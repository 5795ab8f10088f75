package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"pact/core/envelope"
	"pact/core/transcript"
	"pact/crypto"
	"pact/evidence"
	"pact/native/dbl"
	"pact/native/dispute"
)

var keyEntropy io.Reader = rand.Reader

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "judge":
		return runJudge(args[1:], stdout, stderr)
	case "pack":
		return runPack(args[1:], stdout, stderr)
	case "decision":
		return runDecision(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: pactctl <command> [flags]",
		"",
		"Commands:",
		"  verify <transcript.json>              replay a transcript and report the verified prefix",
		"  judge <transcript.json>               print the canonical blame judgment",
		"  pack check <dir>                      verify an evidence bundle",
		"  pack checksums <dir>                  write the checksums manifest for a bundle",
		"  decision verify [--arbiter key] <f>   verify an arbiter-signed decision",
		"  keygen --out <path>                   generate an ed25519 key file",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func readTranscript(path string) (transcript.Transcript, error) {
	if path == "-" {
		return transcript.Read(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return transcript.Transcript{}, err
	}
	defer f.Close()
	return transcript.Read(f)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVerify exits 2 when replay stopped on a fatal error so scripts can tell
// a broken chain from a usage error.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: pactctl verify <transcript.json>")
		return 1
	}
	t, err := readTranscript(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	res := transcript.Replay(t)
	if err := printJSON(stdout, res); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, fatal := res.Fatal(); fatal {
		return 2
	}
	return 0
}

func runJudge(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("judge", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: pactctl judge <transcript.json>")
		return 1
	}
	t, err := readTranscript(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	raw, err := dbl.Judge(t).Canonical()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

func runPack(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: pactctl pack <check|checksums> <dir>")
		return 1
	}
	dir := args[1]
	switch args[0] {
	case "check":
		report := evidence.CheckDir(dir)
		if err := printJSON(stdout, report); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if report.Tampered() {
			return 2
		}
		return 0
	case "checksums":
		if err := evidence.WriteChecksums(dir); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s/%s\n", strings.TrimRight(dir, "/"), evidence.ChecksumsFile)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown pack subcommand: %s\n", args[0])
		return 1
	}
}

func runDecision(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprintln(stderr, "Usage: pactctl decision verify [--arbiter key] <decision.json>")
		return 1
	}
	fs := newFlagSet("decision verify", stderr)
	arbiter := fs.String("arbiter", "", "Expected arbiter public key (base58)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: pactctl decision verify [--arbiter key] <decision.json>")
		return 1
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var sd dispute.SignedDecision
	if err := json.Unmarshal(raw, &sd); err != nil {
		fmt.Fprintf(stderr, "Error: decode decision: %v\n", err)
		return 1
	}
	outcome := dispute.VerifyDecision(&sd)
	if key := strings.TrimSpace(*arbiter); key != "" {
		outcome = dispute.VerifyDecisionFrom(&sd, key)
	}
	fmt.Fprintln(stdout, outcome)
	if outcome != envelope.OutcomeOK {
		return 2
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "Output path for the key file")
	force := fs.Bool("force", false, "Overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		return 1
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s already exists (use --force to overwrite)\n", path)
		return 1
	}
	kp, err := crypto.GenerateKeyPair(keyEntropy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveKeyFile(path, kp); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, kp.PublicKeyB58())
	return 0
}
