// Package canonical produces the deterministic byte form used for every hash
// and signature in the protocol. Object keys are sorted at every depth, array
// order is preserved, numbers are written in their shortest form and absent
// fields stay absent (they never collapse into null).
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedValue is returned for values that have no canonical
	// representation (non-finite numbers, channels, functions).
	ErrUnsupportedValue = errors.New("canonical: unsupported value")
	// ErrTrailingData is returned when raw JSON input carries more than one value.
	ErrTrailingData = errors.New("canonical: trailing data after JSON value")
)

// Canonicalize returns the canonical encoding of v. Structs are projected
// through their json tags first, so omitempty fields that are unset are
// absent from the output while explicit nil pointers without omitempty are
// encoded as null.
func Canonicalize(v any) ([]byte, error) {
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON re-encodes an existing JSON document canonically.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest is SHA-256 over the canonical encoding of v.
func Digest(v any) ([32]byte, error) {
	encoded, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}

// DigestHex is Digest rendered as lowercase hex.
func DigestHex(v any) (string, error) {
	sum, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// SHA256Hex hashes raw bytes and returns lowercase hex.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256HexString hashes the UTF-8 bytes of s.
func SHA256HexString(s string) string {
	return SHA256Hex([]byte(s))
}

func toTree(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return decodeTree(raw)
	}
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return decodeTree(raw)
}

func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, ErrTrailingData
	}
	return tree, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encode(buf *bytes.Buffer, node any) error {
	switch typed := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if typed {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encoded, err := marshalNoEscape(typed)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case json.Number:
		formatted, err := formatNumber(typed)
		if err != nil {
			return err
		}
		buf.WriteString(formatted)
	case []any:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := marshalNoEscape(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := encode(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, node)
	}
	return nil
}

// formatNumber renders n in its minimal unambiguous form: integers are
// written without fraction or exponent, everything else uses the shortest
// round-trip representation.
func formatNumber(n json.Number) (string, error) {
	text := n.String()
	if isIntegerLiteral(text) {
		value, ok := new(big.Int).SetString(text, 10)
		if !ok {
			return "", fmt.Errorf("%w: number %q", ErrUnsupportedValue, text)
		}
		return value.String(), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return "", fmt.Errorf("%w: number %q", ErrUnsupportedValue, text)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		if f == 0 {
			return "0", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return trimExponent(strconv.FormatFloat(f, 'e', -1, 64)), nil
}

func isIntegerLiteral(text string) bool {
	if text == "" {
		return false
	}
	start := 0
	if text[0] == '-' {
		start = 1
	}
	if start == len(text) {
		return false
	}
	for i := start; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

// trimExponent rewrites Go's "1e-07" as "1e-7".
func trimExponent(s string) string {
	idx := strings.IndexByte(s, 'e')
	if idx < 0 {
		return s
	}
	mantissa, exp := s[:idx], s[idx+1:]
	sign := ""
	if exp != "" && (exp[0] == '+' || exp[0] == '-') {
		sign, exp = exp[:1], exp[1:]
	}
	exp = strings.TrimLeft(exp, "0")
	if exp == "" {
		exp = "0"
	}
	return mantissa + "e" + sign + exp
}
