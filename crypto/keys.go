package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var (
	// ErrInvalidEncoding is returned when a base58 string does not decode.
	ErrInvalidEncoding = errors.New("crypto: invalid base58 encoding")
	// ErrInvalidKeyLength is returned when decoded key material has the wrong size.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
)

// KeyPair is an Ed25519 signing identity. The public half is what appears on
// the wire as signer_public_key_b58.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair draws a new key pair from r. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed derives the key pair for a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed has %d bytes, want %d", ErrInvalidKeyLength, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// MustKeyPairFromSeed is KeyPairFromSeed for fixtures with known-good seeds.
func MustKeyPairFromSeed(seed []byte) *KeyPair {
	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		panic(err)
	}
	return kp
}

// PublicKeyB58 returns the base58 form of the public key.
func (k *KeyPair) PublicKeyB58() string {
	if k == nil {
		return ""
	}
	return EncodeB58(k.Public)
}

// Sign signs msg with the private key.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Seed returns the 32-byte seed of the private key.
func (k *KeyPair) Seed() []byte {
	return k.Private.Seed()
}

// EncodeB58 encodes raw bytes using the Bitcoin base58 alphabet.
func EncodeB58(b []byte) string {
	return base58.Encode(b)
}

// DecodeB58 decodes a base58 string. Empty or invalid input is an error.
func DecodeB58(s string) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, ErrInvalidEncoding
	}
	decoded := base58.Decode(trimmed)
	if len(decoded) == 0 {
		return nil, ErrInvalidEncoding
	}
	return decoded, nil
}

// PublicKeyFromB58 decodes and length-checks an Ed25519 public key.
func PublicKeyFromB58(s string) (ed25519.PublicKey, error) {
	decoded, err := DecodeB58(s)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has %d bytes", ErrInvalidKeyLength, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// SignatureFromB58 decodes and length-checks an Ed25519 signature.
func SignatureFromB58(s string) ([]byte, error) {
	decoded, err := DecodeB58(s)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature has %d bytes", ErrInvalidKeyLength, len(decoded))
	}
	return decoded, nil
}

// VerifyB58 checks a base58 signature over msg against a base58 public key.
// Malformed input reports false rather than an error.
func VerifyB58(publicKeyB58 string, msg []byte, signatureB58 string) bool {
	pub, err := PublicKeyFromB58(publicKeyB58)
	if err != nil {
		return false
	}
	sig, err := SignatureFromB58(signatureB58)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
