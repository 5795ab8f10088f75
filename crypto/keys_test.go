package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestKeyPairRoundTripB58(t *testing.T) {
	kp := MustKeyPairFromSeed(bytes.Repeat([]byte{0x07}, 32))
	pub, err := PublicKeyFromB58(kp.PublicKeyB58())
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if !bytes.Equal(pub, kp.Public) {
		t.Fatalf("public key mismatch")
	}
	msg := []byte("digest")
	sig := EncodeB58(kp.Sign(msg))
	if !VerifyB58(kp.PublicKeyB58(), msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifyB58(kp.PublicKeyB58(), []byte("other"), sig) {
		t.Fatalf("signature must not verify for different message")
	}
}

func TestVerifyB58RejectsMalformedInput(t *testing.T) {
	kp := MustKeyPairFromSeed(bytes.Repeat([]byte{0x01}, 32))
	sig := EncodeB58(kp.Sign([]byte("m")))
	cases := []struct {
		name string
		pub  string
		sig  string
	}{
		{"empty key", "", sig},
		{"bad alphabet", "0OIl", sig},
		{"short key", EncodeB58([]byte{1, 2, 3}), sig},
		{"short signature", kp.PublicKeyB58(), EncodeB58([]byte{1, 2, 3})},
		{"empty signature", kp.PublicKeyB58(), ""},
	}
	for _, tc := range cases {
		if VerifyB58(tc.pub, []byte("m"), tc.sig) {
			t.Fatalf("%s: expected verification failure", tc.name)
		}
	}
}

func TestKeyPairFromSeedRejectsWrongLength(t *testing.T) {
	if _, err := KeyPairFromSeed([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for short seed")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "buyer.key")
	kp, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveKeyFile(path, kp); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PublicKeyB58() != kp.PublicKeyB58() {
		t.Fatalf("loaded key mismatch")
	}
}
