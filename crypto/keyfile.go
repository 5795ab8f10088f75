package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const keyFileVersion = "pact-key/1"

type keyFile struct {
	Version      string `json:"version"`
	PublicKeyB58 string `json:"public_key_b58"`
	SeedB58      string `json:"seed_b58"`
}

// SaveKeyFile writes the key pair to path with 0600 permissions. If the
// parent directory does not exist it will be created with 0700 permissions.
func SaveKeyFile(path string, kp *KeyPair) error {
	if kp == nil {
		return errors.New("crypto: nil key pair")
	}
	if path == "" {
		return errors.New("crypto: empty key file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(keyFile{
		Version:      keyFileVersion,
		PublicKeyB58: kp.PublicKeyB58(),
		SeedB58:      EncodeB58(kp.Seed()),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadKeyFile reads a key file written by SaveKeyFile and checks that the
// stored public key matches the seed.
func LoadKeyFile(path string) (*KeyPair, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored keyFile
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if stored.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %q", stored.Version)
	}
	seed, err := DecodeB58(stored.SeedB58)
	if err != nil {
		return nil, err
	}
	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kp.PublicKeyB58() != stored.PublicKeyB58 {
		return nil, errors.New("crypto: key file public key does not match seed")
	}
	return kp, nil
}
