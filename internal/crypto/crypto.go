// Package crypto derives every long-lived secret from the single MASTER_KEY.
// Each purpose gets an independent HKDF-SHA256 output so rotating one
// (by bumping its version) never disturbs the others.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the decoded MASTER_KEY length in bytes.
	MasterKeySize = 32

	// DerivedKeySize is the size of every derived key in bytes (256 bits).
	DerivedKeySize = 32
)

// Purpose labels a derived key for domain separation.
type Purpose string

const (
	PurposeTokenSigning Purpose = "token-signing"
	PurposeDatabase     Purpose = "database"
)

// ParseMasterKey decodes the hex MASTER_KEY.
func ParseMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY is not hex: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("MASTER_KEY must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}

// DeriveKey derives a 32-byte key for purpose from the master key.
// info = purpose + ":v" + version
func DeriveKey(masterKey []byte, purpose Purpose, version int) []byte {
	info := fmt.Sprintf("%s:v%d", purpose, version)

	// Salt is nil; the master key is already uniformly random.
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot run short for a 32-byte read.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// SigningKey returns the Ed25519 key used to sign session tokens and the key
// id advertised in the JWT header.
func SigningKey(masterKey []byte, version int) (ed25519.PrivateKey, string) {
	seed := DeriveKey(masterKey, PurposeTokenSigning, version)
	return ed25519.NewKeyFromSeed(seed), fmt.Sprintf("gh-%d", version)
}

// DatabaseKey returns the SQLCipher raw key for the store.
func DatabaseKey(masterKey []byte, version int) []byte {
	return DeriveKey(masterKey, PurposeDatabase, version)
}
