package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Column-level envelope encryption.
//
// The pure-Go sqlite driver has no whole-file encryption, so the store seals
// every user-content column with ChaCha20-Poly1305 instead: each stored BLOB
// is nonce || ciphertext under a key derived from the store-scoped secret.
// Key columns and the last_used_at timestamp stay plaintext — they are needed
// for primary keys, foreign keys, and ORDER BY.

// deriveKey expands the store passphrase into the column encryption key via
// HKDF-SHA256. The info string domain-separates this key from anything else
// derived from the same secret.
func deriveKey(passphrase []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, passphrase, nil, []byte("identity-vault/column-encryption/v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("store: deriving encryption key: %w", err)
	}
	return key, nil
}

// boxer seals and opens column values with one AEAD instance.
type boxer struct {
	aead cipher.AEAD
}

func newBoxer(key []byte) (*boxer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("store: initializing cipher: %w", err)
	}
	return &boxer{aead: aead}, nil
}

// seal encrypts a column value. A fresh random nonce is prepended so the
// same plaintext never produces the same BLOB twice.
func (b *boxer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: generating nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a column value sealed by seal.
func (b *boxer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, fmt.Errorf("store: sealed value too short")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening sealed value: %w", err)
	}
	return plaintext, nil
}

// sealString / openString are the common case: TEXT columns stored sealed.
func (b *boxer) sealString(s string) ([]byte, error) {
	return b.seal([]byte(s))
}

func (b *boxer) openString(sealed []byte) (string, error) {
	plaintext, err := b.open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// sealJSON / openJSON round-trip a document through JSON inside the
// envelope. Used for the preferences and alert blobs, which must round-trip
// exactly through their serialization format.
func (b *boxer) sealJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encoding document: %w", err)
	}
	return b.seal(raw)
}

func (b *boxer) openJSON(sealed []byte, v any) error {
	raw, err := b.open(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decoding document: %w", err)
	}
	return nil
}
