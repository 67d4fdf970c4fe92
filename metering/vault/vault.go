// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package vault is the encryption boundary for tenant-supplied provider
// credentials. Credentials are sealed with AES-256-GCM under a single master
// key held outside the data store; plaintext exists only transiently in
// memory while a provider call is in flight and never reaches logs, error
// messages, or usage events.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const keySize = 32 // AES-256

// gcmTagSize is the length of the GCM authentication tag appended by Seal.
const gcmTagSize = 16

var (
	// ErrDecryptionFailure is returned when a blob fails its authentication
	// check: tampered ciphertext, tampered tag, or a key mismatch. No
	// partial plaintext is ever returned. Occurrences flag the credential
	// for rotation review.
	ErrDecryptionFailure = errors.New("credential decryption failure")

	// ErrInvalidKey is returned when the master key is not 32 bytes.
	ErrInvalidKey = errors.New("master key must be exactly 32 bytes for AES-256")
)

// Blob is an encrypted credential at rest: initialization vector,
// authentication tag, and ciphertext, stored as a JSON document.
type Blob struct {
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"tag"`
	Ciphertext []byte `json:"data"`
}

// Marshal serializes the blob for column storage.
func (b *Blob) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// ParseBlob deserializes a stored blob.
func ParseBlob(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("vault: malformed credential blob: %w", err)
	}
	return &b, nil
}

// Vault seals and opens credential blobs under the master key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to initialize GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into a blob with a random nonce per call.
func (v *Vault) Encrypt(plaintext []byte) (*Blob, error) {
	iv := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)

	// Seal appends the auth tag to the ciphertext; store the two separately
	// so the at-rest format is explicit about what is integrity-protected.
	split := len(sealed) - gcmTagSize
	return &Blob{
		IV:         iv,
		AuthTag:    sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Decrypt opens a blob. Any integrity failure yields ErrDecryptionFailure;
// garbage is never returned.
func (v *Vault) Decrypt(b *Blob) ([]byte, error) {
	if b == nil || len(b.IV) != v.aead.NonceSize() || len(b.AuthTag) != gcmTagSize {
		return nil, ErrDecryptionFailure
	}

	sealed := make([]byte, 0, len(b.Ciphertext)+len(b.AuthTag))
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.AuthTag...)

	plaintext, err := v.aead.Open(nil, b.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}
