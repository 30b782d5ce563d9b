package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a sealed blob cannot be opened: wrong key,
// truncated data, or tampered ciphertext. Callers use it to distinguish
// "credential unreadable" from "no credential stored".
var ErrDecrypt = errors.New("sealed blob cannot be decrypted")

// blobVersion is prepended to every sealed blob and authenticated as
// AAD, so a version flip fails authentication instead of decoding
// garbage.
const blobVersion byte = 0x01

// overhead is the total per-blob byte overhead:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfo provides domain separation for the key derivation. Changing
// it invalidates every previously sealed blob.
var hkdfInfo = []byte("tgvault.session.v1")

// Sealer performs authenticated encryption of the session credential
// blob. The key is derived once from the process secret and is never
// persisted.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key from the process secret via
// HKDF-SHA256. The secret must be non-empty.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext and returns a blob in the format:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, overhead+len(plaintext))
	out[0] = blobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, []byte{blobVersion}), nil
}

// Open decrypts a blob produced by Seal. Any failure (short blob,
// unknown version, failed authentication) returns an error wrapping
// ErrDecrypt.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < overhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecrypt, len(blob), overhead)
	}
	version := blob[0]
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecrypt, version)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{version})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
