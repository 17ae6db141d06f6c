// Package security provides the cryptographic primitives for biolock:
// authenticated symmetric encryption of biometric payloads, key lifecycle
// management, and password-based key derivation.
//
// Security model:
//  1. One master key per installation, stored with owner-only permissions
//  2. Subkeys derived via HKDF with domain separation labels
//  3. All ciphertexts are AES-256-GCM with a random nonce prefix
//  4. Authentication failures surface as ErrIntegrity, never as empty data
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Cryptographic errors
var (
	ErrIntegrity           = errors.New("security: ciphertext integrity check failed")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

// SaltSize is the salt size for password-based derivation.
const SaltSize = 16

// GenerateRandom returns n cryptographically secure random bytes.
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return b, nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites sensitive data with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// LoadOrGenerateKey loads the master key from path, generating and
// persisting a fresh key with owner-only permissions if none exists.
func LoadOrGenerateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key file is %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err = GenerateRandom(KeySize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// Encryptor performs authenticated encryption with a fixed master key.
type Encryptor struct {
	aead cipher.AEAD
	key  []byte
}

// NewEncryptor creates an Encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Encryptor{aead: aead, key: k}, nil
}

// NewEncryptorFromFile loads or generates the master key at path and
// returns an Encryptor bound to it.
func NewEncryptorFromFile(path string) (*Encryptor, error) {
	key, err := LoadOrGenerateKey(path)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := GenerateRandom(e.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce||ciphertext. A mismatched authentication tag or a
// truncated blob returns ErrIntegrity so callers can flag tampering.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(blob) < ns+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrIntegrity)
	}
	plaintext, err := e.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// DeriveSubkey derives a labeled subkey from the master key using
// HKDF-SHA256. Labels provide domain separation so subkeys cannot be
// confused across uses (audit HMAC vs. storage vs. transport).
func (e *Encryptor) DeriveSubkey(label string, size int) ([]byte, error) {
	if size < 16 {
		return nil, fmt.Errorf("%w: minimum 16 bytes", ErrInvalidKeySize)
	}
	reader := hkdf.New(sha256.New, e.key, nil, []byte("biolock:"+label))
	sub := make([]byte, size)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return sub, nil
}

// DeriveEncryptor returns an encryptor keyed by a labeled subkey of the
// master key. Each storage domain gets its own label so a blob sealed
// for one domain cannot be opened under another.
func (e *Encryptor) DeriveEncryptor(label string) (*Encryptor, error) {
	sub, err := e.DeriveSubkey(label, KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(sub)
	return NewEncryptor(sub)
}

// DeriveFromPassword derives a 32-byte key from a password using
// PBKDF2-HMAC-SHA256. When salt is nil a fresh random salt is generated;
// the salt in use is returned alongside the key.
func DeriveFromPassword(password string, salt []byte, iterations int) (key, usedSalt []byte, err error) {
	if salt == nil {
		salt, err = GenerateRandom(SaltSize)
		if err != nil {
			return nil, nil, err
		}
	}
	if iterations < 1 {
		iterations = 1
	}
	key = pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
	return key, salt, nil
}
