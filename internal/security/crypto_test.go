package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateRandom(KeySize)
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, plaintext := range tests {
		blob, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := enc.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
		}
	}
}

func TestDecryptTamperedReturnsIntegrityError(t *testing.T) {
	key, _ := GenerateRandom(KeySize)
	enc, _ := NewEncryptor(key)

	blob, err := enc.Encrypt([]byte("sensitive payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip one ciphertext byte
	blob[len(blob)-1] ^= 0xFF
	if _, err := enc.Decrypt(blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("tampered decrypt error = %v, want ErrIntegrity", err)
	}

	// Truncated blob
	if _, err := enc.Decrypt(blob[:4]); !errors.Is(err, ErrIntegrity) {
		t.Errorf("truncated decrypt error = %v, want ErrIntegrity", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	k1, _ := GenerateRandom(KeySize)
	k2, _ := GenerateRandom(KeySize)
	e1, _ := NewEncryptor(k1)
	e2, _ := NewEncryptor(k2)

	blob, _ := e1.Encrypt([]byte("payload"))
	if _, err := e2.Decrypt(blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("wrong-key decrypt error = %v, want ErrIntegrity", err)
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	key1, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key1) != KeySize {
		t.Fatalf("key size = %d, want %d", len(key1), KeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions = %o, want 0600", perm)
	}

	// Second load returns the same key
	key2, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("reloaded key differs from generated key")
	}
}

func TestDeriveSubkeyDomainSeparation(t *testing.T) {
	key, _ := GenerateRandom(KeySize)
	enc, _ := NewEncryptor(key)

	a, err := enc.DeriveSubkey("audit-hmac", 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	b, err := enc.DeriveSubkey("store", 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("subkeys with different labels must differ")
	}

	// Deterministic for the same label
	a2, _ := enc.DeriveSubkey("audit-hmac", 32)
	if !bytes.Equal(a, a2) {
		t.Error("subkey derivation is not deterministic")
	}
}

func TestDeriveEncryptorDomainSeparation(t *testing.T) {
	key, _ := GenerateRandom(KeySize)
	master, _ := NewEncryptor(key)

	auditEnc, err := master.DeriveEncryptor("audit")
	if err != nil {
		t.Fatalf("DeriveEncryptor: %v", err)
	}
	profileEnc, err := master.DeriveEncryptor("profiles")
	if err != nil {
		t.Fatalf("DeriveEncryptor: %v", err)
	}

	blob, err := auditEnc.Encrypt([]byte("attempt record"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A blob sealed for one domain must not open under another, nor
	// under the master key itself.
	if _, err := profileEnc.Decrypt(blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("cross-domain Decrypt error = %v, want ErrIntegrity", err)
	}
	if _, err := master.Decrypt(blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("master Decrypt error = %v, want ErrIntegrity", err)
	}

	// The same label yields an equivalent encryptor after a restart.
	again, err := master.DeriveEncryptor("audit")
	if err != nil {
		t.Fatalf("DeriveEncryptor: %v", err)
	}
	got, err := again.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "attempt record" {
		t.Errorf("Decrypt = %q, want %q", got, "attempt record")
	}
}

func TestDeriveFromPassword(t *testing.T) {
	key1, salt, err := DeriveFromPassword("correct horse battery staple", nil, 10000)
	if err != nil {
		t.Fatalf("DeriveFromPassword: %v", err)
	}
	if len(key1) != KeySize || len(salt) != SaltSize {
		t.Fatalf("key/salt sizes = %d/%d, want %d/%d", len(key1), len(salt), KeySize, SaltSize)
	}

	// Same password + salt -> same key
	key2, _, err := DeriveFromPassword("correct horse battery staple", salt, 10000)
	if err != nil {
		t.Fatalf("DeriveFromPassword: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("derivation with same salt is not deterministic")
	}

	// Different password -> different key
	key3, _, _ := DeriveFromPassword("wrong password", salt, 10000)
	if bytes.Equal(key1, key3) {
		t.Error("different passwords produced the same key")
	}
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{nil, nil, true},
	}
	for _, tt := range tests {
		if got := SecureCompare(tt.a, tt.b); got != tt.equal {
			t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

func TestWipe(t *testing.T) {
	data := []byte("secret material")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
	Wipe(nil)
}
