package encryption

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"disposisi-go/internal/config"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	return NewAgeEncryptor(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "disposisi.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "disposisi.key"),
	})
}

func TestAgeEncryptor_IsConfigured(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if e.IsConfigured() {
		t.Errorf("IsConfigured() = true before Setup, want false")
	}

	if err := e.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Errorf("IsConfigured() = false after Setup, want true")
	}
}

func TestAgeEncryptor_EncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"simple text", []byte("hello, world")},
		{"empty", []byte{}},
		{"binary data", []byte{0x00, 0xff, 0x1b, 0x7f, 0x00, 0x42}},
		{"large data", bytes.Repeat([]byte("disposisi "), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ciphertext bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &ciphertext); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(ciphertext.Bytes(), tt.input) {
				t.Errorf("ciphertext contains plaintext")
			}

			dctx, err := e.Unlock("test-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}

			var plaintext bytes.Buffer
			if err := dctx.Decrypt(&ciphertext, &plaintext); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plaintext.Bytes(), tt.input) {
				t.Errorf("round-trip = %d bytes, want %d bytes matching input", plaintext.Len(), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_WrongPassphrase(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("correct-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, err := e.Unlock("wrong-passphrase")
	if err == nil {
		t.Fatalf("Unlock(wrong passphrase) = nil, want error")
	}
	if !strings.Contains(err.Error(), "incorrect passphrase") {
		t.Errorf("Unlock() error = %v, want mention of incorrect passphrase", err)
	}
}

func TestAgeEncryptor_UnlockWithoutSetup(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if _, err := e.Unlock("anything"); err == nil {
		t.Errorf("Unlock() without key files = nil, want error")
	}
}
