package credentials

import (
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor("s3cret")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	ct, err := enc.Encrypt("terminal-pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "terminal-pass" {
		t.Fatalf("plaintext: %q", plain)
	}
}

func TestDecryptWithWrongSecret(t *testing.T) {
	a, _ := NewEncryptor("one")
	b, _ := NewEncryptor("two")
	ct, err := a.Encrypt("pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := b.Decrypt([]byte("short")); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestNewWithoutSecretIsPlain(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plain, err := d.Decrypt([]byte("clear"))
	if err != nil || plain != "clear" {
		t.Fatalf("plain decrypt: %q %v", plain, err)
	}
}
