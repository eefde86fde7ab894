// Package credentials turns the opaque password material stored with each
// device into the plaintext secret the terminal client needs.
//
// Ciphertext layout is nonce || sealed, sealed with AES-256-GCM under a key
// derived from the configured secret with HKDF-SHA256.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySalt   = "attendsync-terminal-credentials"
	keyInfo   = "terminal-credential-v1"
	keySize   = 32
	nonceSize = 12
)

var (
	ErrEmptySecret        = errors.New("credential secret cannot be empty")
	ErrEmptyPlaintext     = errors.New("plaintext cannot be empty")
	ErrEmptyCiphertext    = errors.New("ciphertext cannot be empty")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// Decryptor is the collaborator the subscription manager consumes.
type Decryptor interface {
	Decrypt(ciphertext []byte) (string, error)
}

type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, ErrEmptyPlaintext
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", ErrEmptyCiphertext
	}
	if len(ciphertext) < nonceSize+1+e.aead.Overhead() {
		return "", ErrCiphertextTooShort
	}
	plain, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// EncryptString is the form written into config files.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	data, err := e.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Plain passes stored bytes through unchanged. Used when no secret is
// configured and device passwords are kept in clear.
type Plain struct{}

func (Plain) Decrypt(ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

// New picks the decryptor matching the configured secret.
func New(secret string) (Decryptor, error) {
	if secret == "" {
		return Plain{}, nil
	}
	return NewEncryptor(secret)
}
