package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// magic prefixes every sealed payload so encrypted backups are recognised on
// restore.
var magic = []byte("APVAULT1")

const saltSize = 16

var (
	ErrNotSealed       = errors.New("data is not sealed")
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data")
)

// Vault seals data with AES-256-GCM under a passphrase. Each payload gets a
// fresh salt, and the key is derived from passphrase and salt via Argon2id.
type Vault struct {
	passphrase []byte
}

func New(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

func (v *Vault) gcm(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.passphrase, salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Seal returns magic || salt || nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	rest := sealed[len(magic):]
	if len(rest) < saltSize {
		return nil, ErrWrongPassphrase
	}
	salt, rest := rest[:saltSize], rest[saltSize:]

	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the vault header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
