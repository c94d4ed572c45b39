// Package vault encrypts provider secrets and the license cache at rest.
//
// Two formats are produced. "enc:v1:" values are deterministic: the GCM nonce
// is derived from the plaintext and embedded in the output, so identical
// secrets encrypt identically and decrypt with the derived key alone.
// "enc:r1:" values carry a random nonce prefix and are used for records that
// must not be linkable across writes.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	deterministicPrefix = "enc:v1:"
	randomPrefix        = "enc:r1:"
	hkdfSalt            = "mediavault-credential-vault"
	maskCharacter       = "*"
)

var (
	// ErrUnavailable is returned when the vault has no usable cipher.
	ErrUnavailable = errors.New("vault: cipher unavailable")
	// ErrMissingSecret indicates an empty host secret.
	ErrMissingSecret = errors.New("vault: host secret required")
	// ErrMalformed indicates input that is not a vault ciphertext.
	ErrMalformed = errors.New("vault: malformed ciphertext")
	// ErrDecrypt indicates authentication failure during decryption.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault is safe for concurrent use.
type Vault struct {
	aead   cipher.AEAD
	sivKey []byte
}

// New derives the vault keys from a stable host secret.
func New(secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	encKey, err := derive(secret, "encryption")
	if err != nil {
		return nil, err
	}
	sivKey, err := derive(secret, "synthetic-iv")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Vault{aead: aead, sivKey: sivKey}, nil
}

func derive(secret []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrUnavailable, err)
	}
	return key, nil
}

func (v *Vault) ready() error {
	if v == nil || v.aead == nil || len(v.sivKey) == 0 {
		return ErrUnavailable
	}
	return nil
}

// Encrypt produces the deterministic form used for stored provider credentials.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if err := v.ready(); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.sivKey)
	mac.Write([]byte(plaintext))
	nonce := mac.Sum(nil)[:v.aead.NonceSize()]
	sealed := v.aead.Seal(append([]byte(nil), nonce...), nonce, []byte(plaintext), []byte(deterministicPrefix))
	return deterministicPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if err := v.ready(); err != nil {
		return "", err
	}
	return v.open(ciphertext, deterministicPrefix)
}

// Seal encrypts with a fresh random nonce prefixed to the ciphertext.
func (v *Vault) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if err := v.ready(); err != nil {
		return "", err
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrUnavailable, err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(randomPrefix))
	return randomPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (v *Vault) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if err := v.ready(); err != nil {
		return "", err
	}
	return v.open(ciphertext, randomPrefix)
}

func (v *Vault) open(stored, prefix string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return "", ErrMalformed
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}
	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(prefix))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Mask reveals at most visible trailing characters. Values no longer than
// visible become a fixed-width mask so short secrets are never shown.
func Mask(plaintext string, visible int) string {
	if visible <= 0 {
		visible = 4
	}
	runes := []rune(plaintext)
	if len(runes) <= visible {
		return strings.Repeat(maskCharacter, visible)
	}
	return strings.Repeat(maskCharacter, len(runes)-visible) + string(runes[len(runes)-visible:])
}

// EchoesMask reports whether input is exactly the masked form of stored, as
// sent back by a form that was never edited.
func EchoesMask(input, stored string, visible int) bool {
	return stored != "" && input == Mask(stored, visible)
}
