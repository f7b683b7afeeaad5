package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// SessionKeySize is the AES-256 key length in bytes.
	SessionKeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
)

// ErrAuthentication indicates a GCM tag mismatch: wrong key, wrong IV or
// tampered ciphertext.
var ErrAuthentication = errors.New("crypto: message authentication failed")

// GenerateSessionKey returns a fresh random one-time AES-256 key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
// The returned ciphertext carries the 16-byte tag appended.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV. Any key, IV
// or ciphertext that cannot open fails with ErrAuthentication.
func Decrypt(sessionKey, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrAuthentication)
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce length: got %d want %d", ErrAuthentication, len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
