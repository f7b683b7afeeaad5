package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrUnwrap indicates a wrapped key could not be recovered with the local
// private key.
var ErrUnwrap = errors.New("crypto: unwrap session key failed")

// WrapKey encrypts a session key for one recipient with RSA-OAEP (SHA-256).
func WrapKey(sessionKey []byte, recipient *rsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("recipient public key is required")
	}
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a session key wrapped by WrapKey.
//
// Android keystore clients pad with MGF1-SHA1 under a SHA-256 digest, so a
// blob that fails MGF1-SHA256 is retried with the legacy mask function.
func UnwrapKey(wrapped []byte, private *rsa.PrivateKey) ([]byte, error) {
	if private == nil {
		return nil, errors.New("private key is required")
	}

	for _, mgf := range []stdcrypto.Hash{stdcrypto.SHA256, stdcrypto.SHA1} {
		key, err := private.Decrypt(nil, wrapped, &rsa.OAEPOptions{Hash: stdcrypto.SHA256, MGFHash: mgf})
		if err == nil && len(key) == SessionKeySize {
			return key, nil
		}
	}
	return nil, ErrUnwrap
}

// WrapKeyBase64 is WrapKey with the envelope encoding used on the wire.
func WrapKeyBase64(sessionKey []byte, recipient *rsa.PublicKey) (string, error) {
	wrapped, err := WrapKey(sessionKey, recipient)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKeyBase64 decodes a wire envelope and unwraps it.
func UnwrapKeyBase64(encKey string, private *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil {
		return nil, ErrUnwrap
	}
	return UnwrapKey(wrapped, private)
}
