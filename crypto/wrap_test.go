package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKeys    []*rsa.PrivateKey
)

// testPrivateKey hands out cached keys; 2048-bit generation is slow.
func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	return testPrivateKeys(t)[0]
}

func testPrivateKeys(t *testing.T) []*rsa.PrivateKey {
	t.Helper()

	testKeyOnce.Do(func() {
		for i := 0; i < 2; i++ {
			key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, key)
		}
	})
	return testKeys
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	private := testPrivateKey(t)
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey failed: %v", err)
	}

	encKey, err := WrapKeyBase64(sessionKey, &private.PublicKey)
	if err != nil {
		t.Fatalf("WrapKeyBase64 failed: %v", err)
	}

	unwrapped, err := UnwrapKeyBase64(encKey, private)
	if err != nil {
		t.Fatalf("UnwrapKeyBase64 failed: %v", err)
	}
	if !bytes.Equal(sessionKey, unwrapped) {
		t.Fatalf("unwrapped key does not match session key")
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	keys := testPrivateKeys(t)
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey failed: %v", err)
	}

	wrapped, err := WrapKey(sessionKey, &keys[0].PublicKey)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if _, err := UnwrapKey(wrapped, keys[1]); !errors.Is(err, ErrUnwrap) {
		t.Fatalf("expected ErrUnwrap, got %v", err)
	}
	if _, err := UnwrapKeyBase64("%%%", keys[0]); !errors.Is(err, ErrUnwrap) {
		t.Fatalf("expected ErrUnwrap for bad encoding, got %v", err)
	}
}

func TestHybridRoundTripPerRecipient(t *testing.T) {
	keys := testPrivateKeys(t)
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey failed: %v", err)
	}
	ciphertext, iv, err := Encrypt(sessionKey, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	for i, key := range keys {
		encKey, err := WrapKeyBase64(sessionKey, &key.PublicKey)
		if err != nil {
			t.Fatalf("wrap for recipient %d failed: %v", i, err)
		}
		recovered, err := UnwrapKeyBase64(encKey, key)
		if err != nil {
			t.Fatalf("unwrap for recipient %d failed: %v", i, err)
		}
		plaintext, err := Decrypt(recovered, iv, ciphertext)
		if err != nil {
			t.Fatalf("decrypt for recipient %d failed: %v", i, err)
		}
		if string(plaintext) != "hello" {
			t.Fatalf("recipient %d got %q", i, plaintext)
		}
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("correct horse", PhraseCost)
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	if !CompareSecret(hash, "correct horse") {
		t.Fatalf("expected secret to match hash")
	}
	if CompareSecret(hash, "wrong horse") {
		t.Fatalf("expected mismatch for wrong secret")
	}
	if _, err := HashSecret("", PhraseCost); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
