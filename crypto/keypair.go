package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	// RSAKeyBits is the modulus size of device identity keys.
	RSAKeyBits = 2048

	rsaPrivatePEMType = "RSA PRIVATE KEY"
	rsaPublicPEMType  = "PUBLIC KEY"
)

// EnsureRSAKeyPair loads the device RSA keypair from disk, generating it on first run.
func EnsureRSAKeyPair(privatePath, publicPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := LoadRSAPrivateKey(privatePath)
	if err == nil {
		publicKey := &privateKey.PublicKey

		storedPublic, pubErr := LoadRSAPublicKey(publicPath)
		if pubErr != nil || !publicKeysEqual(storedPublic, publicKey) {
			if err := SaveRSAPublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}

		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	privateKey, err = rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA keypair: %w", err)
	}

	if err := SaveRSAPrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := SaveRSAPublicKey(publicPath, &privateKey.PublicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, &privateKey.PublicKey, nil
}

// LoadRSAPrivateKey loads a PKCS#1 RSA private key from a PEM file.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA private PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA private PEM: unexpected type %q", block.Type)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	return key, nil
}

// LoadRSAPublicKey loads a SubjectPublicKeyInfo RSA public key from a PEM file.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA public key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA public PEM: no PEM block")
	}
	if block.Type != rsaPublicPEMType {
		return nil, fmt.Errorf("decode RSA public PEM: unexpected type %q", block.Type)
	}

	return parsePublicKeyDER(block.Bytes)
}

// SaveRSAPrivateKey writes an RSA private key PEM file with 0600 permissions.
func SaveRSAPrivateKey(path string, key *rsa.PrivateKey) error {
	if key == nil {
		return errors.New("save RSA private key: key is required")
	}

	block := &pem.Block{
		Type:  rsaPrivatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}

	return nil
}

// SaveRSAPublicKey writes an RSA public key PEM file.
func SaveRSAPublicKey(path string, key *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("save RSA public key: %w", err)
	}

	block := &pem.Block{
		Type:  rsaPublicPEMType,
		Bytes: der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write RSA public key: %w", err)
	}

	return nil
}

// ExportPublicKey returns the base64 X.509 SubjectPublicKeyInfo encoding
// uploaded to the key directory.
func ExportPublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a key produced by ExportPublicKey.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return parsePublicKeyDER(der)
}

func parsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: unexpected key type %T", parsed)
	}
	if key.N.BitLen() < RSAKeyBits {
		return nil, fmt.Errorf("parse public key: modulus too small (%d bits)", key.N.BitLen())
	}
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}

func publicKeysEqual(a, b *rsa.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.E == b.E && bytes.Equal(a.N.Bytes(), b.N.Bytes())
}
