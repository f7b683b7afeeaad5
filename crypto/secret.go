package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// PasswordCost is the bcrypt cost for account credentials.
	PasswordCost = 12
	// PhraseCost is the bcrypt cost for room code phrases.
	PhraseCost = 10
)

// HashSecret returns a bcrypt hash of secret at the given cost.
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches a hash from HashSecret.
func CompareSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
