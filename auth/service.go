package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"baatcheet/crypto"
	"baatcheet/metrics"
	"baatcheet/models"
	"baatcheet/storage"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"
)

const (
	minPasswordLength = 10
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,24}$`)

// Service owns accounts, the key directory and push token registration.
type Service struct {
	store   *storage.Store
	issuer  *Issuer
	metrics *metrics.Metrics
	log     *logging.Logger

	newID func() string
}

// NewService wires an account service over store.
func NewService(store *storage.Store, issuer *Issuer, m *metrics.Metrics, log *logging.Logger) *Service {
	return &Service{
		store:   store,
		issuer:  issuer,
		metrics: m,
		log:     log,
		newID:   uuid.NewString,
	}
}

// NormalizeUsername case-folds and trims a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Register creates an account and returns a fresh token.
func (s *Service) Register(username, password string) (models.AuthResponse, error) {
	username = NormalizeUsername(username)
	if !usernamePattern.MatchString(username) {
		return models.AuthResponse{}, models.Reason(models.ErrInvalidPayload, "Username must be 3-24 characters of a-z, 0-9 or _")
	}
	if len(password) < minPasswordLength {
		return models.AuthResponse{}, models.Reason(models.ErrInvalidPayload, "Password must be at least 10 characters")
	}
	if len(password) > maxPasswordLength {
		return models.AuthResponse{}, models.Reason(models.ErrInvalidPayload, "Password must be at most 72 bytes")
	}

	hash, err := crypto.HashSecret(password, crypto.PasswordCost)
	if err != nil {
		return models.AuthResponse{}, fmt.Errorf("hash password: %w", err)
	}

	identity := storage.Identity{
		ID:           s.newID(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.CreateIdentity(identity); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.AuthResponse{}, models.Reason(models.ErrConflict, "Username already taken")
		}
		return models.AuthResponse{}, fmt.Errorf("create identity: %w", err)
	}
	s.log.Infof("Registered identity %s", identity.ID)

	return s.tokenResponse(identity.ID, username, 0)
}

// Login verifies credentials and returns a fresh token.
func (s *Service) Login(username, password string) (models.AuthResponse, error) {
	username = NormalizeUsername(username)
	identity, err := s.store.GetIdentityByUsername(username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.AuthResponse{}, models.Reason(models.ErrUnauthorized, "Invalid credentials")
		}
		return models.AuthResponse{}, fmt.Errorf("load identity: %w", err)
	}
	if !crypto.CompareSecret(identity.PasswordHash, password) {
		s.reject(identity.ID, "bad password")
		return models.AuthResponse{}, models.Reason(models.ErrUnauthorized, "Invalid credentials")
	}
	return s.tokenResponse(identity.ID, identity.Username, identity.TokenVersion)
}

// Authenticate validates a bearer token, including revocation, and returns
// the caller.
func (s *Service) Authenticate(token string) (models.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return models.Principal{}, models.Reason(models.ErrUnauthorized, "Missing token")
	}

	claims, err := s.issuer.Parse(token)
	if err != nil {
		s.metrics.AuthRejections.Inc()
		return models.Principal{}, models.Reason(models.ErrUnauthorized, "Invalid token")
	}

	identity, err := s.store.GetIdentity(claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.reject(claims.Subject, "unknown identity")
			return models.Principal{}, models.Reason(models.ErrUnauthorized, "Invalid token")
		}
		return models.Principal{}, fmt.Errorf("load identity: %w", err)
	}
	if identity.TokenVersion != claims.TokenVersion {
		s.reject(identity.ID, "revoked token")
		return models.Principal{}, models.Reason(models.ErrUnauthorized, "Token revoked")
	}

	return models.Principal{ID: identity.ID, Username: identity.Username}, nil
}

// LogoutAll revokes every outstanding token of the caller.
func (s *Service) LogoutAll(identityID string) error {
	version, err := s.store.BumpTokenVersion(identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reason(models.ErrNotFound, "User not found")
		}
		return fmt.Errorf("bump token version: %w", err)
	}
	if err := s.store.LogAudit(storage.AuditTokensRevoked, storage.AuditSeverityInfo, identityID, "", map[string]int64{"tokenVersion": version}); err != nil {
		s.log.Warningf("Failed to audit token revocation for %s: %v", identityID, err)
	}
	return nil
}

// SetPublicKey validates and stores the caller's directory key.
func (s *Service) SetPublicKey(identityID, publicKey string) error {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return models.Reason(models.ErrInvalidPayload, "publicKey required")
	}
	parsed, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return models.Reason(models.ErrInvalidPayload, "Invalid public key")
	}

	if err := s.store.SetPublicKey(identityID, publicKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reason(models.ErrNotFound, "User not found")
		}
		return fmt.Errorf("store public key: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(parsed)
	if err := s.store.LogAudit(storage.AuditPublicKeyChanged, storage.AuditSeverityInfo, identityID, "", map[string]string{"fingerprint": fingerprint}); err != nil {
		s.log.Warningf("Failed to audit key change for %s: %v", identityID, err)
	}
	s.log.Infof("Public key for %s set to %s", identityID, crypto.FormatFingerprint(fingerprint))
	return nil
}

// PublicKey looks up a directory key by username.
func (s *Service) PublicKey(username string) (models.PublicKeyResponse, error) {
	identity, err := s.store.GetIdentityByUsername(NormalizeUsername(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.PublicKeyResponse{}, models.Reason(models.ErrNotFound, "User not found")
		}
		return models.PublicKeyResponse{}, fmt.Errorf("load identity: %w", err)
	}
	if identity.PublicKey == nil {
		return models.PublicKeyResponse{}, models.Reason(models.ErrNotFound, "Public key not found")
	}
	return models.PublicKeyResponse{Username: identity.Username, PublicKey: *identity.PublicKey}, nil
}

// AddPushToken registers a device token for offline hints.
func (s *Service) AddPushToken(identityID string, req models.PushTokenRequest) error {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return models.Reason(models.ErrInvalidPayload, "token required")
	}
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	switch platform {
	case "":
		platform = "android"
	case "android", "ios":
	default:
		return models.Reason(models.ErrInvalidPayload, "platform must be android or ios")
	}

	var deviceID *string
	if d := strings.TrimSpace(req.DeviceID); d != "" {
		deviceID = &d
	}
	if err := s.store.AddPushToken(storage.PushToken{
		Token:      token,
		IdentityID: identityID,
		DeviceID:   deviceID,
		Platform:   platform,
	}); err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	return nil
}

// RemovePushToken unregisters one of the caller's device tokens.
func (s *Service) RemovePushToken(identityID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Reason(models.ErrInvalidPayload, "token required")
	}
	if err := s.store.RemovePushToken(identityID, token); err != nil {
		return fmt.Errorf("remove push token: %w", err)
	}
	return nil
}

func (s *Service) tokenResponse(identityID, username string, version int64) (models.AuthResponse, error) {
	token, err := s.issuer.Issue(identityID, username, version)
	if err != nil {
		return models.AuthResponse{}, err
	}
	return models.AuthResponse{
		Token: token,
		User:  models.Principal{ID: identityID, Username: username},
	}, nil
}

func (s *Service) reject(identityID, reason string) {
	s.metrics.AuthRejections.Inc()
	if err := s.store.LogAudit(storage.AuditAuthRejected, storage.AuditSeverityWarning, identityID, "", map[string]string{"reason": reason}); err != nil {
		s.log.Warningf("Failed to audit auth rejection: %v", err)
	}
}
