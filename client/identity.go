package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"baatcheet/config"
	"baatcheet/crypto"
)

// KeyState is the lifecycle of the device keypair.
type KeyState int

const (
	KeyStateNone KeyState = iota
	KeyStateGenerated
	KeyStateUploaded
)

func (s KeyState) String() string {
	switch s {
	case KeyStateNone:
		return "no key"
	case KeyStateGenerated:
		return "generated"
	case KeyStateUploaded:
		return "uploaded"
	default:
		return fmt.Sprintf("KeyState(%d)", int(s))
	}
}

// ErrNoKey is returned by operations that need the device keypair before it
// exists.
var ErrNoKey = errors.New("client: device keypair not generated")

// Identity owns the device keypair and the persisted device config.
type Identity struct {
	cfg     *config.DeviceConfig
	cfgPath string

	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// LoadIdentity loads an existing keypair if present. It never generates one.
func LoadIdentity(cfg *config.DeviceConfig, cfgPath string) (*Identity, error) {
	id := &Identity{cfg: cfg, cfgPath: cfgPath}

	private, err := crypto.LoadRSAPrivateKey(cfg.RSAPrivateKeyPath)
	switch {
	case err == nil:
		id.private = private
		id.public = &private.PublicKey
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}
	return id, nil
}

// Config returns the device config.
func (i *Identity) Config() *config.DeviceConfig {
	return i.cfg
}

// Save persists the device config.
func (i *Identity) Save() error {
	return config.Save(i.cfgPath, i.cfg)
}

// State reports where the keypair is in its lifecycle. Uploaded requires the
// recorded fingerprint to match the current key.
func (i *Identity) State() KeyState {
	if i.private == nil {
		return KeyStateNone
	}
	if i.cfg.UploadedKeyFingerprint != "" && i.cfg.UploadedKeyFingerprint == crypto.KeyFingerprint(i.public) {
		return KeyStateUploaded
	}
	return KeyStateGenerated
}

// EnsureKeyPair generates the keypair on first use. Repeated calls return the
// same key.
func (i *Identity) EnsureKeyPair() error {
	if i.private != nil {
		return nil
	}
	private, public, err := crypto.EnsureRSAKeyPair(i.cfg.RSAPrivateKeyPath, i.cfg.RSAPublicKeyPath)
	if err != nil {
		return err
	}
	i.private, i.public = private, public
	return nil
}

// ExportPublicKey returns the directory encoding of the public key.
func (i *Identity) ExportPublicKey() (string, error) {
	if i.public == nil {
		return "", ErrNoKey
	}
	return crypto.ExportPublicKey(i.public)
}

// Fingerprint returns the grouped fingerprint of the public key.
func (i *Identity) Fingerprint() string {
	if i.public == nil {
		return ""
	}
	return crypto.FormatFingerprint(crypto.KeyFingerprint(i.public))
}

// PrivateKey returns the device private key, or nil before generation.
func (i *Identity) PrivateKey() *rsa.PrivateKey {
	return i.private
}

// UploadKey ensures a keypair and publishes it to the directory. The key
// directory keeps the last upload per identity.
func (i *Identity) UploadKey(ctx context.Context, api *API) error {
	if err := i.EnsureKeyPair(); err != nil {
		return err
	}
	encoded, err := i.ExportPublicKey()
	if err != nil {
		return err
	}
	if err := api.UploadPublicKey(ctx, encoded); err != nil {
		return fmt.Errorf("upload public key: %w", err)
	}
	i.cfg.UploadedKeyFingerprint = crypto.KeyFingerprint(i.public)
	return i.Save()
}

// Remember stores the result of a register or login.
func (i *Identity) Remember(userID, username, token string) error {
	i.cfg.UserID = userID
	i.cfg.Username = username
	i.cfg.Token = token
	return i.Save()
}

// Forget clears the stored session but keeps the keypair.
func (i *Identity) Forget() error {
	i.cfg.Token = ""
	return i.Save()
}

// RemoveKeys deletes the keypair files. Used by tests and key rotation.
func (i *Identity) RemoveKeys() error {
	for _, path := range []string{i.cfg.RSAPrivateKeyPath, i.cfg.RSAPublicKeyPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove key file: %w", err)
		}
	}
	i.private, i.public = nil, nil
	i.cfg.UploadedKeyFingerprint = ""
	return i.Save()
}
