package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const identityColumns = `
			identity_id,
			username,
			password_hash,
			public_key,
			token_version,
			created_at`

// CreateIdentity inserts a new account row. Usernames are stored case-folded.
func (s *Store) CreateIdentity(identity Identity) error {
	if identity.ID == "" {
		return errors.New("identity_id is required")
	}
	identity.Username = strings.ToLower(strings.TrimSpace(identity.Username))
	if identity.Username == "" {
		return errors.New("username is required")
	}
	if identity.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if identity.CreatedAt == 0 {
		identity.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO identities (
			identity_id,
			username,
			password_hash,
			public_key,
			token_version,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		identity.ID,
		identity.Username,
		identity.PasswordHash,
		nullString(identity.PublicKey),
		identity.TokenVersion,
		identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert identity %q: %w", identity.Username, err)
	}

	return nil
}

// GetIdentity fetches one identity by id.
func (s *Store) GetIdentity(identityID string) (*Identity, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+identityColumns+`
		FROM identities
		WHERE identity_id = ?`,
		identityID,
	)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %q: %w", identityID, err)
	}
	return identity, nil
}

// GetIdentityByUsername fetches one identity by case-folded username.
func (s *Store) GetIdentityByUsername(username string) (*Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, errors.New("username is required")
	}

	row := s.db.QueryRow(
		`SELECT`+identityColumns+`
		FROM identities
		WHERE username = ?`,
		username,
	)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity by username %q: %w", username, err)
	}
	return identity, nil
}

// GetIdentities fetches the identities among ids that exist, keyed by id.
func (s *Store) GetIdentities(ids []string) (map[string]Identity, error) {
	out := make(map[string]Identity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(
		`SELECT`+identityColumns+`
		FROM identities
		WHERE identity_id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get identities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		out[identity.ID] = *identity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}

	return out, nil
}

// SetPublicKey replaces the directory public key for an identity. Last write wins.
func (s *Store) SetPublicKey(identityID, publicKey string) error {
	if identityID == "" {
		return errors.New("identity_id is required")
	}
	if publicKey == "" {
		return errors.New("public_key is required")
	}

	res, err := s.db.Exec(
		`UPDATE identities
		SET public_key = ?
		WHERE identity_id = ?`,
		publicKey,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("set public key for %q: %w", identityID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for set public key %q: %w", identityID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// BumpTokenVersion increments token_version, revoking every outstanding token,
// and returns the new version.
func (s *Store) BumpTokenVersion(identityID string) (int64, error) {
	if identityID == "" {
		return 0, errors.New("identity_id is required")
	}

	var version int64
	err := s.db.QueryRow(
		`UPDATE identities
		SET token_version = token_version + 1
		WHERE identity_id = ?
		RETURNING token_version`,
		identityID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("bump token version for %q: %w", identityID, err)
	}

	return version, nil
}

func scanIdentity(row scanner) (*Identity, error) {
	var (
		identity  Identity
		publicKey sql.NullString
	)

	if err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&publicKey,
		&identity.TokenVersion,
		&identity.CreatedAt,
	); err != nil {
		return nil, err
	}

	identity.PublicKey = stringPtr(publicKey)
	return &identity, nil
}
