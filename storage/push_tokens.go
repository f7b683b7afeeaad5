package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddPushToken registers a device push token, replacing any previous owner of
// the same token.
func (s *Store) AddPushToken(token PushToken) error {
	token.Token = strings.TrimSpace(token.Token)
	if token.Token == "" {
		return errors.New("token is required")
	}
	if token.IdentityID == "" {
		return errors.New("identity_id is required")
	}
	if token.Platform == "" {
		token.Platform = "android"
	}
	now := nowUnixMilli()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	if token.LastActiveAt == 0 {
		token.LastActiveAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO push_tokens (
			token,
			identity_id,
			device_id,
			platform,
			created_at,
			last_active_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			identity_id = excluded.identity_id,
			device_id = excluded.device_id,
			platform = excluded.platform,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at`,
		token.Token,
		token.IdentityID,
		nullString(token.DeviceID),
		token.Platform,
		token.CreatedAt,
		token.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("upsert push token: %w", err)
	}

	return nil
}

// RemovePushToken deletes a token owned by identityID. Removing an unknown
// token is not an error.
func (s *Store) RemovePushToken(identityID, token string) error {
	if identityID == "" {
		return errors.New("identity_id is required")
	}
	if token == "" {
		return errors.New("token is required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM push_tokens
		WHERE identity_id = ? AND token = ?`,
		identityID,
		token,
	); err != nil {
		return fmt.Errorf("delete push token: %w", err)
	}
	return nil
}

// GetPushTokens returns tokens registered by any of identityIDs.
func (s *Store) GetPushTokens(identityIDs []string) ([]PushToken, error) {
	if len(identityIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT
			token,
			identity_id,
			device_id,
			platform,
			created_at,
			last_active_at
		FROM push_tokens
		WHERE identity_id IN (`+placeholders(len(identityIDs))+`)
		ORDER BY identity_id, created_at`,
		stringArgs(identityIDs)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get push tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]PushToken, 0)
	for rows.Next() {
		var token PushToken
		var deviceID sql.NullString
		if err := rows.Scan(
			&token.Token,
			&token.IdentityID,
			&deviceID,
			&token.Platform,
			&token.CreatedAt,
			&token.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan push token row: %w", err)
		}
		token.DeviceID = stringPtr(deviceID)
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push token rows: %w", err)
	}

	return tokens, nil
}

// DeletePushTokens prunes tokens the push provider reported as permanently
// invalid and returns the number removed.
func (s *Store) DeletePushTokens(tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	res, err := s.db.Exec(
		`DELETE FROM push_tokens
		WHERE token IN (`+placeholders(len(tokens))+`)`,
		stringArgs(tokens)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete push tokens: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete push tokens: %w", err)
	}
	return rowsAffected, nil
}
