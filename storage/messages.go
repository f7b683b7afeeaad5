package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `
			seq,
			message_id,
			room_id,
			sender_id,
			sender_alias,
			message_type,
			ciphertext,
			iv,
			file_url,
			file_key,
			file_mime,
			created_at`

// SaveMessage durably inserts a message with its key envelopes and returns
// the assigned insertion sequence.
func (s *Store) SaveMessage(message Message) (int64, error) {
	if message.MessageID == "" {
		return 0, errors.New("message_id is required")
	}
	if message.RoomID == "" {
		return 0, errors.New("room_id is required")
	}
	if message.SenderID == "" {
		return 0, errors.New("sender_id is required")
	}
	if len(message.Envelopes) == 0 {
		return 0, errors.New("at least one key envelope is required")
	}
	if message.Type == "" {
		message.Type = messageTypeText
	}
	if err := validateMessageType(message.Type); err != nil {
		return 0, err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	var seq int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO messages (
				message_id,
				room_id,
				sender_id,
				sender_alias,
				message_type,
				ciphertext,
				iv,
				file_url,
				file_key,
				file_mime,
				created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			message.MessageID,
			message.RoomID,
			message.SenderID,
			message.SenderAlias,
			message.Type,
			nullString(message.Ciphertext),
			nullString(message.IV),
			nullString(message.FileURL),
			nullString(message.FileKey),
			nullString(message.FileMime),
			message.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert message %q: %w", message.MessageID, err)
		}
		if seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("read message sequence: %w", err)
		}

		for i, env := range message.Envelopes {
			if _, err := tx.Exec(
				`INSERT INTO key_envelopes (
					message_id,
					position,
					recipient_id,
					enc_key
				) VALUES (?, ?, ?, ?)`,
				message.MessageID,
				i,
				env.RecipientID,
				env.EncKey,
			); err != nil {
				return fmt.Errorf("insert key envelope %d for message %q: %w", i, message.MessageID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// GetMessageByID fetches one message with its envelopes.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}

	messages := []Message{*message}
	if err := s.attachEnvelopes(messages); err != nil {
		return nil, err
	}
	return &messages[0], nil
}

// GetMessagesBefore returns up to limit messages of a room created strictly
// before the cutoff, newest first. Equal timestamps order by insertion.
func (s *Store) GetMessagesBefore(roomID string, before int64, limit int) ([]Message, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE room_id = ? AND created_at < ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`,
		roomID,
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for room %q: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	if err := s.attachEnvelopes(messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages returns the number of messages stored for a room.
func (s *Store) CountMessages(roomID string) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`,
		roomID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages for room %q: %w", roomID, err)
	}
	return count, nil
}

func (s *Store) attachEnvelopes(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, message := range messages {
		ids[i] = message.MessageID
		index[message.MessageID] = i
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			recipient_id,
			enc_key
		FROM key_envelopes
		WHERE message_id IN (`+placeholders(len(ids))+`)
		ORDER BY message_id, position`,
		stringArgs(ids)...,
	)
	if err != nil {
		return fmt.Errorf("get key envelopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID string
			env       Envelope
		)
		if err := rows.Scan(&messageID, &env.RecipientID, &env.EncKey); err != nil {
			return fmt.Errorf("scan key envelope row: %w", err)
		}
		i := index[messageID]
		messages[i].Envelopes = append(messages[i].Envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate key envelope rows: %w", err)
	}

	return nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message    Message
		ciphertext sql.NullString
		iv         sql.NullString
		fileURL    sql.NullString
		fileKey    sql.NullString
		fileMime   sql.NullString
	)

	if err := row.Scan(
		&message.Seq,
		&message.MessageID,
		&message.RoomID,
		&message.SenderID,
		&message.SenderAlias,
		&message.Type,
		&ciphertext,
		&iv,
		&fileURL,
		&fileKey,
		&fileMime,
		&message.CreatedAt,
	); err != nil {
		return nil, err
	}

	message.Ciphertext = stringPtr(ciphertext)
	message.IV = stringPtr(iv)
	message.FileURL = stringPtr(fileURL)
	message.FileKey = stringPtr(fileKey)
	message.FileMime = stringPtr(fileMime)
	return &message, nil
}
