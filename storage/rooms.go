package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const roomColumns = `
			room_id,
			room_type,
			admin_id,
			pair_key,
			code_phrase_hash,
			expires_at,
			created_at`

const memberColumns = `
			room_id,
			identity_id,
			alias,
			status,
			join_note,
			typed_phrase,
			requested_at,
			approved_at`

// CreateRoom inserts a room and its initial members in one transaction.
// A duplicate pair key for direct rooms yields ErrConflict.
func (s *Store) CreateRoom(room Room, members []Member) error {
	if room.RoomID == "" {
		return errors.New("room_id is required")
	}
	if room.AdminID == "" {
		return errors.New("admin_id is required")
	}
	if room.Type == "" {
		room.Type = RoomTypeGroup
	}
	if err := validateRoomType(room.Type); err != nil {
		return err
	}
	if room.Type == RoomTypeDirect && (room.PairKey == nil || *room.PairKey == "") {
		return errors.New("pair_key is required for direct rooms")
	}
	if room.CreatedAt == 0 {
		room.CreatedAt = nowUnixMilli()
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO rooms (
				room_id,
				room_type,
				admin_id,
				pair_key,
				code_phrase_hash,
				expires_at,
				created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			room.RoomID,
			room.Type,
			room.AdminID,
			nullString(room.PairKey),
			nullString(room.CodePhraseHash),
			nullInt64(room.ExpiresAt),
			room.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert room %q: %w", room.RoomID, err)
		}

		for i, member := range members {
			member.RoomID = room.RoomID
			if err := insertMember(tx, member, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRoom fetches one room by id.
func (s *Store) GetRoom(roomID string) (*Room, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+roomColumns+`
		FROM rooms
		WHERE room_id = ?`,
		roomID,
	)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %q: %w", roomID, err)
	}
	return room, nil
}

// GetRoomByPairKey fetches the direct room for a canonical identity pair.
func (s *Store) GetRoomByPairKey(pairKey string) (*Room, error) {
	if pairKey == "" {
		return nil, errors.New("pair_key is required")
	}

	row := s.db.QueryRow(
		`SELECT`+roomColumns+`
		FROM rooms
		WHERE pair_key = ?`,
		pairKey,
	)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room by pair key: %w", err)
	}
	return room, nil
}

// ListRoomsForIdentity returns every room in which identityID has a member row,
// pending or approved, newest first.
func (s *Store) ListRoomsForIdentity(identityID string) ([]Room, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			r.room_id,
			r.room_type,
			r.admin_id,
			r.pair_key,
			r.code_phrase_hash,
			r.expires_at,
			r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.room_id
		WHERE m.identity_id = ?
		ORDER BY r.created_at DESC, r.room_id`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms for %q: %w", identityID, err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}

	return rooms, nil
}

// ApprovedRoomIDs returns the rooms in which identityID is an approved member.
func (s *Store) ApprovedRoomIDs(identityID string) ([]string, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}

	rows, err := s.db.Query(
		`SELECT room_id
		FROM room_members
		WHERE identity_id = ? AND status = ?
		ORDER BY room_id`,
		identityID,
		MemberStatusApproved,
	)
	if err != nil {
		return nil, fmt.Errorf("list approved rooms for %q: %w", identityID, err)
	}
	defer rows.Close()

	roomIDs := make([]string, 0)
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan approved room row: %w", err)
		}
		roomIDs = append(roomIDs, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approved room rows: %w", err)
	}

	return roomIDs, nil
}

// GetMembers returns a room's members in join order.
func (s *Store) GetMembers(roomID string) ([]Member, error) {
	byRoom, err := s.GetMembersForRooms([]string{roomID})
	if err != nil {
		return nil, err
	}
	return byRoom[roomID], nil
}

// GetMembersForRooms returns members of several rooms keyed by room id.
func (s *Store) GetMembersForRooms(roomIDs []string) (map[string][]Member, error) {
	out := make(map[string][]Member, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(
		`SELECT`+memberColumns+`
		FROM room_members
		WHERE room_id IN (`+placeholders(len(roomIDs))+`)
		ORDER BY room_id, position`,
		stringArgs(roomIDs)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get room members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		out[member.RoomID] = append(out[member.RoomID], *member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}

	return out, nil
}

// GetMember fetches one membership row.
func (s *Store) GetMember(roomID, identityID string) (*Member, error) {
	if roomID == "" || identityID == "" {
		return nil, errors.New("room_id and identity_id are required")
	}

	row := s.db.QueryRow(
		`SELECT`+memberColumns+`
		FROM room_members
		WHERE room_id = ? AND identity_id = ?`,
		roomID,
		identityID,
	)
	member, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get member %q in room %q: %w", identityID, roomID, err)
	}
	return member, nil
}

// AddMember appends a membership row. An existing row yields ErrConflict.
func (s *Store) AddMember(member Member) error {
	return s.withTx(func(tx *sql.Tx) error {
		var next int
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(position) + 1, 0)
			FROM room_members
			WHERE room_id = ?`,
			member.RoomID,
		).Scan(&next); err != nil {
			return fmt.Errorf("read next member position: %w", err)
		}
		return insertMember(tx, member, next)
	})
}

// UpdatePendingMember refreshes the note and typed phrase of a pending
// request. Nil values keep the stored ones.
func (s *Store) UpdatePendingMember(roomID, identityID string, joinNote, typedPhrase *string) error {
	res, err := s.db.Exec(
		`UPDATE room_members
		SET join_note = COALESCE(?, join_note),
			typed_phrase = COALESCE(?, typed_phrase)
		WHERE room_id = ? AND identity_id = ? AND status = ?`,
		nullString(joinNote),
		nullString(typedPhrase),
		roomID,
		identityID,
		MemberStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update pending member %q: %w", identityID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update pending member %q: %w", identityID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApproveMember moves a member to approved. Approving an already approved
// member is a no-op; an absent member yields ErrNotFound.
func (s *Store) ApproveMember(roomID, identityID string, approvedAt int64) error {
	if approvedAt == 0 {
		approvedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE room_members
		SET status = ?,
			approved_at = COALESCE(approved_at, ?)
		WHERE room_id = ? AND identity_id = ?`,
		MemberStatusApproved,
		approvedAt,
		roomID,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("approve member %q: %w", identityID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for approve member %q: %w", identityID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingMember removes a pending request. Approved members are never
// removed by this call.
func (s *Store) DeletePendingMember(roomID, identityID string) error {
	res, err := s.db.Exec(
		`DELETE FROM room_members
		WHERE room_id = ? AND identity_id = ? AND status = ?`,
		roomID,
		identityID,
		MemberStatusPending,
	)
	if err != nil {
		return fmt.Errorf("delete pending member %q: %w", identityID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete pending member %q: %w", identityID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func insertMember(tx *sql.Tx, member Member, position int) error {
	if member.RoomID == "" {
		return errors.New("room_id is required")
	}
	if member.IdentityID == "" {
		return errors.New("identity_id is required")
	}
	if member.Alias == "" {
		return errors.New("alias is required")
	}
	if member.Status == "" {
		member.Status = MemberStatusPending
	}
	if err := validateMemberStatus(member.Status); err != nil {
		return err
	}
	if member.RequestedAt == 0 {
		member.RequestedAt = nowUnixMilli()
	}

	_, err := tx.Exec(
		`INSERT INTO room_members (
			room_id,
			identity_id,
			alias,
			status,
			join_note,
			typed_phrase,
			requested_at,
			approved_at,
			position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		member.RoomID,
		member.IdentityID,
		member.Alias,
		member.Status,
		nullString(member.JoinNote),
		nullString(member.TypedPhrase),
		member.RequestedAt,
		nullInt64(member.ApprovedAt),
		position,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert member %q in room %q: %w", member.IdentityID, member.RoomID, err)
	}
	return nil
}

func scanRoom(row scanner) (*Room, error) {
	var (
		room           Room
		pairKey        sql.NullString
		codePhraseHash sql.NullString
		expiresAt      sql.NullInt64
	)

	if err := row.Scan(
		&room.RoomID,
		&room.Type,
		&room.AdminID,
		&pairKey,
		&codePhraseHash,
		&expiresAt,
		&room.CreatedAt,
	); err != nil {
		return nil, err
	}

	room.PairKey = stringPtr(pairKey)
	room.CodePhraseHash = stringPtr(codePhraseHash)
	room.ExpiresAt = int64Ptr(expiresAt)
	return &room, nil
}

func scanMember(row scanner) (*Member, error) {
	var (
		member      Member
		joinNote    sql.NullString
		typedPhrase sql.NullString
		approvedAt  sql.NullInt64
	)

	if err := row.Scan(
		&member.RoomID,
		&member.IdentityID,
		&member.Alias,
		&member.Status,
		&joinNote,
		&typedPhrase,
		&member.RequestedAt,
		&approvedAt,
	); err != nil {
		return nil, err
	}

	member.JoinNote = stringPtr(joinNote)
	member.TypedPhrase = stringPtr(typedPhrase)
	member.ApprovedAt = int64Ptr(approvedAt)
	return &member, nil
}
