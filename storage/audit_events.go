package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audit event types recorded by the relay.
const (
	AuditAuthRejected      = "auth_rejected"
	AuditJoinRequested     = "join_requested"
	AuditMemberApproved    = "member_approved"
	AuditMemberDenied      = "member_denied"
	AuditPublicKeyChanged  = "public_key_changed"
	AuditPushTokensPruned  = "push_tokens_pruned"
	AuditTokensRevoked     = "tokens_revoked"
	AuditJoinRejectExpired = "join_rejected_expired"
)

// SetAuditRetention configures the automatic audit pruning horizon.
func (s *Store) SetAuditRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	s.auditRetention = retention
}

// LogAuditEvent inserts a structured audit event and applies retention pruning.
// Details must never carry plaintext, keys or wrapped keys.
func (s *Store) LogAuditEvent(event AuditEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}
	if err := validateAuditSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (
			event_type,
			identity_id,
			room_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedPtr(event.IdentityID)),
		nullString(trimmedPtr(event.RoomID)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %q: %w", event.EventType, err)
	}

	if s.auditRetention > 0 {
		cutoff := time.Now().Add(-s.auditRetention).UnixMilli()
		if _, err := s.PruneAuditEvents(cutoff); err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
	}

	return nil
}

// LogAudit is LogAuditEvent with details marshaled from a value.
func (s *Store) LogAudit(eventType, severity, identityID, roomID string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	return s.LogAuditEvent(AuditEvent{
		EventType:  eventType,
		IdentityID: &identityID,
		RoomID:     &roomID,
		Details:    string(raw),
		Severity:   severity,
	})
}

// GetAuditEvents returns recent audit events with optional filtering.
func (s *Store) GetAuditEvents(filter AuditEventFilter) ([]AuditEvent, error) {
	if filter.Severity != "" {
		if err := validateAuditSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		identity_id,
		room_id,
		details,
		severity,
		timestamp
	FROM audit_events`)

	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, filter.IdentityID)
	}
	if filter.RoomID != "" {
		where = append(where, "room_id = ?")
		args = append(args, filter.RoomID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}

// PruneAuditEvents removes audit events older than cutoffTimestamp.
func (s *Store) PruneAuditEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for audit event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanAuditEvent(row scanner) (*AuditEvent, error) {
	var (
		event      AuditEvent
		identityID sql.NullString
		roomID     sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&identityID,
		&roomID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.IdentityID = stringPtr(identityID)
	event.RoomID = stringPtr(roomID)
	return &event, nil
}

func trimmedPtr(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
