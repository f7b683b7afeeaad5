package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict indicates a unique constraint rejected the write.
	ErrConflict = errors.New("storage: record already exists")
)

const (
	RoomTypeGroup  = "group"
	RoomTypeDirect = "dm"
)

const (
	MemberStatusPending  = "pending"
	MemberStatusApproved = "approved"
)

const (
	messageTypeText  = "text"
	messageTypeMedia = "media"
)

const (
	// AuditSeverityInfo indicates informational audit context.
	AuditSeverityInfo = "info"
	// AuditSeverityWarning indicates potentially suspicious behavior.
	AuditSeverityWarning = "warning"
	// AuditSeverityCritical indicates serious security failures.
	AuditSeverityCritical = "critical"
)

// Identity is an account known to the relay.
type Identity struct {
	ID           string
	Username     string
	PasswordHash string
	PublicKey    *string
	TokenVersion int64
	CreatedAt    int64
}

// PushToken is one registered device push token.
type PushToken struct {
	Token        string
	IdentityID   string
	DeviceID     *string
	Platform     string
	CreatedAt    int64
	LastActiveAt int64
}

// Room is the SQLite representation of a group or direct room.
type Room struct {
	RoomID         string
	Type           string
	AdminID        string
	PairKey        *string
	CodePhraseHash *string
	ExpiresAt      *int64
	CreatedAt      int64
}

// Expired reports whether the room has an expiry at or before now.
func (r Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= now.UnixMilli()
}

// Member is one identity's membership in a room.
type Member struct {
	RoomID      string
	IdentityID  string
	Alias       string
	Status      string
	JoinNote    *string
	TypedPhrase *string
	RequestedAt int64
	ApprovedAt  *int64
}

// Approved reports whether the member may send and receive.
func (m Member) Approved() bool {
	return m.Status == MemberStatusApproved
}

// Envelope is one recipient's wrapped message key.
type Envelope struct {
	RecipientID string
	EncKey      string
}

// Message is the SQLite representation of a ciphertext message.
type Message struct {
	Seq         int64
	MessageID   string
	RoomID      string
	SenderID    string
	SenderAlias string
	Type        string
	Ciphertext  *string
	IV          *string
	FileURL     *string
	FileKey     *string
	FileMime    *string
	CreatedAt   int64
	Envelopes   []Envelope
}

// AuditEvent stores structured security-relevant relay events.
type AuditEvent struct {
	ID         int64
	EventType  string
	IdentityID *string
	RoomID     *string
	Details    string
	Severity   string
	Timestamp  int64
}

// AuditEventFilter narrows GetAuditEvents query results.
type AuditEventFilter struct {
	EventType     string
	IdentityID    string
	RoomID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRoomType(roomType string) error {
	switch roomType {
	case RoomTypeGroup, RoomTypeDirect:
		return nil
	default:
		return fmt.Errorf("invalid room type %q", roomType)
	}
}

func validateMemberStatus(status string) error {
	switch status {
	case MemberStatusPending, MemberStatusApproved:
		return nil
	default:
		return fmt.Errorf("invalid member status %q", status)
	}
}

func validateMessageType(messageType string) error {
	switch messageType {
	case messageTypeText, messageTypeMedia:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", messageType)
	}
}

func validateAuditSeverity(severity string) error {
	switch severity {
	case AuditSeverityInfo, AuditSeverityWarning, AuditSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid audit event severity %q", severity)
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// placeholders returns "?, ?, ?" for n bind parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(b)
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
