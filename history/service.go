// Package history serves paged room history with full envelope lists.
package history

import (
	"errors"
	"fmt"
	"time"

	"baatcheet/metrics"
	"baatcheet/models"
	"baatcheet/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Service reads persisted messages for approved members.
type Service struct {
	store   *storage.Store
	metrics *metrics.Metrics
	now     func() time.Time

	defaultLimit int
	maxLimit     int
}

// NewService returns a history service over store.
func NewService(store *storage.Store, m *metrics.Metrics) *Service {
	return &Service{
		store:        store,
		metrics:      m,
		now:          time.Now,
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
	}
}

// SetLimits overrides the page size bounds. Non-positive values keep the
// current setting.
func (s *Service) SetLimits(defaultLimit, maxLimit int) {
	if maxLimit > 0 {
		s.maxLimit = maxLimit
	}
	if defaultLimit > 0 {
		s.defaultLimit = min(defaultLimit, s.maxLimit)
	}
}

// GetHistory returns up to limit messages created strictly before before,
// oldest first. A zero before means now. A non-positive limit selects the
// default page size and larger ones are capped.
func (s *Service) GetHistory(identityID, roomID string, before time.Time, limit int) ([]models.Message, error) {
	if roomID == "" {
		return nil, models.Reason(models.ErrInvalidPayload, "roomId required")
	}
	member, err := s.store.GetMember(roomID, identityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load member: %w", err)
	}
	if err != nil || !member.Approved() {
		return nil, models.Reason(models.ErrForbidden, "Not a member")
	}

	if before.IsZero() {
		before = s.now()
	}
	switch {
	case limit <= 0:
		limit = s.defaultLimit
	case limit > s.maxLimit:
		limit = s.maxLimit
	}

	rows, err := s.store.GetMessagesBefore(roomID, before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]models.Message, len(rows))
	for i, row := range rows {
		// rows are newest first
		out[len(rows)-1-i] = toModel(row)
	}
	if s.metrics != nil {
		s.metrics.HistoryFetches.Inc()
	}
	return out, nil
}

func toModel(row storage.Message) models.Message {
	msg := models.Message{
		ID:          row.MessageID,
		RoomID:      row.RoomID,
		SenderID:    row.SenderID,
		Alias:       row.SenderAlias,
		Type:        row.Type,
		Ciphertext:  deref(row.Ciphertext),
		IV:          deref(row.IV),
		FileURL:     deref(row.FileURL),
		FileKey:     deref(row.FileKey),
		FileMime:    deref(row.FileMime),
		CreatedAt:   time.UnixMilli(row.CreatedAt).UTC(),
		KeyEnvelope: make([]models.KeyEnvelope, len(row.Envelopes)),
	}
	for i, env := range row.Envelopes {
		msg.KeyEnvelope[i] = models.KeyEnvelope{UserID: env.RecipientID, EncKey: env.EncKey}
	}
	return msg
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
