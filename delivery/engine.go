// Package delivery persists ciphertext messages and fans them out to the
// open channels of approved room members.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"baatcheet/metrics"
	"baatcheet/models"
	"baatcheet/network"
	"baatcheet/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"
)

// DefaultFanoutConcurrency bounds concurrent per-recipient emissions.
const DefaultFanoutConcurrency = 16

// OfflineNotifier receives members without an open channel after a send.
type OfflineNotifier interface {
	NotifyOffline(roomID, senderID string, recipientIDs []string)
}

// Engine implements network.Dispatcher over the store and registry.
type Engine struct {
	store    *storage.Store
	registry *network.Registry
	notifier OfflineNotifier
	metrics  *metrics.Metrics
	log      *logging.Logger

	fanoutLimit int
	now         func() time.Time
	newID       func() string
}

var _ network.Dispatcher = (*Engine)(nil)

// NewEngine wires a delivery engine.
func NewEngine(store *storage.Store, registry *network.Registry, notifier OfflineNotifier, m *metrics.Metrics, log *logging.Logger) *Engine {
	return &Engine{
		store:       store,
		registry:    registry,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		fanoutLimit: DefaultFanoutConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// ApprovedRooms lists the rooms a newly opened channel is subscribed to.
func (e *Engine) ApprovedRooms(identityID string) ([]string, error) {
	return e.store.ApprovedRoomIDs(identityID)
}

// JoinRoom checks that identityID may subscribe to roomID.
func (e *Engine) JoinRoom(identityID, roomID string) error {
	_, _, err := e.membership(identityID, roomID)
	return err
}

// SendMessage validates, persists and fans out one message. The message is
// durable before any recipient sees it.
func (e *Engine) SendMessage(ctx context.Context, sender models.Principal, req models.SendMessageRequest) (models.SendResult, error) {
	if err := validateSend(&req); err != nil {
		return models.SendResult{}, err
	}

	self, approved, err := e.membership(sender.ID, req.RoomID)
	if err != nil {
		return models.SendResult{}, err
	}

	createdAt := time.UnixMilli(e.now().UnixMilli()).UTC()
	record := storage.Message{
		MessageID:   e.newID(),
		RoomID:      req.RoomID,
		SenderID:    sender.ID,
		SenderAlias: self.Alias,
		Type:        req.Type,
		Ciphertext:  optional(req.Ciphertext),
		IV:          optional(req.IV),
		FileURL:     optional(req.FileURL),
		FileKey:     optional(req.FileKey),
		FileMime:    optional(req.FileMime),
		CreatedAt:   createdAt.UnixMilli(),
		Envelopes:   make([]storage.Envelope, len(req.KeyEnvelope)),
	}
	for i, env := range req.KeyEnvelope {
		record.Envelopes[i] = storage.Envelope{RecipientID: env.UserID, EncKey: env.EncKey}
	}
	if _, err := e.store.SaveMessage(record); err != nil {
		return models.SendResult{}, fmt.Errorf("persist message: %w", err)
	}
	e.metrics.MessagesSent.Inc()

	offline := e.fanOut(ctx, req, record, createdAt, approved)
	if len(offline) > 0 && e.notifier != nil {
		e.notifier.NotifyOffline(req.RoomID, sender.ID, offline)
	}

	return models.SendResult{ID: record.MessageID, CreatedAt: createdAt}, nil
}

// fanOut emits a tailored delivery to every open channel of every approved
// member and returns the members other than the sender with no channel.
func (e *Engine) fanOut(ctx context.Context, req models.SendMessageRequest, record storage.Message, createdAt time.Time, approved []storage.Member) []string {
	started := time.Now()
	defer func() { e.metrics.FanoutDuration.Observe(time.Since(started).Seconds()) }()

	envelopes := make(map[string]string, len(req.KeyEnvelope))
	for _, env := range req.KeyEnvelope {
		if _, dup := envelopes[env.UserID]; !dup {
			envelopes[env.UserID] = env.EncKey
		}
	}

	var g errgroup.Group
	g.SetLimit(e.fanoutLimit)

	offline := make([]string, 0)
	for _, member := range approved {
		channels := e.registry.Channels(member.IdentityID)
		if len(channels) == 0 {
			if member.IdentityID != record.SenderID {
				offline = append(offline, member.IdentityID)
			}
			continue
		}

		delivery := models.Delivery{
			ID:         record.MessageID,
			RoomID:     record.RoomID,
			Alias:      record.SenderAlias,
			SenderID:   record.SenderID,
			Type:       record.Type,
			CreatedAt:  createdAt,
			IV:         req.IV,
			Ciphertext: req.Ciphertext,
			FileURL:    req.FileURL,
			FileKey:    req.FileKey,
			FileMime:   req.FileMime,
		}
		result := metrics.ResultNoKey
		if encKey, ok := envelopes[member.IdentityID]; ok {
			delivery.EncKey = &encKey
			result = metrics.ResultDelivered
		}

		payload, err := network.EncodeFrame(network.EventMessageNew, 0, delivery)
		if err != nil {
			e.log.Errorf("Failed to encode delivery for %s: %v", member.IdentityID, err)
			continue
		}
		for _, ch := range channels {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				if err := ch.SendRaw(payload); err != nil {
					e.metrics.Deliveries.WithLabelValues(metrics.ResultFailed).Inc()
					e.log.Debugf("Delivery to channel %s failed: %v", ch.ID(), err)
					return nil
				}
				e.metrics.Deliveries.WithLabelValues(result).Inc()
				return nil
			})
		}
	}
	_ = g.Wait()

	return offline
}

// membership returns the caller's member row and every approved member of
// roomID, failing unless the caller is approved.
func (e *Engine) membership(identityID, roomID string) (*storage.Member, []storage.Member, error) {
	if _, err := e.store.GetRoom(roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, models.Reason(models.ErrNotFound, "Room not found")
		}
		return nil, nil, fmt.Errorf("load room: %w", err)
	}
	members, err := e.store.GetMembers(roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("load members: %w", err)
	}

	var self *storage.Member
	approved := make([]storage.Member, 0, len(members))
	for i := range members {
		if !members[i].Approved() {
			continue
		}
		approved = append(approved, members[i])
		if members[i].IdentityID == identityID {
			self = &members[i]
		}
	}
	if self == nil {
		return nil, nil, models.Reason(models.ErrForbidden, "Not a member")
	}
	return self, approved, nil
}

func validateSend(req *models.SendMessageRequest) error {
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" || len(req.KeyEnvelope) == 0 {
		return models.Reason(models.ErrInvalidPayload, "Invalid payload")
	}
	for _, env := range req.KeyEnvelope {
		if env.UserID == "" || env.EncKey == "" {
			return models.Reason(models.ErrInvalidPayload, "Invalid payload")
		}
	}

	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	switch req.Type {
	case models.MessageTypeText:
		if req.Ciphertext == "" || req.IV == "" {
			return models.Reason(models.ErrInvalidPayload, "Invalid payload")
		}
	case models.MessageTypeMedia:
		if req.FileKey == "" && req.FileURL == "" {
			return models.Reason(models.ErrInvalidPayload, "Invalid payload")
		}
	default:
		return models.Reason(models.ErrInvalidPayload, "Invalid payload")
	}
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
