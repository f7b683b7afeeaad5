package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"baatcheet/crypto"
	"baatcheet/models"
	"baatcheet/network"
	"baatcheet/worker"

	"github.com/cenkalti/backoff"
	"gopkg.in/op/go-logging.v1"
)

const (
	DefaultConnectTimeout = 2 * time.Minute
	updateBufferSize      = 128
)

var (
	// ErrNotConnected is returned by socket operations before Connect.
	ErrNotConnected = errors.New("client: not connected")
	// ErrLoggedOut is returned when the device has no session token.
	ErrLoggedOut = errors.New("client: not logged in")
)

// Update announces a new or changed timeline entry.
type Update struct {
	RoomID string
	Entry  Entry
}

// SendReport is the outcome of a send. Unreachable lists approved members
// without a usable public key; they cannot read the message.
type SendReport struct {
	ID          string
	CreatedAt   time.Time
	Unreachable []models.MemberKey
}

// SessionOptions tunes a Session.
type SessionOptions struct {
	Dial           network.DialOptions
	ConnectTimeout time.Duration
	MediaWorkers   int
	// MediaDir receives decrypted attachments. Empty disables downloads.
	MediaDir string
}

// Session is a logged-in device: the REST API, the socket channel and the
// per-room timelines.
type Session struct {
	worker.Worker

	api      *API
	identity *Identity
	opener   *Opener
	media    *MediaPool
	log      *logging.Logger
	opts     SessionOptions

	mu        sync.Mutex
	conn      *network.Client
	timelines map[string]*Timeline

	updates chan Update
}

// NewSession builds a session for a logged-in identity with a keypair.
func NewSession(api *API, identity *Identity, log *logging.Logger, opts SessionOptions) (*Session, error) {
	cfg := identity.Config()
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, ErrLoggedOut
	}
	if identity.PrivateKey() == nil {
		return nil, ErrNoKey
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	api.SetToken(cfg.Token)

	s := &Session{
		api:       api,
		identity:  identity,
		opener:    NewOpener(cfg.UserID, identity.PrivateKey()),
		log:       log,
		opts:      opts,
		timelines: make(map[string]*Timeline),
		updates:   make(chan Update, updateBufferSize),
	}
	if opts.MediaDir != "" {
		s.media = NewMediaPool(api, opts.MediaDir, opts.MediaWorkers, log, s.mediaDone)
	}
	return s, nil
}

// SelfID is the identity id of this device.
func (s *Session) SelfID() string {
	return s.identity.Config().UserID
}

// Updates delivers timeline changes. Updates are dropped when the reader
// falls behind; the timeline itself stays complete.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Timeline returns the timeline of roomID, creating it on first use.
func (s *Session) Timeline(roomID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timelines[roomID]
	if !ok {
		t = NewTimeline()
		s.timelines[roomID] = t
	}
	return t
}

// Connect opens the socket channel, retrying with exponential backoff. A
// rejected token stops the retries. The channel is re-established in the
// background if it drops later.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.Go(s.receiveLoop)
	return nil
}

// Close stops the receive loop and the media workers.
func (s *Session) Close() {
	s.Halt()
	if s.media != nil {
		s.media.Close()
	}
}

func (s *Session) dial(ctx context.Context) (*network.Client, error) {
	var conn *network.Client
	op := func() error {
		c, err := network.Dial(ctx, s.api.SocketURL(), s.api.Token(), s.opts.Dial)
		if err != nil {
			if errors.Is(err, models.ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			s.log.Debugf("Dial failed, retrying: %v", err)
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.opts.ConnectTimeout
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

func (s *Session) channel() (*network.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Session) receiveLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := s.channel()
		if err != nil {
			return
		}
		go func() {
			select {
			case <-s.HaltCh():
				_ = conn.Close()
			case <-conn.Done():
			}
		}()
		for frame := range conn.Events() {
			if frame.Event == network.EventMessageNew {
				s.handleDelivery(frame)
			}
		}

		select {
		case <-s.HaltCh():
			return
		default:
		}
		s.log.Warning("Channel closed, reconnecting.")
		next, err := s.dial(ctx)
		if err != nil {
			s.log.Errorf("Reconnect failed: %v", err)
			return
		}
		s.mu.Lock()
		s.conn = next
		s.mu.Unlock()
	}
}

func (s *Session) handleDelivery(frame network.Frame) {
	var delivery models.Delivery
	if err := frame.DecodeData(&delivery); err != nil {
		s.log.Warningf("Dropping malformed delivery: %v", err)
		return
	}
	s.accept(s.opener.Open(delivery.AsMessage(s.SelfID())))
}

// accept merges an opened entry into its timeline and queues its media.
func (s *Session) accept(entry Entry) bool {
	if s.Timeline(entry.RoomID).Add(entry) == 0 {
		return false
	}
	s.publish(Update{RoomID: entry.RoomID, Entry: entry})
	if entry.Media != nil && s.media != nil {
		s.media.Submit(entry)
	}
	return true
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	default:
		s.log.Debugf("Update buffer full, dropping update for %s", u.Entry.ID)
	}
}

func (s *Session) mediaDone(result MediaResult) {
	timeline := s.Timeline(result.RoomID)
	updated := timeline.Update(result.EntryID, func(e *Entry) {
		e.MediaPath = result.Path
		e.MediaErr = result.Err
	})
	if !updated {
		return
	}
	if entry, ok := timeline.Get(result.EntryID); ok {
		s.publish(Update{RoomID: result.RoomID, Entry: entry})
	}
}

// JoinRoom subscribes the open channel to roomID.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	conn, err := s.channel()
	if err != nil {
		return err
	}
	return conn.JoinRoom(ctx, roomID)
}

// LoadHistory fetches one page before the cursor, merges it into the
// timeline and returns the opened page oldest first.
func (s *Session) LoadHistory(ctx context.Context, roomID string, before time.Time, limit int) ([]Entry, error) {
	messages, err := s.api.History(ctx, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	entries := make([]Entry, len(messages))
	for i, msg := range messages {
		entries[i] = s.opener.Open(msg)
		s.accept(entries[i])
	}
	return entries, nil
}

// Send encrypts text once and wraps the session key for every approved
// member with a published key, including this device.
func (s *Session) Send(ctx context.Context, roomID, text string) (SendReport, error) {
	conn, err := s.channel()
	if err != nil {
		return SendReport{}, err
	}
	sessionKey, envelopes, unreachable, err := s.seal(ctx, roomID)
	if err != nil {
		return SendReport{}, err
	}
	ciphertext, iv, err := crypto.Encrypt(sessionKey, []byte(text))
	if err != nil {
		return SendReport{}, err
	}

	ack, err := conn.SendMessage(ctx, models.SendMessageRequest{
		RoomID:      roomID,
		Type:        models.MessageTypeText,
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		IV:          base64.StdEncoding.EncodeToString(iv),
		KeyEnvelope: envelopes,
	})
	if err != nil {
		return SendReport{}, err
	}
	return report(ack, unreachable), nil
}

// SendFile encrypts data, uploads the ciphertext through a presigned URL
// and sends the media message referencing it.
func (s *Session) SendFile(ctx context.Context, roomID, contentType string, data []byte) (SendReport, error) {
	conn, err := s.channel()
	if err != nil {
		return SendReport{}, err
	}
	sessionKey, envelopes, unreachable, err := s.seal(ctx, roomID)
	if err != nil {
		return SendReport{}, err
	}
	ciphertext, iv, err := crypto.Encrypt(sessionKey, data)
	if err != nil {
		return SendReport{}, err
	}

	upload, err := s.api.UploadURL(ctx, contentType)
	if err != nil {
		return SendReport{}, err
	}
	if err := s.api.PutObject(ctx, upload.UploadURL, contentType, ciphertext); err != nil {
		return SendReport{}, err
	}

	ack, err := conn.SendMessage(ctx, models.SendMessageRequest{
		RoomID:      roomID,
		Type:        models.MessageTypeMedia,
		IV:          base64.StdEncoding.EncodeToString(iv),
		KeyEnvelope: envelopes,
		FileURL:     upload.FileURL,
		FileKey:     upload.FileKey,
		FileMime:    contentType,
	})
	if err != nil {
		return SendReport{}, err
	}
	return report(ack, unreachable), nil
}

// seal generates a fresh session key and wraps it for each member.
func (s *Session) seal(ctx context.Context, roomID string) ([]byte, []models.KeyEnvelope, []models.MemberKey, error) {
	resp, err := s.api.Members(ctx, roomID)
	if err != nil {
		return nil, nil, nil, err
	}
	sessionKey, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, nil, nil, err
	}

	envelopes := make([]models.KeyEnvelope, 0, len(resp.Members))
	var unreachable []models.MemberKey
	for _, member := range resp.Members {
		if member.PublicKey == nil || *member.PublicKey == "" {
			unreachable = append(unreachable, member)
			continue
		}
		pub, err := crypto.ParsePublicKey(*member.PublicKey)
		if err != nil {
			s.log.Warningf("Unusable public key for %s: %v", member.UserID, err)
			unreachable = append(unreachable, member)
			continue
		}
		encKey, err := crypto.WrapKeyBase64(sessionKey, pub)
		if err != nil {
			return nil, nil, nil, err
		}
		envelopes = append(envelopes, models.KeyEnvelope{UserID: member.UserID, EncKey: encKey})
	}
	if len(envelopes) == 0 {
		return nil, nil, nil, models.Reason(models.ErrInvalidPayload, "No recipients with a public key")
	}
	return sessionKey, envelopes, unreachable, nil
}

func report(ack models.Ack, unreachable []models.MemberKey) SendReport {
	r := SendReport{ID: ack.ID, Unreachable: unreachable}
	if ack.CreatedAt != nil {
		r.CreatedAt = *ack.CreatedAt
	}
	return r
}
