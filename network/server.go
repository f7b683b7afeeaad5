package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"baatcheet/models"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"
)

// Authenticator verifies a bearer token once per channel.
type Authenticator interface {
	Authenticate(token string) (models.Principal, error)
}

// Dispatcher executes socket requests on behalf of a channel's principal.
type Dispatcher interface {
	ApprovedRooms(identityID string) ([]string, error)
	JoinRoom(identityID, roomID string) error
	SendMessage(ctx context.Context, sender models.Principal, req models.SendMessageRequest) (models.SendResult, error)
}

// ServerOptions configures the socket endpoint.
type ServerOptions struct {
	Auth       Authenticator
	Dispatcher Dispatcher
	Registry   *Registry
	Log        *logging.Logger

	Channel        ChannelOptions
	RequestTimeout time.Duration
	// CheckOrigin overrides the upgrader origin check. Nil accepts all
	// origins since native clients send none.
	CheckOrigin func(r *http.Request) bool
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Server upgrades authenticated HTTP requests to channels and serves the
// socket protocol on them.
type Server struct {
	options  ServerOptions
	upgrader websocket.Upgrader

	mu        sync.Mutex
	closing   bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer validates options and returns a socket server.
func NewServer(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Auth == nil || opts.Dispatcher == nil || opts.Registry == nil || opts.Log == nil {
		return nil, errors.New("network: auth, dispatcher, registry and log are required")
	}

	return &Server{
		options: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		closed: make(chan struct{}),
	}, nil
}

// ServeHTTP authenticates the request and runs the channel until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	default:
	}

	principal, err := s.options.Auth.Authenticate(BearerToken(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ReasonOf(err, "Unauthorized")})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.options.Log.Debugf("Upgrade failed for %s: %v", principal.ID, err)
		return
	}

	// Admission and Close share mu so that Add never races wg.Wait.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.serveChannel(newChannel(conn, principal, s.options.Channel))
}

// Close closes every channel and waits for their handlers to return.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		close(s.closed)
		s.mu.Unlock()

		s.options.Registry.CloseAll()
		s.wg.Wait()
	})
	return nil
}

func (s *Server) serveChannel(ch *Channel) {
	principal := ch.Principal()

	roomIDs, err := s.options.Dispatcher.ApprovedRooms(principal.ID)
	if err != nil {
		s.options.Log.Warningf("Failed to load rooms for %s: %v", principal.ID, err)
		roomIDs = nil
	}
	s.options.Registry.Add(ch, roomIDs)
	defer s.options.Registry.Remove(ch)
	s.options.Log.Debugf("Channel %s open for %s with %d rooms", ch.ID(), principal.ID, len(roomIDs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ch.Done():
		case <-s.closed:
		}
		cancel()
	}()

	for {
		payload, err := ch.Receive(ctx)
		if err != nil {
			if lastErr := ch.LastError(); lastErr != nil {
				s.options.Log.Debugf("Channel %s closed: %v", ch.ID(), lastErr)
			}
			_ = ch.Close()
			return
		}

		frame, err := DecodeFrame(payload)
		if err != nil {
			s.options.Log.Debugf("Dropping malformed frame on %s: %v", ch.ID(), err)
			continue
		}
		s.handleFrame(ctx, ch, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, ch *Channel, frame Frame) {
	reqCtx, cancel := context.WithTimeout(ctx, s.options.RequestTimeout)
	defer cancel()

	var ack models.Ack
	switch frame.Event {
	case EventRoomsJoin:
		ack = s.handleJoin(ch, frame)
	case EventMessageSend:
		ack = s.handleSend(reqCtx, ch, frame)
	default:
		ack = models.Ack{Error: "Unknown event"}
	}

	if frame.Seq == 0 {
		return
	}
	if err := ch.SendFrame(EventAck, frame.Seq, ack); err != nil {
		s.options.Log.Debugf("Failed to ack %s on %s: %v", frame.Event, ch.ID(), err)
	}
}

func (s *Server) handleJoin(ch *Channel, frame Frame) models.Ack {
	var req models.JoinRoomRequest
	if err := frame.DecodeData(&req); err != nil || strings.TrimSpace(req.RoomID) == "" {
		return models.Ack{Error: "Invalid payload"}
	}
	if err := s.options.Dispatcher.JoinRoom(ch.Principal().ID, req.RoomID); err != nil {
		return s.failure(frame.Event, err)
	}
	s.options.Registry.Subscribe(ch, req.RoomID)
	return models.Ack{OK: true}
}

func (s *Server) handleSend(ctx context.Context, ch *Channel, frame Frame) models.Ack {
	var req models.SendMessageRequest
	if err := frame.DecodeData(&req); err != nil {
		return models.Ack{Error: "Invalid payload"}
	}
	result, err := s.options.Dispatcher.SendMessage(ctx, ch.Principal(), req)
	if err != nil {
		return s.failure(frame.Event, err)
	}
	createdAt := result.CreatedAt
	return models.Ack{OK: true, ID: result.ID, CreatedAt: &createdAt}
}

func (s *Server) failure(event string, err error) models.Ack {
	reason := models.ReasonOf(err, "")
	if reason == "" {
		s.options.Log.Errorf("%s failed: %v", event, err)
		reason = "Server error"
	}
	return models.Ack{Error: reason}
}

// BearerToken extracts the token from the Authorization header or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
