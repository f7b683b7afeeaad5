package network

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"baatcheet/logging"
	"baatcheet/models"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(token string) (models.Principal, error) {
	if !strings.HasPrefix(token, "tok-") {
		return models.Principal{}, models.Reason(models.ErrUnauthorized, "Invalid token")
	}
	id := strings.TrimPrefix(token, "tok-")
	return models.Principal{ID: id, Username: id}, nil
}

type fakeDispatcher struct {
	registry *Registry

	mu       sync.Mutex
	rooms    map[string][]string
	block    chan struct{}
	received []models.SendMessageRequest
}

func (d *fakeDispatcher) ApprovedRooms(identityID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[identityID], nil
}

func (d *fakeDispatcher) JoinRoom(identityID, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.rooms[identityID] {
		if r == roomID {
			return nil
		}
	}
	if roomID == "missing" {
		return models.Reason(models.ErrNotFound, "Room not found")
	}
	return models.Reason(models.ErrForbidden, "Not a member")
}

func (d *fakeDispatcher) SendMessage(ctx context.Context, sender models.Principal, req models.SendMessageRequest) (models.SendResult, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return models.SendResult{}, ctx.Err()
		}
	}
	if len(req.KeyEnvelope) == 0 {
		return models.SendResult{}, models.Reason(models.ErrInvalidPayload, "Invalid payload")
	}

	d.mu.Lock()
	d.received = append(d.received, req)
	d.mu.Unlock()

	result := models.SendResult{ID: "msg-1", CreatedAt: time.Now().UTC()}
	for _, env := range req.KeyEnvelope {
		encKey := env.EncKey
		for _, ch := range d.registry.Channels(env.UserID) {
			_ = ch.SendFrame(EventMessageNew, 0, models.Delivery{
				ID:       result.ID,
				RoomID:   req.RoomID,
				SenderID: sender.ID,
				EncKey:   &encKey,
			})
		}
	}
	return result, nil
}

func startTestServer(t *testing.T, dispatcher *fakeDispatcher) (string, *Registry) {
	t.Helper()

	backend, err := logging.New("", "ERROR", true)
	if err != nil {
		t.Fatalf("logging backend: %v", err)
	}

	registry := NewRegistry(nil)
	dispatcher.registry = registry
	server, err := NewServer(ServerOptions{
		Auth:           fakeAuth{},
		Dispatcher:     dispatcher,
		Registry:       registry,
		Log:            backend.GetLogger("network"),
		RequestTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})
	return "ws" + strings.TrimPrefix(httpServer.URL, "http"), registry
}

func dialTest(t *testing.T, url, token string) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, token, DialOptions{AckTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeFrame(EventRoomsJoin, 7, models.JoinRoomRequest{RoomID: "room0001"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Event != EventRoomsJoin || frame.Seq != 7 {
		t.Fatalf("unexpected frame header: %+v", frame)
	}

	var req models.JoinRoomRequest
	if err := frame.DecodeData(&req); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if req.RoomID != "room0001" {
		t.Fatalf("expected room0001, got %q", req.RoomID)
	}

	if _, err := DecodeFrame([]byte(`{"seq":1}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	url, _ := startTestServer(t, &fakeDispatcher{})

	_, err := Dial(context.Background(), url, "garbage", DialOptions{})
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestChannelAutoSubscribesApprovedRooms(t *testing.T) {
	dispatcher := &fakeDispatcher{rooms: map[string][]string{"u1": {"room-b", "room-a"}}}
	url, registry := startTestServer(t, dispatcher)

	dialTest(t, url, "tok-u1")
	waitFor(t, "channel registration", func() bool { return registry.Online("u1") })

	channels := registry.Channels("u1")
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(channels))
	}
	subs := registry.Subscriptions(channels[0])
	if len(subs) != 2 || subs[0] != "room-a" || subs[1] != "room-b" {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}
}

func TestJoinRoomAcks(t *testing.T) {
	dispatcher := &fakeDispatcher{rooms: map[string][]string{"u1": {"room-a"}}}
	url, registry := startTestServer(t, dispatcher)
	client := dialTest(t, url, "tok-u1")

	ctx := context.Background()
	if err := client.JoinRoom(ctx, "room-a"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	err := client.JoinRoom(ctx, "room-x")
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "Not a member") {
		t.Fatalf("expected Not a member rejection, got %v", err)
	}

	err = client.JoinRoom(ctx, "missing")
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "Room not found") {
		t.Fatalf("expected Room not found rejection, got %v", err)
	}

	var ack models.Ack
	if err := client.Call(ctx, EventRoomsJoin, map[string]string{}, &ack); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ack.OK || ack.Error != "Invalid payload" {
		t.Fatalf("expected Invalid payload ack, got %+v", ack)
	}

	if registry.Count() != 1 {
		t.Fatalf("expected one registered channel, got %d", registry.Count())
	}
}

func TestSendMessageAckAndFanOutToEveryChannel(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	url, registry := startTestServer(t, dispatcher)

	sender := dialTest(t, url, "tok-u1")
	phone := dialTest(t, url, "tok-u2")
	laptop := dialTest(t, url, "tok-u2")
	waitFor(t, "both u2 channels", func() bool { return len(registry.Channels("u2")) == 2 })

	ack, err := sender.SendMessage(context.Background(), models.SendMessageRequest{
		RoomID:      "room-a",
		Type:        models.MessageTypeText,
		Ciphertext:  "Y2lwaGVy",
		IV:          "aXY=",
		KeyEnvelope: []models.KeyEnvelope{{UserID: "u2", EncKey: "k2"}},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !ack.OK || ack.ID != "msg-1" || ack.CreatedAt == nil {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	for name, client := range map[string]*Client{"phone": phone, "laptop": laptop} {
		select {
		case frame := <-client.Events():
			if frame.Event != EventMessageNew {
				t.Fatalf("%s: expected message:new, got %s", name, frame.Event)
			}
			var delivery models.Delivery
			if err := frame.DecodeData(&delivery); err != nil {
				t.Fatalf("%s: decode delivery: %v", name, err)
			}
			if delivery.EncKey == nil || *delivery.EncKey != "k2" {
				t.Fatalf("%s: expected own envelope, got %+v", name, delivery.EncKey)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: timed out waiting for delivery", name)
		}
	}

	_, err = sender.SendMessage(context.Background(), models.SendMessageRequest{RoomID: "room-a"})
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "Invalid payload") {
		t.Fatalf("expected Invalid payload rejection, got %v", err)
	}
}

func TestCallTimesOutAndDiscardsFuture(t *testing.T) {
	dispatcher := &fakeDispatcher{block: make(chan struct{})}
	url, _ := startTestServer(t, dispatcher)
	client := dialTest(t, url, "tok-u1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.SendMessage(ctx, models.SendMessageRequest{
		RoomID:      "room-a",
		KeyEnvelope: []models.KeyEnvelope{{UserID: "u1", EncKey: "k1"}},
	})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}

	client.pendingMu.Lock()
	pending := len(client.pending)
	client.pendingMu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no pending futures, got %d", pending)
	}
	close(dispatcher.block)
}

func TestRegistryRemovesClosedChannels(t *testing.T) {
	url, registry := startTestServer(t, &fakeDispatcher{})

	client := dialTest(t, url, "tok-u3")
	waitFor(t, "registration", func() bool { return registry.Online("u3") })

	_ = client.Close()
	waitFor(t, "removal", func() bool { return !registry.Online("u3") })

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Fatalf("expected events channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for events channel to close")
	}
}

func TestCloseWhileChannelsOpen(t *testing.T) {
	backend, err := logging.New("", "ERROR", true)
	if err != nil {
		t.Fatalf("logging backend: %v", err)
	}
	registry := NewRegistry(nil)
	server, err := NewServer(ServerOptions{
		Auth:       fakeAuth{},
		Dispatcher: &fakeDispatcher{registry: registry},
		Registry:   registry,
		Log:        backend.GetLogger("network"),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	var wg sync.WaitGroup
	clients := make(chan *Client, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if client, err := Dial(ctx, url, "tok-u1", DialOptions{}); err == nil {
				clients <- client
			}
		}()
	}

	closed := make(chan struct{})
	go func() {
		_ = server.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
	wg.Wait()
	close(clients)

	for client := range clients {
		select {
		case <-client.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("channel admitted before Close was left open")
		}
		_ = client.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if client, err := Dial(ctx, url, "tok-u1", DialOptions{}); err == nil {
		_ = client.Close()
		t.Fatalf("expected Dial to fail after Close")
	}
	waitFor(t, "empty registry", func() bool { return registry.Count() == 0 })
}
