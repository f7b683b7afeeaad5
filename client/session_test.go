package client

import (
	"context"
	"testing"
	"time"

	"baatcheet/config"
	"baatcheet/models"
	"baatcheet/relay"

	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

func startRelay(t *testing.T) string {
	t.Helper()
	t.Setenv("BAATCHEET_CONFIG", "")
	t.Setenv("BAATCHEET_DATA_DIR", t.TempDir())

	cfg, err := config.LoadRelay("")
	require.NoError(t, err)
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Logging.Disable = true

	r, err := relay.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Shutdown()
		r.Wait()
	})
	return r.BaseURL()
}

type device struct {
	api      *API
	identity *Identity
	user     models.Principal
}

// newDevice registers username and optionally publishes a key.
func newDevice(t *testing.T, baseURL, username string, upload bool) *device {
	t.Helper()
	ctx := context.Background()

	cfg, path, err := config.LoadOrCreateAt(t.TempDir())
	require.NoError(t, err)
	cfg.RelayURL = baseURL
	identity, err := LoadIdentity(cfg, path)
	require.NoError(t, err)

	api := NewAPI(baseURL, nil)
	resp, err := api.Register(ctx, username, testPassword)
	require.NoError(t, err)
	api.SetToken(resp.Token)
	require.NoError(t, identity.Remember(resp.User.ID, resp.User.Username, resp.Token))

	if upload {
		require.NoError(t, identity.UploadKey(ctx, api))
	} else {
		require.NoError(t, identity.EnsureKeyPair())
	}
	return &device{api: api, identity: identity, user: resp.User}
}

func (d *device) session(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(d.api, d.identity, testLogger(t), SessionOptions{})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	return s
}

func waitUpdate(t *testing.T, s *Session, match func(Update) bool) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update")
			return Update{}
		}
	}
}

// newRoom creates a room owned by admin with every other device approved.
func newRoom(t *testing.T, admin *device, others ...*device) string {
	t.Helper()
	ctx := context.Background()

	created, err := admin.api.CreateRoom(ctx, models.CreateRoomRequest{CodePhrase: "blue moon"})
	require.NoError(t, err)
	for _, d := range others {
		_, err := d.api.JoinRoom(ctx, models.JoinRequest{RoomID: created.RoomID, CodePhrase: "blue moon"})
		require.NoError(t, err)
		_, err = admin.api.Approve(ctx, created.RoomID, d.user.ID)
		require.NoError(t, err)
	}
	return created.RoomID
}

func TestSessionSendAndReceive(t *testing.T) {
	baseURL := startRelay(t)
	alice := newDevice(t, baseURL, "alice", true)
	bob := newDevice(t, baseURL, "bob", true)
	carol := newDevice(t, baseURL, "carol", false)
	roomID := newRoom(t, alice, bob, carol)

	aliceSession := alice.session(t)
	bobSession := bob.session(t)
	ctx := context.Background()
	require.NoError(t, aliceSession.JoinRoom(ctx, roomID))
	require.NoError(t, bobSession.JoinRoom(ctx, roomID))

	report, err := aliceSession.Send(ctx, roomID, "hello bob")
	require.NoError(t, err)
	require.NotEmpty(t, report.ID)
	require.False(t, report.CreatedAt.IsZero())
	require.Len(t, report.Unreachable, 1)
	require.Equal(t, carol.user.ID, report.Unreachable[0].UserID)

	got := waitUpdate(t, bobSession, func(u Update) bool { return u.Entry.ID == report.ID })
	require.Equal(t, roomID, got.RoomID)
	require.Equal(t, "hello bob", got.Entry.Text)
	require.Equal(t, alice.user.ID, got.Entry.SenderID)
	require.False(t, got.Entry.Mine)
	require.False(t, got.Entry.System)

	echo := waitUpdate(t, aliceSession, func(u Update) bool { return u.Entry.ID == report.ID })
	require.True(t, echo.Entry.Mine)
	require.Equal(t, "hello bob", echo.Entry.Text)

	page, err := bobSession.LoadHistory(ctx, roomID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "hello bob", page[0].Text)
	require.Equal(t, 1, bobSession.Timeline(roomID).Len())
}

func TestSessionHistoryWithoutEnvelope(t *testing.T) {
	baseURL := startRelay(t)
	alice := newDevice(t, baseURL, "alice", true)
	carol := newDevice(t, baseURL, "carol", false)
	roomID := newRoom(t, alice, carol)

	aliceSession := alice.session(t)
	ctx := context.Background()
	first, err := aliceSession.Send(ctx, roomID, "one")
	require.NoError(t, err)
	second, err := aliceSession.Send(ctx, roomID, "two")
	require.NoError(t, err)

	carolSession := carol.session(t)
	page, err := carolSession.LoadHistory(ctx, roomID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, first.ID, page[0].ID)
	require.Equal(t, second.ID, page[1].ID)
	for _, entry := range page {
		require.True(t, entry.System)
		require.Equal(t, SystemAlias, entry.Alias)
		require.Equal(t, PlaceholderNoKey, entry.Text)
	}
}

func TestSessionSendNeedsReachableMember(t *testing.T) {
	baseURL := startRelay(t)
	carol := newDevice(t, baseURL, "carol", false)
	created, err := carol.api.CreateRoom(context.Background(), models.CreateRoomRequest{})
	require.NoError(t, err)

	s := carol.session(t)
	_, err = s.Send(context.Background(), created.RoomID, "anyone?")
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestSessionRequiresLoginAndKey(t *testing.T) {
	cfg, path, err := config.LoadOrCreateAt(t.TempDir())
	require.NoError(t, err)
	identity, err := LoadIdentity(cfg, path)
	require.NoError(t, err)

	_, err = NewSession(NewAPI("http://localhost:1", nil), identity, testLogger(t), SessionOptions{})
	require.ErrorIs(t, err, ErrLoggedOut)

	require.NoError(t, identity.Remember("u1", "mira", "tok"))
	_, err = NewSession(NewAPI("http://localhost:1", nil), identity, testLogger(t), SessionOptions{})
	require.ErrorIs(t, err, ErrNoKey)
}

func TestSessionRevokedTokenStopsRetrying(t *testing.T) {
	baseURL := startRelay(t)
	mira := newDevice(t, baseURL, "mira", true)
	require.NoError(t, mira.api.LogoutAll(context.Background()))

	s, err := NewSession(mira.api, mira.identity, testLogger(t), SessionOptions{ConnectTimeout: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	started := time.Now()
	err = s.Connect(context.Background())
	require.ErrorIs(t, err, models.ErrUnauthorized)
	require.Less(t, time.Since(started), 10*time.Second)

	_, err = s.Send(context.Background(), "room0001", "x")
	require.ErrorIs(t, err, ErrNotConnected)
}
