package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"baatcheet/auth"
	"baatcheet/history"
	"baatcheet/logging"
	"baatcheet/media"
	"baatcheet/metrics"
	"baatcheet/models"
	"baatcheet/rooms"
	"baatcheet/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type stubPresigner struct{}

func (stubPresigner) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://store.example/" + key + "?put", nil
}

func (stubPresigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.example/" + key + "?get", nil
}

type harness struct {
	srv     *httptest.Server
	store   *storage.Store
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backend, err := logging.New("", "ERROR", true)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)

	m := metrics.New()
	opts := Options{
		Auth:        auth.NewService(store, issuer, m, backend.GetLogger("auth")),
		Rooms:       rooms.NewRegistry(store, backend.GetLogger("rooms")),
		History:     history.NewService(store, m),
		Media:       media.NewRelay(stubPresigner{}, "cdn.example", 0, backend.GetLogger("media")),
		Metrics:     m,
		Log:         backend.GetLogger("api"),
		MetricsPath: "/metrics",
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store, metrics: m}
}

func (h *harness) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) register(t *testing.T, username string) models.AuthResponse {
	t.Helper()
	var resp models.AuthResponse
	status := h.do(t, http.MethodPost, "/api/users/register", "", models.CredentialsRequest{
		Username: username,
		Password: "correct horse battery",
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Token)
	return resp
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	var resp models.OKResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "", nil, &resp))
	require.True(t, resp.OK)
}

func TestAccountFlow(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.register(t, "Alice")
	require.Equal(t, "alice", alice.User.Username)

	var errResp models.ErrorResponse
	status := h.do(t, http.MethodPost, "/api/users/register", "", models.CredentialsRequest{
		Username: "alice", Password: "correct horse battery",
	}, &errResp)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "Username already taken", errResp.Error)

	var login models.AuthResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/users/login", "", models.CredentialsRequest{
		Username: "alice", Password: "correct horse battery",
	}, &login))

	var me models.MeResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/users/me", login.Token, nil, &me))
	require.Equal(t, alice.User.ID, me.User.ID)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/users/logout-all", login.Token, nil, nil))

	errResp = models.ErrorResponse{}
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/users/me", login.Token, nil, &errResp))
	require.Equal(t, "Token revoked", errResp.Error)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	h := newHarness(t, nil)

	var errResp models.ErrorResponse
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/rooms/mine", "", nil, &errResp))
	require.Equal(t, "Missing token", errResp.Error)
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.register(t, "admin")
	guest := h.register(t, "guest")

	var created models.CreateRoomResponse
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/rooms/create", admin.Token,
		models.CreateRoomRequest{CodePhrase: "blue moon"}, &created))
	require.NotEmpty(t, created.RoomID)

	var joined models.JoinResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/rooms/join", guest.Token,
		models.JoinRequest{RoomID: created.RoomID, CodePhrase: "wrong", JoinNote: "hi"}, &joined))
	require.Equal(t, "Join request submitted", joined.Message)

	var errResp models.ErrorResponse
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/api/messages/"+created.RoomID, guest.Token, nil, &errResp))
	require.Equal(t, "Not a member", errResp.Error)

	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/rooms/approve", guest.Token,
		models.MemberActionRequest{RoomID: created.RoomID, MemberID: guest.User.ID}, nil))

	var approved models.ApproveResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/rooms/approve", admin.Token,
		models.MemberActionRequest{RoomID: created.RoomID, MemberID: guest.User.ID}, &approved))
	require.Equal(t, "Member approved", approved.Message)

	var members models.RoomMembersResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/rooms/"+created.RoomID+"/members", guest.Token, nil, &members))
	require.Len(t, members.Members, 2)

	var info models.RoomInfoResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/rooms/"+created.RoomID+"/info", admin.Token, nil, &info))
	require.True(t, info.IsAdmin)

	var mine models.MyRoomsResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/rooms/mine", guest.Token, nil, &mine))
	require.Len(t, mine.Rooms, 1)

	var page models.HistoryResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/messages/"+created.RoomID+"?limit=10", guest.Token, nil, &page))
	require.Empty(t, page.Messages)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/messages/"+created.RoomID+"?before=yesterday", guest.Token, nil, nil))

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/rooms/join", guest.Token,
		models.JoinRequest{RoomID: "missing1"}, nil))
}

func TestStartDirectReuses(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "alpha")
	h.register(t, "bravo")

	var first, second models.StartDirectResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/rooms/dm/start", a.Token,
		models.StartDirectRequest{TargetUsername: "bravo"}, &first))
	require.False(t, first.Reused)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/rooms/dm/start", a.Token,
		models.StartDirectRequest{TargetUsername: "bravo"}, &second))
	require.True(t, second.Reused)
	require.Equal(t, first.RoomID, second.RoomID)
}

func TestMediaRoutes(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "alpha")

	var upload models.UploadURLResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/media/upload-url", a.Token,
		models.UploadURLRequest{ContentType: "image/jpeg"}, &upload))
	require.True(t, strings.HasSuffix(upload.FileKey, ".jpeg"))
	require.Equal(t, "https://cdn.example/"+upload.FileKey, upload.FileURL)

	var download models.DownloadURLResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/media/download-url?fileKey="+upload.FileKey, a.Token, nil, &download))
	require.Equal(t, "https://store.example/"+upload.FileKey+"?get", download.DownloadURL)

	var errResp models.ErrorResponse
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/media/download-url", a.Token, nil, &errResp))
	require.Equal(t, "fileKey required", errResp.Error)
}

func TestMediaDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Media = nil })
	a := h.register(t, "alpha")

	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/api/media/upload-url", a.Token,
		models.UploadURLRequest{ContentType: "image/jpeg"}, nil))
}

func TestUserRoutesAreRateLimited(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.UserRateLimit = 2 })

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/users/me", "", nil, nil))
	}
	var errResp models.ErrorResponse
	require.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/api/users/me", "", nil, &errResp))
	require.Equal(t, "Too many requests", errResp.Error)

	// Room routes share no bucket with account routes.
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/rooms/mine", "", nil, nil))
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, nil)

	big := models.CredentialsRequest{Username: "alice", Password: strings.Repeat("x", MaxBodyBytes)}
	var errResp models.ErrorResponse
	require.Equal(t, http.StatusRequestEntityTooLarge, h.do(t, http.MethodPost, "/api/users/register", "", big, &errResp))

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/users/login", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSAllowList(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CORSOrigins = []string{"https://app.example"} })

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/rooms/mine", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	ok := preflight("https://app.example")
	require.Equal(t, http.StatusNoContent, ok.StatusCode)
	require.Equal(t, "https://app.example", ok.Header.Get("Access-Control-Allow-Origin"))

	denied := preflight("https://evil.example")
	require.Equal(t, http.StatusForbidden, denied.StatusCode)
}

func TestRequestsAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/health", "", nil, nil)
	h.do(t, http.MethodGet, "/health", "", nil, nil)

	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("GET /health", "200")))

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "baatcheet_http_requests_total")
}

func TestStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, statusFor(models.Reason(models.ErrUnauthorized, "x")))
	require.Equal(t, http.StatusForbidden, statusFor(models.ErrForbidden))
	require.Equal(t, http.StatusNotFound, statusFor(models.ErrNotFound))
	require.Equal(t, http.StatusBadRequest, statusFor(models.ErrExpired))
	require.Equal(t, http.StatusConflict, statusFor(models.ErrConflict))
	require.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
