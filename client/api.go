// Package client is the device side of baatcheet: it talks to the relay,
// holds the device keys and turns ciphertext into a readable timeline.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"baatcheet/models"
)

const defaultHTTPTimeout = 30 * time.Second

// APIError is a non-2xx relay response. It unwraps to the matching
// taxonomy error so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return models.ErrUnauthorized
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrInvalidPayload
	case http.StatusConflict:
		return models.ErrConflict
	default:
		return nil
	}
}

// API is a typed client for the relay's HTTP routes.
type API struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewAPI returns a client for baseURL. A nil httpClient uses a default with
// a request timeout.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token sent with every request.
func (a *API) SetToken(token string) {
	a.token = token
}

// Token returns the current bearer token.
func (a *API) Token() string {
	return a.token
}

// SocketURL returns the ws:// or wss:// address of the relay socket.
func (a *API) SocketURL() string {
	switch {
	case strings.HasPrefix(a.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(a.baseURL, "https://") + "/ws"
	case strings.HasPrefix(a.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(a.baseURL, "http://") + "/ws"
	default:
		return a.baseURL + "/ws"
	}
}

func (a *API) Register(ctx context.Context, username, password string) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := a.do(ctx, http.MethodPost, "/api/users/register", models.CredentialsRequest{Username: username, Password: password}, &out)
	return out, err
}

func (a *API) Login(ctx context.Context, username, password string) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := a.do(ctx, http.MethodPost, "/api/users/login", models.CredentialsRequest{Username: username, Password: password}, &out)
	return out, err
}

func (a *API) Me(ctx context.Context) (models.Principal, error) {
	var out models.MeResponse
	err := a.do(ctx, http.MethodGet, "/api/users/me", nil, &out)
	return out.User, err
}

func (a *API) LogoutAll(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/users/logout-all", nil, nil)
}

func (a *API) UploadPublicKey(ctx context.Context, publicKey string) error {
	return a.do(ctx, http.MethodPost, "/api/users/public-key", models.PublicKeyRequest{PublicKey: publicKey}, nil)
}

func (a *API) PublicKey(ctx context.Context, username string) (models.PublicKeyResponse, error) {
	var out models.PublicKeyResponse
	err := a.do(ctx, http.MethodGet, "/api/users/public-key/"+url.PathEscape(username), nil, &out)
	return out, err
}

func (a *API) AddPushToken(ctx context.Context, req models.PushTokenRequest) error {
	return a.do(ctx, http.MethodPost, "/api/users/fcm/add", req, nil)
}

func (a *API) RemovePushToken(ctx context.Context, token string) error {
	return a.do(ctx, http.MethodPost, "/api/users/fcm/remove", models.PushTokenRequest{Token: token}, nil)
}

func (a *API) CreateRoom(ctx context.Context, req models.CreateRoomRequest) (models.CreateRoomResponse, error) {
	var out models.CreateRoomResponse
	err := a.do(ctx, http.MethodPost, "/api/rooms/create", req, &out)
	return out, err
}

func (a *API) JoinRoom(ctx context.Context, req models.JoinRequest) (models.JoinResponse, error) {
	var out models.JoinResponse
	err := a.do(ctx, http.MethodPost, "/api/rooms/join", req, &out)
	return out, err
}

func (a *API) Approve(ctx context.Context, roomID, memberID string) (models.ApproveResponse, error) {
	var out models.ApproveResponse
	err := a.do(ctx, http.MethodPost, "/api/rooms/approve", models.MemberActionRequest{RoomID: roomID, MemberID: memberID}, &out)
	return out, err
}

func (a *API) Deny(ctx context.Context, roomID, memberID string) (models.DenyResponse, error) {
	var out models.DenyResponse
	err := a.do(ctx, http.MethodPost, "/api/rooms/deny", models.MemberActionRequest{RoomID: roomID, MemberID: memberID}, &out)
	return out, err
}

func (a *API) MyRooms(ctx context.Context) (models.MyRoomsResponse, error) {
	var out models.MyRoomsResponse
	err := a.do(ctx, http.MethodGet, "/api/rooms/mine", nil, &out)
	return out, err
}

func (a *API) Members(ctx context.Context, roomID string) (models.RoomMembersResponse, error) {
	var out models.RoomMembersResponse
	err := a.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/members", nil, &out)
	return out, err
}

func (a *API) RoomInfo(ctx context.Context, roomID string) (models.RoomInfoResponse, error) {
	var out models.RoomInfoResponse
	err := a.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/info", nil, &out)
	return out, err
}

func (a *API) StartDirect(ctx context.Context, req models.StartDirectRequest) (models.StartDirectResponse, error) {
	var out models.StartDirectResponse
	err := a.do(ctx, http.MethodPost, "/api/rooms/dm/start", req, &out)
	return out, err
}

// History fetches one page. A zero before asks for the newest page.
func (a *API) History(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	query := url.Values{}
	if !before.IsZero() {
		query.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages/" + url.PathEscape(roomID)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out models.HistoryResponse
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (a *API) UploadURL(ctx context.Context, contentType string) (models.UploadURLResponse, error) {
	var out models.UploadURLResponse
	err := a.do(ctx, http.MethodPost, "/api/media/upload-url", models.UploadURLRequest{ContentType: contentType}, &out)
	return out, err
}

func (a *API) DownloadURL(ctx context.Context, fileKey string) (models.DownloadURLResponse, error) {
	var out models.DownloadURLResponse
	err := a.do(ctx, http.MethodGet, "/api/media/download-url?fileKey="+url.QueryEscape(fileKey), nil, &out)
	return out, err
}

// PutObject uploads already encrypted bytes to a presigned URL.
func (a *API) PutObject(ctx context.Context, uploadURL, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload object: status %d", resp.StatusCode)
	}
	return nil
}

// GetObject downloads bytes from a presigned or public URL.
func (a *API) GetObject(ctx context.Context, objectURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("download object: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e models.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&e); decodeErr != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsAPIStatus reports whether err is an APIError with status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
