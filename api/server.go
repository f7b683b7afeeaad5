// Package api serves the relay's HTTP JSON surface and mounts the socket
// endpoint next to it.
package api

import (
	"errors"
	"net/http"
	"time"

	"baatcheet/auth"
	"baatcheet/history"
	"baatcheet/media"
	"baatcheet/metrics"
	"baatcheet/rooms"

	"gopkg.in/op/go-logging.v1"
)

const (
	// MaxBodyBytes caps every JSON request body.
	MaxBodyBytes = 100 << 10

	DefaultUserRateLimit  = 50
	DefaultUserRateWindow = 15 * time.Minute
)

// Options wires the services behind the HTTP routes.
type Options struct {
	Auth    *auth.Service
	Rooms   *rooms.Registry
	History *history.Service
	// Media is nil when no object store is configured.
	Media   *media.Relay
	Socket  http.Handler
	Metrics *metrics.Metrics
	Log     *logging.Logger

	// CORSOrigins is the browser origin allow-list. Empty allows any origin.
	CORSOrigins    []string
	MetricsPath    string
	UserRateLimit  int
	UserRateWindow time.Duration
}

// Server routes HTTP requests to the relay services.
type Server struct {
	opts    Options
	mux     *http.ServeMux
	limiter *ipLimiter
	origins map[string]struct{}
}

// NewServer validates opts and registers every route.
func NewServer(opts Options) (*Server, error) {
	if opts.Auth == nil || opts.Rooms == nil || opts.History == nil || opts.Metrics == nil || opts.Log == nil {
		return nil, errors.New("api: auth, rooms, history, metrics and log are required")
	}
	if opts.UserRateLimit <= 0 {
		opts.UserRateLimit = DefaultUserRateLimit
	}
	if opts.UserRateWindow <= 0 {
		opts.UserRateWindow = DefaultUserRateWindow
	}

	s := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newIPLimiter(opts.UserRateLimit, opts.UserRateWindow),
		origins: make(map[string]struct{}, len(opts.CORSOrigins)),
	}
	for _, origin := range opts.CORSOrigins {
		s.origins[origin] = struct{}{}
	}
	s.routes()
	return s, nil
}

// Handler returns the root handler with CORS and request metrics applied.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.cors(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.MetricsPath != "" {
		s.mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics.Handler())
	}
	if s.opts.Socket != nil {
		s.mux.Handle("GET /ws", s.opts.Socket)
	}

	users := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, s.rateLimit(h))
	}
	users("POST /api/users/register", s.handleRegister)
	users("POST /api/users/login", s.handleLogin)
	users("GET /api/users/me", s.requireAuth(s.handleMe))
	users("POST /api/users/public-key", s.requireAuth(s.handleSetPublicKey))
	users("GET /api/users/public-key/{username}", s.requireAuth(s.handleGetPublicKey))
	users("POST /api/users/logout-all", s.requireAuth(s.handleLogoutAll))
	users("POST /api/users/fcm/add", s.requireAuth(s.handleAddPushToken))
	users("POST /api/users/fcm/remove", s.requireAuth(s.handleRemovePushToken))

	s.mux.HandleFunc("POST /api/rooms/create", s.requireAuth(s.handleCreateRoom))
	s.mux.HandleFunc("POST /api/rooms/join", s.requireAuth(s.handleJoinRoom))
	s.mux.HandleFunc("POST /api/rooms/approve", s.requireAuth(s.handleApprove))
	s.mux.HandleFunc("POST /api/rooms/deny", s.requireAuth(s.handleDeny))
	s.mux.HandleFunc("GET /api/rooms/mine", s.requireAuth(s.handleMyRooms))
	s.mux.HandleFunc("GET /api/rooms/{roomId}/members", s.requireAuth(s.handleMembers))
	s.mux.HandleFunc("GET /api/rooms/{roomId}/info", s.requireAuth(s.handleRoomInfo))
	s.mux.HandleFunc("POST /api/rooms/dm/start", s.requireAuth(s.handleStartDirect))

	s.mux.HandleFunc("GET /api/messages/{roomId}", s.requireAuth(s.handleHistory))

	s.mux.HandleFunc("POST /api/media/upload-url", s.requireAuth(s.handleUploadURL))
	s.mux.HandleFunc("GET /api/media/download-url", s.requireAuth(s.handleDownloadURL))
}
