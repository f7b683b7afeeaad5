// Package relay assembles the relay daemon from its configuration: storage,
// accounts, rooms, the socket endpoint, delivery, push, history, media and
// LAN advertisement.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"baatcheet/api"
	"baatcheet/auth"
	"baatcheet/config"
	"baatcheet/delivery"
	"baatcheet/discovery"
	"baatcheet/history"
	"baatcheet/logging"
	"baatcheet/media"
	"baatcheet/metrics"
	"baatcheet/network"
	"baatcheet/notify"
	"baatcheet/rooms"
	"baatcheet/storage"

	"github.com/google/uuid"
	gologging "gopkg.in/op/go-logging.v1"
)

const (
	relayIDFileName   = "relay.id"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Relay is a running relay instance.
type Relay struct {
	cfg *config.RelayConfig

	logBackend *logging.Backend
	log        *gologging.Logger

	relayID string
	dbPath  string

	store      *storage.Store
	metrics    *metrics.Metrics
	notifier   *notify.Notifier
	socket     *network.Server
	httpServer *http.Server
	listener   net.Listener
	advertiser *discovery.Advertiser

	serveErr chan error
	haltedCh chan struct{}
	haltOnce sync.Once
}

// New brings up every component and starts serving on
// cfg.Server.ListenAddress.
func New(cfg *config.RelayConfig) (*Relay, error) {
	r := &Relay{
		cfg:      cfg,
		serveErr: make(chan error, 1),
		haltedCh: make(chan struct{}),
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("relay: failed to create DataDir: %w", err)
	}
	if err := r.initLogging(); err != nil {
		return nil, err
	}
	if cfg.Logging.Level == "DEBUG" {
		r.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call r.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			r.Shutdown()
		}
	}()

	var err error
	if r.relayID, err = loadRelayID(cfg.Server.DataDir); err != nil {
		return nil, err
	}
	if r.store, r.dbPath, err = storage.Open(cfg.Server.DataDir); err != nil {
		return nil, err
	}
	r.metrics = metrics.New()

	secret, err := cfg.JWTSecret()
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(secret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	authService := auth.NewService(r.store, issuer, r.metrics, r.logBackend.GetLogger("auth"))
	roomRegistry := rooms.NewRegistry(r.store, r.logBackend.GetLogger("rooms"))

	historyService := history.NewService(r.store, r.metrics)
	historyService.SetLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit)

	transport, err := r.pushTransport()
	if err != nil {
		return nil, err
	}
	r.notifier = notify.New(r.store, transport, r.metrics, r.logBackend.GetLogger("notify"), notify.Options{
		QueueSize: cfg.Push.QueueSize,
		Workers:   cfg.Push.Workers,
	})

	channels := network.NewRegistry(r.metrics)
	engine := delivery.NewEngine(r.store, channels, r.notifier, r.metrics, r.logBackend.GetLogger("delivery"))
	r.socket, err = network.NewServer(network.ServerOptions{
		Auth:       authService,
		Dispatcher: engine,
		Registry:   channels,
		Log:        r.logBackend.GetLogger("network"),
	})
	if err != nil {
		return nil, err
	}

	mediaRelay, err := r.mediaRelay()
	if err != nil {
		return nil, err
	}

	apiServer, err := api.NewServer(api.Options{
		Auth:           authService,
		Rooms:          roomRegistry,
		History:        historyService,
		Media:          mediaRelay,
		Socket:         r.socket,
		Metrics:        r.metrics,
		Log:            r.logBackend.GetLogger("api"),
		CORSOrigins:    cfg.Server.CORSOrigins,
		MetricsPath:    cfg.Server.MetricsPath,
		UserRateLimit:  cfg.Server.UserRateLimit,
		UserRateWindow: time.Duration(cfg.Server.UserRateWindowMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	if r.listener, err = net.Listen("tcp", cfg.Server.ListenAddress); err != nil {
		r.log.Errorf("Failed to start listener '%v': %v", cfg.Server.ListenAddress, err)
		return nil, fmt.Errorf("relay: listen: %w", err)
	}
	r.httpServer = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go r.serve()

	if cfg.Discovery.Enable {
		r.startAdvertiser()
	}

	isOk = true
	return r, nil
}

func (r *Relay) initLogging() error {
	p := r.cfg.Logging.File
	if !r.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(r.cfg.Server.DataDir, p)
	}

	var err error
	r.logBackend, err = logging.New(p, r.cfg.Logging.Level, r.cfg.Logging.Disable)
	if err == nil {
		r.log = r.logBackend.GetLogger("relay")
	}
	return err
}

func (r *Relay) pushTransport() (notify.Transport, error) {
	log := r.logBackend.GetLogger("notify")
	if !r.cfg.Push.Enable {
		log.Notice("Push disabled, offline hints are logged only.")
		return notify.LogTransport{Log: log}, nil
	}
	transport, err := notify.NewFCMTransport(context.Background(), r.cfg.Push.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func (r *Relay) mediaRelay() (*media.Relay, error) {
	mc := r.cfg.Media
	if !mc.Enable {
		r.log.Notice("Media disabled.")
		return nil, nil
	}
	presigner, err := media.NewMinioPresigner(media.StoreConfig{
		Endpoint:  mc.Endpoint,
		Bucket:    mc.Bucket,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Region:    mc.Region,
		UseSSL:    mc.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	expiry := time.Duration(mc.URLExpirySeconds) * time.Second
	return media.NewRelay(presigner, mc.PublicHost, expiry, r.logBackend.GetLogger("media")), nil
}

func (r *Relay) startAdvertiser() {
	port, err := discovery.PortFromAddr(r.listener.Addr().String())
	if err != nil {
		r.log.Warningf("Discovery disabled: %v", err)
		return
	}
	r.advertiser, err = discovery.StartAdvertiser(discovery.Config{
		RelayID:  r.relayID,
		Instance: r.cfg.Discovery.Instance,
		Port:     port,
	})
	if err != nil {
		r.log.Warningf("Discovery startup failed: %v", err)
		return
	}
	r.log.Noticef("Advertising %q on the local network.", r.cfg.Discovery.Instance)
}

func (r *Relay) serve() {
	r.log.Noticef("Listening on: %v", r.listener.Addr())
	err := r.httpServer.Serve(r.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.log.Errorf("Critical serve failure: %v", err)
		r.serveErr <- err
		go r.Shutdown()
	}
}

// Addr is the bound listen address.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// BaseURL is the http:// address clients on this host can use.
func (r *Relay) BaseURL() string {
	addr := r.Addr().String()
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "::" || host == "0.0.0.0") {
		addr = net.JoinHostPort("localhost", port)
	}
	return "http://" + addr
}

// RelayID is the persistent identifier advertised over mDNS.
func (r *Relay) RelayID() string {
	return r.relayID
}

// DatabasePath is the SQLite file in use.
func (r *Relay) DatabasePath() string {
	return r.dbPath
}

// RotateLog reopens the log file if logging to a file.
func (r *Relay) RotateLog() {
	if err := r.logBackend.Rotate(); err != nil {
		r.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	r.log.Notice("Log rotated.")
}

// Halted is closed once the relay has shut down.
func (r *Relay) Halted() <-chan struct{} {
	return r.haltedCh
}

// Wait blocks until the relay has shut down.
func (r *Relay) Wait() {
	<-r.haltedCh
}

// Err returns the serve failure that caused a shutdown, if any.
func (r *Relay) Err() error {
	select {
	case err := <-r.serveErr:
		return err
	default:
		return nil
	}
}

// Shutdown cleanly shuts the relay down. Repeated calls are no-ops.
func (r *Relay) Shutdown() {
	r.haltOnce.Do(r.halt)
}

func (r *Relay) halt() {
	if r.log != nil {
		r.log.Notice("Starting graceful shutdown.")
	}

	r.advertiser.Stop()
	if r.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.log.Warningf("HTTP shutdown: %v", err)
		}
		cancel()
	} else if r.listener != nil {
		_ = r.listener.Close()
	}
	// Upgraded sockets are hijacked and outlive http.Server.Shutdown.
	if r.socket != nil {
		_ = r.socket.Close()
	}
	if r.notifier != nil {
		r.notifier.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warningf("Database close error: %v", err)
		}
	}

	if r.log != nil {
		r.log.Notice("Shutdown complete.")
	}
	if r.logBackend != nil {
		_ = r.logBackend.Close()
	}
	close(r.haltedCh)
}

// loadRelayID returns the relay id stored under dataDir, creating it on
// first start.
func loadRelayID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, relayIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("relay: corrupt relay id in %s", path)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read relay id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write relay id: %w", err)
	}
	return id, nil
}
