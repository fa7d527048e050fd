// Package server hosts the gateway's network surfaces: the device WebSocket
// endpoint, the OTA bootstrap and vision HTTP endpoints, and the health and
// metrics handlers.
//
// Two listeners run side by side. The WebSocket listener serves only the
// device channel; the HTTP listener carries everything devices touch before
// they have a channel (OTA, vision) plus the operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/gateway"
	"github.com/MrWong99/auricle/internal/health"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/prompt"
	"github.com/MrWong99/auricle/pkg/provider/vllm"
)

const (
	// wsReadLimit caps a single inbound frame. Audio frames are small; this
	// mostly guards against a device streaming a runaway JSON blob.
	wsReadLimit = 1 << 20

	shutdownTimeout = 10 * time.Second

	// restartDelay leaves the success reply time to reach the device before
	// the process re-execs.
	restartDelay = time.Second
)

// Options configures a [Server].
type Options struct {
	// Config is the startup configuration. Required.
	Config *config.Config

	// ConfigPath is the file UpdateConfig reloads from. Empty disables the
	// update_config server action.
	ConfigPath string

	// Gateway holds the per-connection dependencies. Registrar and Control
	// are overwritten: the server fills those roles itself.
	Gateway gateway.Deps

	// VLLM answers vision analysis requests. Nil disables the endpoint.
	VLLM vllm.Provider

	// Health serves /healthz and /readyz. Nil means a checker-less handler.
	Health *health.Handler

	// Metrics instruments the HTTP surface. Nil disables the middleware.
	Metrics *observe.Metrics

	// LogLevel, when non-nil, is swapped in place on config reload.
	LogLevel *slog.LevelVar

	// Prompt, when non-nil, picks up the reloaded persona template.
	Prompt *prompt.Manager

	// RestartFn replaces the process re-exec used by the restart action.
	// Tests inject a stub here.
	RestartFn func()

	Logger *slog.Logger
}

// Server owns the listeners and the device-id → connection map. It implements
// [gateway.Registrar] and [gateway.ControlPlane] for the connections it
// accepts.
type Server struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	cfgPath string

	gw        *gateway.Gateway
	vllm      vllm.Provider
	health    *health.Handler
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	prompt    *prompt.Manager
	restartFn func()
	log       *slog.Logger

	connMu sync.Mutex
	conns  map[string]*gateway.Connection
}

// New builds a Server and its gateway from opts.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	s := &Server{
		cfg:       opts.Config,
		cfgPath:   opts.ConfigPath,
		vllm:      opts.VLLM,
		health:    opts.Health,
		metrics:   opts.Metrics,
		logLevel:  opts.LogLevel,
		prompt:    opts.Prompt,
		restartFn: opts.RestartFn,
		log:       opts.Logger,
		conns:     make(map[string]*gateway.Connection),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.restartFn == nil {
		s.restartFn = s.reexec
	}

	deps := opts.Gateway
	deps.Config = opts.Config
	deps.Registrar = s
	deps.Control = s
	s.gw = gateway.New(deps)
	return s, nil
}

// WSHandler returns the handler for the WebSocket listener.
func (s *Server) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xiaozhi/v1/", s.handleWS)
	return mux
}

// HTTPHandler returns the handler for the OTA/vision/operations listener.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xiaozhi/ota/", s.handleOTA)
	mux.HandleFunc("/mcp/vision/explain", s.handleVision)
	s.health.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// Run serves both listeners until ctx is cancelled, then shuts them down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	wsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port),
		Handler: s.WSHandler(),
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.HTTPPort),
		Handler: s.HTTPHandler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("websocket listener up", "addr", wsSrv.Addr)
		if err := wsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: websocket listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("http listener up", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = wsSrv.Shutdown(shutCtx)
		_ = httpSrv.Shutdown(shutCtx)
		s.closeAll("server shutting down")
		return nil
	})
	return g.Wait()
}

// handleWS upgrades the request and runs the device connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	s.gw.Handle(r.Context(), conn, r)
}

// Register adds a connection to the device map. A device reconnecting while
// its old connection lingers evicts the old one.
func (s *Server) Register(deviceID string, c *gateway.Connection) {
	s.connMu.Lock()
	old := s.conns[deviceID]
	s.conns[deviceID] = c
	s.connMu.Unlock()
	if old != nil && old != c {
		s.log.Info("evicting stale connection", "device_id", deviceID)
		old.Close("superseded by new connection")
	}
}

// Unregister removes a connection, but only if it still owns the slot.
func (s *Server) Unregister(deviceID string, c *gateway.Connection) {
	s.connMu.Lock()
	if s.conns[deviceID] == c {
		delete(s.conns, deviceID)
	}
	s.connMu.Unlock()
}

// Connection returns the live connection for a device, or nil.
func (s *Server) Connection(deviceID string) *gateway.Connection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conns[deviceID]
}

// Broadcast pushes a JSON message to every connected device and returns how
// many sends succeeded.
func (s *Server) Broadcast(ctx context.Context, msg any) int {
	s.connMu.Lock()
	conns := make([]*gateway.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.Push(ctx, msg); err != nil {
			s.log.Debug("broadcast send failed", "device_id", c.DeviceID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) closeAll(reason string) {
	s.connMu.Lock()
	conns := make([]*gateway.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.Close(reason)
	}
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}
