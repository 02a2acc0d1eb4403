// Package server exposes the tag engine over HTTP and WebSocket and
// advertises it on the local network.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotside-studios/tagengine/buildinfo"
)

// Config holds the server configuration.
type Config struct {
	Engine         Engine
	Port           int
	APISecret      string              // optional secret for the API and WebSocket
	SessionTimeout time.Duration       // idle time before a WebSocket session is dropped
	MDNS           bool                // advertise the service with zeroconf
	Gatherer       prometheus.Gatherer // served on /metrics when set
	TLSCertFile    string
	TLSKeyFile     string
	Logger         *slog.Logger
}

// Server manages the HTTP and WebSocket server.
type Server struct {
	config   Config
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	sessions *SessionManager
	registry *HandlerRegistry
	tags     *TagHandler

	httpServer *http.Server
	mdnsServer *zeroconf.Server

	ctxMu   sync.RWMutex
	baseCtx context.Context

	clients   map[string]*Client
	clientsMu sync.RWMutex
}

// New creates a server over config.Engine and registers the tag handlers.
func New(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: NewSessionManager(config.APISecret, config.SessionTimeout, logger),
		registry: NewHandlerRegistry(),
		tags:     NewTagHandler(config.Engine, logger),
		baseCtx:  context.Background(),
		clients:  make(map[string]*Client),
	}
	s.sessions.OnExpire(s.closeClient)

	if err := s.tags.Register(s); err != nil {
		return nil, err
	}
	s.router = s.routes()
	return s, nil
}

// Handle implements HandlerServer.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.registry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.registry.RegisterLifecycle(start)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealthCheck)
		r.With(s.requireSession).Post("/tag/{op}", s.handleTagOperation)
	})
	if s.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", s.handleWebSocket)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " running"))
	})
	return r
}

func (s *Server) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.baseCtx
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ctxMu.Lock()
	s.baseCtx = ctx
	s.ctxMu.Unlock()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	tlsEnabled := s.config.TLSCertFile != "" && s.config.TLSKeyFile != ""
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsEnabled {
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("server listening", "addr", ln.Addr().String(), "tls", tlsEnabled)

	if s.config.MDNS {
		if err := s.startMDNS(ln.Addr(), tlsEnabled); err != nil {
			s.logger.Warn("mdns registration failed, auto-discovery unavailable", "error", err)
		}
	}

	s.registry.StartLifecycleHandlers(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.stop()
			return fmt.Errorf("server: %w", err)
		}
	}
	s.stop()
	return nil
}

func (s *Server) stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Info("mdns service stopped")
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("server shutdown failed", "error", err)
		}
	}

	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// startMDNS advertises the engine so clients on the LAN can find it.
func (s *Server) startMDNS(addr net.Addr, tlsEnabled bool) error {
	port := s.config.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"scheme=" + scheme,
		"path=/ws",
		"api=/api/v1",
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	s.mdnsServer = server
	s.logger.Info("mdns service registered", "name", MDNSServiceName, "type", MDNSServiceType, "port", port)
	return nil
}
