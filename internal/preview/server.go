// Package preview streams engine debug lines to a live-preview UI over
// websocket or Server-Sent Events.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Config controls which browser origins may connect.
type Config struct {
	AllowedOrigins []string
	AllowDevOrigin bool
}

// Server owns the hub and the HTTP handler.
type Server struct {
	hub      *Hub
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(cfg Config, clk clock.Clock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:    NewHub(),
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "preview"),
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkAllowedOrigin(r.Header.Get("Origin"), r.Host, s.cfg) == nil
		},
	}
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
}

// Hook is the engine debug hook: it timestamps and broadcasts every line.
func (s *Server) Hook(line string) {
	s.hub.Broadcast(Line{Text: line, At: s.clock.Now()})
}

// ServeHTTP serves /preview as websocket, or as SSE when the client asks
// for text/event-stream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if err := checkAllowedOrigin(r.Header.Get("Origin"), r.Host, s.cfg); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		ServeSSE(s.hub, s.logger, w, r)
		return
	}
	ServeWs(s.hub, s.upgrader, s.logger, w, r)
}

// Handler returns a mux with the preview endpoint mounted at /preview.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /preview", s)
	return mux
}

func checkAllowedOrigin(origin, reqHost string, cfg Config) error {
	if origin == "" {
		return nil
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return errors.New("origin not allowed")
	}
	if strings.EqualFold(parsed.Host, reqHost) {
		return nil
	}

	host := parsed.Hostname()
	if cfg.AllowDevOrigin && (host == "localhost" || host == "127.0.0.1") {
		return nil
	}

	trimmed := strings.TrimRight(origin, "/")
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "" {
			continue
		}
		if strings.EqualFold(strings.TrimRight(allowed, "/"), trimmed) {
			return nil
		}
	}
	return errors.New("origin not allowed")
}
