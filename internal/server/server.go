package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/terminalsync/internal/config"
	"github.com/user/terminalsync/internal/hub"
)

// Server is the HTTP + WebSocket entrypoint. It authenticates upgrades,
// serves /health and the web UI assets, and hands accepted sockets to
// the hub.
type Server struct {
	cfg        *config.Config
	hub        *hub.Hub
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the gateway around an already-wired hub.
func New(cfg *config.Config, h *hub.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, hub: h, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleStatic)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is done, then drains with a 5 s shutdown
// budget.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		s.hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	s.hub.HandleConn(r.Context(), conn)
}

// authorized extracts the token from the token query parameter or an
// Authorization: Bearer header and compares it in constant time.
func (s *Server) authorized(r *http.Request) bool {
	supplied := r.URL.Query().Get("token")
	if supplied == "" {
		auth := r.Header.Get("Authorization")
		supplied = strings.TrimPrefix(auth, "Bearer ")
		if supplied == auth {
			supplied = ""
		}
	}
	return tokenEqual([]byte(supplied), []byte(s.cfg.Token))
}

// tokenEqual compares raw token bytes in constant time. A length
// mismatch still performs a dummy compare so the rejection does not
// leak the expected length through timing.
func tokenEqual(supplied, expected []byte) bool {
	if len(supplied) != len(expected) {
		subtle.ConstantTimeCompare(expected, expected)
		return false
	}
	return subtle.ConstantTimeCompare(supplied, expected) == 1
}

// handleStatic serves the browser UI from the configured web root.
// Requests resolving outside the root are refused with 403; anything
// not found is a plain 404.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.WebRoot == "" {
		http.NotFound(w, r)
		return
	}

	root, err := filepath.Abs(s.cfg.WebRoot)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	reqPath := r.URL.Path
	if reqPath == "/" {
		reqPath = "/index.html"
	}
	for _, seg := range strings.Split(reqPath, "/") {
		if seg == ".." {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	full := filepath.Join(root, filepath.FromSlash(reqPath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}
