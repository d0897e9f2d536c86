package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/terminalsync/internal/pty"
)

// DefaultGracePeriod is how long the process must stay idle (no clients
// and no running sessions) before the idle sink fires.
const DefaultGracePeriod = 5 * time.Second

// TmuxSession is one entry from the tmux adapter's listing.
type TmuxSession struct {
	Name     string
	Attached int
}

// TmuxProvider is the read-only contract the hub needs from the tmux
// adapter. Absence of tmux surfaces as an empty listing, not an error.
type TmuxProvider interface {
	List(ctx context.Context) ([]TmuxSession, error)
	Has(ctx context.Context, name string) bool
	CaptureScrollback(ctx context.Context, name string) ([]byte, error)
	AttachArgv(name string) []string
}

// Config wires a Hub.
type Config struct {
	Store      *pty.Store
	Tmux       TmuxProvider
	ShellArgv  []string
	MaxClients int
	// GracePeriod defaults to DefaultGracePeriod; tests shorten it.
	GracePeriod time.Duration
	// IdleSink runs after the grace period of sustained idleness. The
	// production sink exits the process; tests install a recorder.
	IdleSink func()
	Logger   *slog.Logger
}

// Hub owns the set of connected clients, enforces the admission cap,
// and drives process-level idleness from the store's signals.
type Hub struct {
	store     *pty.Store
	tmux      TmuxProvider
	shellArgv []string
	logger    *slog.Logger

	maxClients int
	grace      time.Duration
	idleSink   func()

	mu        sync.Mutex
	clients   map[string]*ClientSession
	idleTimer *time.Timer
	closed    bool
}

// New constructs a Hub. Store and ShellArgv are required.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 10
	}
	return &Hub{
		store:      cfg.Store,
		tmux:       cfg.Tmux,
		shellArgv:  cfg.ShellArgv,
		logger:     logger,
		maxClients: maxClients,
		grace:      grace,
		idleSink:   cfg.IdleSink,
		clients:    make(map[string]*ClientSession),
	}
}

// Run consumes store signals until ctx is done. Session creation
// cancels any pending idle timer; the store going idle re-checks it.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.store.Events():
			switch ev.Kind {
			case pty.StoreActive:
				h.cancelIdleTimer()
			case pty.StoreIdle:
				h.checkIdle()
			case pty.StoreRemoved:
				// Removal pushes are sent by the kill_session handler.
				// Remove suppresses StoreIdle, so no idle check runs
				// here; clients attached to the removed session re-check
				// on its exit push, and the requesting client on its
				// disconnect.
			}
		}
	}
}

// HandleConn admits an upgraded socket. Over-cap sockets are closed
// with 1013 (try again later) and never become a ClientSession.
func (h *Hub) HandleConn(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warn("client cap reached, rejecting connection", "cap", h.maxClients)
		conn.Close(websocket.StatusTryAgainLater, "client limit reached")
		return
	}
	c := newClientSession(conn, h)
	h.clients[c.id] = c
	h.cancelIdleTimerLocked()
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client connected", "client", c.id, "total", count)
	c.run(ctx)
}

// ClientCount returns the number of live client sessions.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *ClientSession) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client disconnected", "client", c.id, "total", count)
	c.conn.Close(websocket.StatusNormalClosure, "")
	h.checkIdle()
}

// checkIdle starts the grace timer when nothing is happening: no
// clients and no running sessions. The timer re-verifies the condition
// when it fires, so a session created inside the grace period wins.
func (h *Hub) checkIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.idleSink == nil || h.idleTimer != nil {
		return
	}
	if len(h.clients) > 0 || h.store.RunningCount() > 0 {
		return
	}

	h.logger.Info("idle, scheduling shutdown", "grace", h.grace)
	h.idleTimer = time.AfterFunc(h.grace, h.fireIdle)
}

func (h *Hub) fireIdle() {
	h.mu.Lock()
	if h.idleTimer == nil || h.closed {
		h.mu.Unlock()
		return
	}
	h.idleTimer = nil
	if len(h.clients) > 0 || h.store.RunningCount() > 0 {
		h.mu.Unlock()
		return
	}
	sink := h.idleSink
	h.mu.Unlock()

	h.logger.Info("idle grace period elapsed, shutting down")
	sink()
}

func (h *Hub) cancelIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelIdleTimerLocked()
}

func (h *Hub) cancelIdleTimerLocked() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

// pushSessionRemoved notifies every client except the requester that a
// session left the store.
func (h *Hub) pushSessionRemoved(sessionID, exceptClientID string) {
	frame := outFrame{
		Type:    TypeSessionRemoved,
		Seq:     0,
		Payload: SessionRemovedPayload{ID: sessionID},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal session_removed push", "err", err)
		return
	}

	h.mu.Lock()
	targets := make([]*ClientSession, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exceptClientID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(outbound{data: data})
	}
}

// Shutdown closes every client with 1001, cleans each one up, cancels
// the idle timer, and shuts the store down. Idempotent.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cancelIdleTimerLocked()
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*ClientSession)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cleanup()
	}
	h.store.Shutdown()
	h.logger.Info("hub shut down", "clients", len(clients))
}
