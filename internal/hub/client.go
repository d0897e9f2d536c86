package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/terminalsync/internal/pty"
)

// State is the client's position in the protocol state machine.
type State int

const (
	// StateBrowsing is the initial state: the client may list, create,
	// and attach, but owns no session subscription.
	StateBrowsing State = iota
	// StateAttached means the client is subscribed to exactly one
	// session and its input/resize frames route there.
	StateAttached
)

// sendBuffer is the outbound frame queue depth per client. Overflow
// means the peer stopped reading; the connection is torn down instead
// of stalling the producers.
const sendBuffer = 512

// outbound is one queued WebSocket frame.
type outbound struct {
	binary bool
	data   []byte
}

// ClientSession is the per-connection protocol state machine. All
// inbound frames are dispatched from a single read loop, so state
// transitions happen in arrival order; the write loop is the sole
// writer on the socket.
type ClientSession struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	logger *slog.Logger
	send   chan outbound
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	attachedID  string       // attach target (managed id or tmux:<name>)
	tmuxSession *pty.Session // client-owned attach PTY for tmux targets
	sub         *pty.Subscription
}

func newClientSession(conn *websocket.Conn, h *Hub) *ClientSession {
	return &ClientSession{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    h,
		logger: h.logger,
		send:   make(chan outbound, sendBuffer),
	}
}

// run services the connection until the peer goes away, then cleans up.
func (c *ClientSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.writePump(ctx)
	c.readPump(ctx)

	cancel()
	c.cleanup()
	c.hub.unregister(c)
}

// readPump parses and dispatches inbound frames in arrival order.
func (c *ClientSession) readPump(ctx context.Context) {
	c.conn.SetReadLimit(256 * 1024)

	for {
		kind, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if kind != websocket.MessageText {
			c.sendError(0, CodeParseError, "expected a text frame")
			continue
		}
		c.dispatch(data)
	}
}

// writePump is the single socket writer: queued frames plus a periodic
// ping so dead mobile peers are detected.
func (c *ClientSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.cancel()
				return
			}
		case out := <-c.send:
			kind := websocket.MessageText
			if out.binary {
				kind = websocket.MessageBinary
			}
			if err := c.conn.Write(ctx, kind, out.data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *ClientSession) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError(0, CodeParseError, "invalid JSON frame")
		return
	}
	if frame.Type == "" || frame.Seq <= 0 {
		c.sendError(0, CodeParseError, "frame requires type and positive seq")
		return
	}

	switch frame.Type {
	case TypeListSessions:
		c.handleListSessions(frame.Seq)
	case TypeCreateSession:
		var p CreateSessionPayload
		if !c.decodePayload(frame, &p) {
			return
		}
		c.handleCreateSession(frame.Seq, p)
	case TypeAttach:
		var p AttachPayload
		if !c.decodePayload(frame, &p) {
			return
		}
		c.handleAttach(frame.Seq, p)
	case TypeInput:
		var p InputPayload
		if !c.decodePayload(frame, &p) {
			return
		}
		c.handleInput(frame.Seq, p)
	case TypeResize:
		var p ResizePayload
		if !c.decodePayload(frame, &p) {
			return
		}
		c.handleResize(frame.Seq, p)
	case TypeDetach:
		c.handleDetach(frame.Seq)
	case TypeKillSession:
		var p KillSessionPayload
		if !c.decodePayload(frame, &p) {
			return
		}
		c.handleKillSession(frame.Seq, p)
	default:
		c.sendError(frame.Seq, CodeParseError, "unknown message type: "+frame.Type)
	}
}

func (c *ClientSession) decodePayload(frame Frame, v any) bool {
	if len(frame.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		c.sendError(frame.Seq, CodeParseError, "invalid payload for "+frame.Type)
		return false
	}
	return true
}

func (c *ClientSession) handleListSessions(seq int) {
	infos := make([]SessionInfo, 0)
	for _, s := range c.hub.store.List() {
		info := s.Info()
		infos = append(infos, SessionInfo{
			ID:              info.ID,
			Name:            info.Name,
			Status:          string(info.Status),
			AttachedClients: info.AttachedClients,
			Source:          string(info.Source),
		})
	}

	if c.hub.tmux != nil {
		sessions, err := c.hub.tmux.List(context.Background())
		if err != nil {
			c.sendError(seq, CodeListError, "tmux listing failed: "+err.Error())
			return
		}
		for _, ts := range sessions {
			infos = append(infos, SessionInfo{
				ID:              TmuxTargetPrefix + ts.Name,
				Name:            ts.Name,
				Status:          string(pty.StatusRunning),
				AttachedClients: ts.Attached,
				Source:          string(pty.SourceTmux),
			})
		}
	}

	c.reply(seq, TypeSessionList, SessionListPayload{Sessions: infos})
}

func (c *ClientSession) handleCreateSession(seq int, p CreateSessionPayload) {
	sess, err := c.hub.store.Create(pty.Options{
		Name: p.Name,
		Argv: c.hub.shellArgv,
		Cols: p.Cols,
		Rows: p.Rows,
	})
	if err != nil {
		c.sendError(seq, CodeCreateFailed, err.Error())
		return
	}
	c.reply(seq, TypeSessionCreated, SessionCreatedPayload{ID: sess.ID(), Name: sess.Name()})
}

func (c *ClientSession) handleAttach(seq int, p AttachPayload) {
	c.mu.Lock()
	if c.state == StateAttached {
		c.mu.Unlock()
		c.sendError(seq, CodeAlreadyAttached, "already attached to "+c.attachedID)
		return
	}
	c.mu.Unlock()

	if strings.HasPrefix(p.Target, TmuxTargetPrefix) {
		c.attachTmux(seq, p)
		return
	}
	c.attachManaged(seq, p)
}

func (c *ClientSession) attachManaged(seq int, p AttachPayload) {
	sess := c.hub.store.Get(p.Target)
	if sess == nil {
		c.sendError(seq, CodeSessionNotFound, "no session: "+p.Target)
		return
	}

	sub, replay, err := sess.Attach(c.id)
	if err != nil {
		c.sendError(seq, CodeSessionExited, "session has exited: "+p.Target)
		return
	}
	sess.Resize(p.Cols, p.Rows)
	cols, rows := sess.Size()

	c.mu.Lock()
	c.state = StateAttached
	c.attachedID = p.Target
	c.sub = sub
	c.mu.Unlock()

	c.reply(seq, TypeAttached, AttachedPayload{Target: p.Target, Cols: int(cols), Rows: int(rows)})
	if len(replay) > 0 {
		c.enqueueBinary(replay)
	}
	go c.forward(sub)
}

func (c *ClientSession) attachTmux(seq int, p AttachPayload) {
	if c.hub.tmux == nil {
		c.sendError(seq, CodeSessionNotFound, "tmux support is not available")
		return
	}
	name := strings.TrimPrefix(p.Target, TmuxTargetPrefix)
	ctx := context.Background()

	if !c.hub.tmux.Has(ctx, name) {
		c.sendError(seq, CodeSessionNotFound, "no tmux session: "+name)
		return
	}

	// Best-effort scrollback; a capture failure still allows attaching.
	scrollback, err := c.hub.tmux.CaptureScrollback(ctx, name)
	if err != nil {
		c.logger.Debug("tmux scrollback capture failed", "session", name, "err", err)
	}

	sess, err := pty.NewSession(pty.Options{
		Name:   name,
		Argv:   c.hub.tmux.AttachArgv(name),
		Cols:   p.Cols,
		Rows:   p.Rows,
		Source: pty.SourceTmux,
		Logger: c.logger,
	})
	if err != nil {
		c.sendError(seq, CodeAttachFailed, "could not attach to tmux session: "+err.Error())
		return
	}

	sub, _, err := sess.Attach(c.id)
	if err != nil {
		sess.Kill()
		c.sendError(seq, CodeAttachFailed, "tmux attach process exited immediately")
		return
	}
	cols, rows := sess.Size()

	c.mu.Lock()
	c.state = StateAttached
	c.attachedID = p.Target
	c.tmuxSession = sess
	c.sub = sub
	c.mu.Unlock()

	c.reply(seq, TypeAttached, AttachedPayload{Target: p.Target, Cols: int(cols), Rows: int(rows)})
	if len(scrollback) > 0 {
		c.enqueueBinary(scrollback)
	}
	go c.forward(sub)
}

// forward pumps session events to the socket until the subscription is
// closed. It runs one goroutine per attachment; detach closes the
// channel, which ends the loop. Events still buffered when the client
// detaches are drained without reaching the socket.
func (c *ClientSession) forward(sub *pty.Subscription) {
	for ev := range sub.Events() {
		if !c.subscriptionCurrent(sub) {
			continue
		}
		switch ev.Type {
		case pty.EventData:
			c.enqueueBinary(ev.Data)
		case pty.EventResize:
			c.push(TypeResized, ResizedPayload{Cols: int(ev.Cols), Rows: int(ev.Rows)})
		case pty.EventExit:
			c.sessionExited(sub, ev.ExitCode)
			return
		case pty.EventTitle:
			// Listings carry the updated name; no dedicated push.
		}
	}
}

func (c *ClientSession) subscriptionCurrent(sub *pty.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub == sub
}

// sessionExited handles the ATTACHED → BROWSING transition forced by a
// child exit while this client was attached.
func (c *ClientSession) sessionExited(sub *pty.Subscription, code int) {
	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		return
	}
	tmuxSess := c.tmuxSession
	c.state = StateBrowsing
	c.attachedID = ""
	c.tmuxSession = nil
	c.sub = nil
	c.mu.Unlock()

	sub.Detach()
	if tmuxSess != nil {
		tmuxSess.Kill()
	}
	c.push(TypeDetached, DetachedPayload{
		Reason:  ReasonSessionExit,
		Message: fmt.Sprintf("session exited with code %d", code),
	})
	c.hub.checkIdle()
}

func (c *ClientSession) handleInput(seq int, p InputPayload) {
	sess, attached := c.attachedSession()
	if !attached {
		c.sendError(seq, CodeNotAttached, "input requires an attached session")
		return
	}
	if sess != nil {
		sess.Write([]byte(p.Data))
	}
}

func (c *ClientSession) handleResize(seq int, p ResizePayload) {
	sess, attached := c.attachedSession()
	if !attached {
		c.sendError(seq, CodeNotAttached, "resize requires an attached session")
		return
	}
	if sess != nil {
		sess.Resize(p.Cols, p.Rows)
	}
}

func (c *ClientSession) handleDetach(seq int) {
	c.mu.Lock()
	if c.state != StateAttached {
		c.mu.Unlock()
		c.sendError(seq, CodeNotAttached, "not attached")
		return
	}
	sub := c.sub
	tmuxSess := c.tmuxSession
	c.state = StateBrowsing
	c.attachedID = ""
	c.tmuxSession = nil
	c.sub = nil
	c.mu.Unlock()

	releaseSubscription(tmuxSess, sub)
	c.reply(seq, TypeDetached, DetachedPayload{Reason: ReasonClientRequest})
	c.hub.checkIdle()
}

func (c *ClientSession) handleKillSession(seq int, p KillSessionPayload) {
	if strings.HasPrefix(p.ID, TmuxTargetPrefix) {
		c.sendError(seq, CodeSessionNotFound, "tmux sessions are not owned by this server")
		return
	}
	if !c.hub.store.Remove(p.ID) {
		c.sendError(seq, CodeSessionNotFound, "no session: "+p.ID)
		return
	}
	c.reply(seq, TypeSessionRemoved, SessionRemovedPayload{ID: p.ID})
	c.hub.pushSessionRemoved(p.ID, c.id)
}

// attachedSession resolves the current attachment: managed sessions are
// looked up through the store by id on every use, tmux attach PTYs are
// client-owned. A nil session with attached=true means the target was
// removed and its exit push has not been processed yet; callers drop
// the operation silently in that window.
func (c *ClientSession) attachedSession() (*pty.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttached {
		return nil, false
	}
	if c.tmuxSession != nil {
		return c.tmuxSession, true
	}
	return c.hub.store.Get(c.attachedID), true
}

// releaseSubscription detaches the subscription and kills a
// client-owned tmux attach PTY.
func releaseSubscription(tmuxSess *pty.Session, sub *pty.Subscription) {
	sub.Detach()
	if tmuxSess != nil {
		tmuxSess.Kill()
	}
}

// cleanup forces a silent detach on socket close; no frames are emitted
// toward the dead socket.
func (c *ClientSession) cleanup() {
	c.mu.Lock()
	sub := c.sub
	tmuxSess := c.tmuxSession
	attached := c.state == StateAttached
	c.state = StateBrowsing
	c.attachedID = ""
	c.tmuxSession = nil
	c.sub = nil
	c.mu.Unlock()

	if attached {
		releaseSubscription(tmuxSess, sub)
	}
}

func (c *ClientSession) reply(seq int, msgType string, payload any) {
	c.enqueueJSON(outFrame{Type: msgType, Seq: seq, Payload: payload})
}

func (c *ClientSession) push(msgType string, payload any) {
	c.enqueueJSON(outFrame{Type: msgType, Seq: 0, Payload: payload})
}

func (c *ClientSession) sendError(seq int, code, message string) {
	c.enqueueJSON(outFrame{Type: TypeError, Seq: seq, Payload: ErrorPayload{Code: code, Message: message}})
}

func (c *ClientSession) enqueueJSON(frame outFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("marshal outbound frame", "type", frame.Type, "err", err)
		return
	}
	c.enqueue(outbound{data: data})
}

func (c *ClientSession) enqueueBinary(data []byte) {
	c.enqueue(outbound{binary: true, data: data})
}

func (c *ClientSession) enqueue(out outbound) {
	select {
	case c.send <- out:
	default:
		// The peer stopped draining; kill the connection rather than
		// block the session fan-out.
		c.logger.Warn("client send buffer full, dropping connection", "client", c.id)
		if c.cancel != nil {
			c.cancel()
		}
	}
}
