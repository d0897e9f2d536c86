package pty

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber event queue depth. A consumer
// that falls this far behind is force-closed rather than allowed to
// stall the PTY read loop or observe a gap in the stream.
const subscriberBuffer = 1024

var (
	// ErrSessionExited is returned by Attach when the child has exited.
	ErrSessionExited = errors.New("pty: session has exited")
	// errSubscriberGone marks a subscription force-closed for falling behind.
	errSubscriberGone = errors.New("pty: subscriber overflow")
)

// Options configures a new Session.
type Options struct {
	// ID is the session identifier; a random UUID is assigned when empty.
	ID string
	// Name is the initial human-readable name, updated later from OSC titles.
	Name string
	// Argv is the child command line; Argv[0] is resolved via exec.
	Argv []string
	// Cols and Rows set the initial PTY size; non-positive values fall
	// back to 80x24.
	Cols, Rows int
	// MaxBufferBytes caps the output ring; zero means DefaultMaxBufferBytes.
	MaxBufferBytes int
	// ExtraEnv entries are appended to the inherited environment.
	ExtraEnv []string
	// Source tags where the session came from; defaults to SourceManaged.
	Source Source
	// WorkDir is the child working directory; empty inherits the server's.
	WorkDir string

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// onExit is invoked after the exit event has been delivered to
	// subscribers. Set by the Store.
	onExit func(s *Session)
}

// Session wraps one child process behind a pseudo-terminal. It owns the
// output ring buffer, the OSC title scanner, the set of attached client
// ids, and the typed subscriber registry.
type Session struct {
	id        string
	source    Source
	createdAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	logger *slog.Logger
	onExit func(s *Session)

	mu           sync.Mutex
	name         string
	cols, rows   uint16
	exited       bool
	exitCode     int
	ring         *chunkRing
	titles       titleScanner
	attached     map[string]struct{}
	subs         map[int]chan Event
	nextSub      int
	suppressIdle bool

	doneReading chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// Subscription is a live event feed from a Session. Events arrive in
// the order the session produced them; Detach it (or let the session
// drop it) when done.
type Subscription struct {
	id string
	n  int
	s  *Session
	ch chan Event
}

// Events returns the subscription's event channel. It is closed when
// the subscriber is detached or falls too far behind.
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Detach removes this subscription from its session. Equivalent to
// calling Session.Detach with it.
func (sub *Subscription) Detach() {
	if sub != nil && sub.s != nil {
		sub.s.Detach(sub)
	}
}

// NewSession spawns opts.Argv inside a fresh PTY. The child gets
// TERM=xterm-256color and TERMINALSYNC_SESSION=<id> so nested shells
// can detect they are already inside a shared session.
func NewSession(opts Options) (*Session, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	source := opts.Source
	if source == "" {
		source = SourceManaged
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cols, rows := clampSize(opts.Cols, opts.Rows)

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"TERMINALSYNC_SESSION="+id,
	)
	cmd.Env = append(cmd.Env, opts.ExtraEnv...)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:          id,
		name:        opts.Name,
		source:      source,
		createdAt:   time.Now(),
		cmd:         cmd,
		ptmx:        ptmx,
		logger:      logger,
		onExit:      opts.onExit,
		cols:        cols,
		rows:        rows,
		ring:        newChunkRing(opts.MaxBufferBytes),
		attached:    make(map[string]struct{}),
		subs:        make(map[int]chan Event),
		doneReading: make(chan struct{}),
		done:        make(chan struct{}),
	}

	go s.readPump()
	go s.waitExit()

	return s, nil
}

func clampSize(cols, rows int) (uint16, uint16) {
	c, r := uint16(80), uint16(24)
	if cols > 0 {
		c = uint16(cols)
	}
	if rows > 0 {
		r = uint16(rows)
	}
	return c, r
}

// ID returns the stable session identifier.
func (s *Session) ID() string { return s.id }

// Source returns the session's origin tag.
func (s *Session) Source() Source { return s.source }

// Name returns the current human-readable name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// HasExited reports whether the child process has exited.
func (s *Session) HasExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed once the child has exited and the exit event has been
// delivered to subscribers.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session metadata.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StatusRunning
	if s.exited {
		status = StatusExited
	}
	return SessionInfo{
		ID:              s.id,
		Name:            s.name,
		Status:          status,
		Source:          s.source,
		AttachedClients: len(s.attached),
		Cols:            s.cols,
		Rows:            s.rows,
		ExitCode:        s.exitCode,
		CreatedAt:       s.createdAt,
	}
}

// Write forwards input bytes to the PTY master. Writes after exit are
// silently discarded.
func (s *Session) Write(data []byte) {
	s.mu.Lock()
	if s.exited || s.ptmx == nil {
		s.mu.Unlock()
		return
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		s.logger.Debug("pty write error", "id", s.id, "err", err)
	}
}

// Resize changes the PTY size and notifies subscribers. Requests after
// exit, with a non-positive dimension, or matching the current size are
// ignored without emitting a change.
func (s *Session) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	c, r := uint16(cols), uint16(rows)

	s.mu.Lock()
	if s.exited || s.ptmx == nil || (c == s.cols && r == s.rows) {
		s.mu.Unlock()
		return
	}
	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{Cols: c, Rows: r}); err != nil {
		s.mu.Unlock()
		s.logger.Debug("pty resize error", "id", s.id, "err", err)
		return
	}
	s.cols, s.rows = c, r
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	s.publish(subs, Event{Type: EventResize, Cols: c, Rows: r})
}

// AttachClient records a client id in the attached set. Idempotent.
func (s *Session) AttachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[clientID] = struct{}{}
}

// DetachClient removes a client id from the attached set. Detaching an
// unknown id is a no-op.
func (s *Session) DetachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, clientID)
}

// AttachedCount returns the number of attached client ids.
func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// BufferedOutput returns the concatenated ring contents.
func (s *Session) BufferedOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Bytes()
}

// bufferStats exposes ring internals to tests.
func (s *Session) bufferStats() (bytes, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len(), s.ring.ChunkCount()
}

// Attach registers the client, snapshots the ring, and installs a
// subscription in one critical section so the caller can replay the
// buffer and then consume live events with no gap and no duplication.
func (s *Session) Attach(clientID string) (*Subscription, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return nil, nil, ErrSessionExited
	}

	s.attached[clientID] = struct{}{}
	replay := s.ring.Bytes()

	ch := make(chan Event, subscriberBuffer)
	n := s.nextSub
	s.nextSub++
	s.subs[n] = ch

	return &Subscription{id: clientID, n: n, s: s, ch: ch}, replay, nil
}

// Detach removes the subscription and the client id. Safe to call after
// the session exited or the subscription was force-closed.
func (s *Session) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	delete(s.attached, sub.id)
	ch, ok := s.subs[sub.n]
	if ok {
		delete(s.subs, sub.n)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Subscribe installs a bare event subscription without touching the
// attached-client set. Used by observers that watch but do not attach.
func (s *Session) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	n := s.nextSub
	s.nextSub++
	s.subs[n] = ch
	return &Subscription{n: n, s: s, ch: ch}
}

// Unsubscribe removes a bare subscription installed with Subscribe.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.Detach(sub)
}

// Kill terminates the child process, best effort. "Already dead" is
// swallowed; the exit event still flows through waitExit.
func (s *Session) Kill() {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		s.mu.Lock()
		ptmx := s.ptmx
		s.mu.Unlock()
		if ptmx != nil {
			_ = ptmx.Close()
		}
	})
}

func (s *Session) snapshotSubsLocked() []chan Event {
	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	return subs
}

// publish delivers an event to the given subscriber channels. A full
// channel means the consumer stopped draining; it is dropped so the
// remaining subscribers never observe a reordered or partial stream.
func (s *Session) publish(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.dropSubscriber(ch)
		}
	}
}

func (s *Session) dropSubscriber(ch chan Event) {
	s.mu.Lock()
	for n, c := range s.subs {
		if c == ch {
			delete(s.subs, n)
			s.mu.Unlock()
			close(ch)
			s.logger.Warn("dropping slow session subscriber", "id", s.id, "err", errSubscriberGone)
			return
		}
	}
	s.mu.Unlock()
}

// readPump drains the PTY master. Every chunk is appended to the ring,
// scanned for a title change, and fanned out, all under one pass so
// subscribers observe the same order the PTY emitted.
func (s *Session) readPump() {
	defer close(s.doneReading)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.Lock()
			s.ring.Append(data)
			title, changed := s.titles.Scan(data)
			if changed && title != "" && title != s.name {
				s.name = title
			} else {
				changed = false
			}
			subs := s.snapshotSubsLocked()
			s.mu.Unlock()

			s.publish(subs, Event{Type: EventData, Data: data})
			if changed {
				s.publish(subs, Event{Type: EventTitle, Title: title})
			}
		}
		if err != nil {
			// EIO is the normal end of a Linux PTY stream.
			return
		}
	}
}

// waitExit reaps the child, then flips the session to exited and emits
// the exit event. The read pump is drained first so subscribers receive
// all in-flight output before the exit signal.
func (s *Session) waitExit() {
	err := s.cmd.Wait()
	<-s.doneReading

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	s.publish(subs, Event{Type: EventExit, ExitCode: code})
	close(s.done)

	if s.onExit != nil {
		s.onExit(s)
	}
}
