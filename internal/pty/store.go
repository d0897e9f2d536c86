package pty

import (
	"log/slog"
	"sync"
)

// storeEventBuffer sizes the signal channel; the consumer (the session
// manager) drains continuously, the buffer just absorbs bursts.
const storeEventBuffer = 64

// Store is the process-wide registry of active sessions. It emits
// population signals on Events: StoreActive on every create, StoreIdle
// when the running count reaches zero through a natural child exit, and
// StoreRemoved when Remove drops a session. Shutdown emits no signals.
//
// Exited sessions are retained so a late lister still sees their
// "exited" status; they are cleaned up only by Remove or Shutdown.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	events   chan StoreEvent
	logger   *slog.Logger
	shutdown bool

	// OnCreated and OnExited, when set, observe managed session
	// lifecycle transitions (used for the sqlite journal). OnCreated runs
	// on the goroutine that called Create, OnExited on the session's exit
	// goroutine; neither may block.
	OnCreated func(info SessionInfo)
	OnExited  func(info SessionInfo)
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		events:   make(chan StoreEvent, storeEventBuffer),
		logger:   logger,
	}
}

// Events returns the store's signal channel.
func (st *Store) Events() <-chan StoreEvent { return st.events }

// Create spawns a session from opts, registers it, and emits
// StoreActive. The session's exit is hooked so that the last natural
// child exit emits StoreIdle.
func (st *Store) Create(opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = st.logger
	}
	opts.onExit = st.sessionExited

	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[s.ID()] = s
	st.mu.Unlock()

	st.logger.Info("session created", "id", s.ID(), "name", s.Name())
	st.emit(StoreEvent{Kind: StoreActive, SessionID: s.ID()})
	if st.OnCreated != nil {
		st.OnCreated(s.Info())
	}
	return s, nil
}

// Get returns the session with the given id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// List returns every registered session. Order is not meaningful.
func (st *Store) List() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	list := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		list = append(list, s)
	}
	return list
}

// RunningCount returns the number of sessions whose child is alive.
func (st *Store) RunningCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runningCountLocked()
}

func (st *Store) runningCountLocked() int {
	n := 0
	for _, s := range st.sessions {
		if !s.HasExited() {
			n++
		}
	}
	return n
}

// Remove kills the session, drops it from the map, and emits
// StoreRemoved. It reports whether the id was present. Deliberate
// removal never emits StoreIdle, so it cannot race the idle timer.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return false
	}
	delete(st.sessions, id)
	st.mu.Unlock()

	s.mu.Lock()
	s.suppressIdle = true
	s.mu.Unlock()

	s.Kill()
	st.logger.Info("session removed", "id", id)
	st.emit(StoreEvent{Kind: StoreRemoved, SessionID: id})
	return true
}

// Shutdown kills and drops every session. Idempotent.
func (st *Store) Shutdown() {
	st.mu.Lock()
	if st.shutdown {
		st.mu.Unlock()
		return
	}
	st.shutdown = true
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.suppressIdle = true
		s.mu.Unlock()
		s.Kill()
	}
	st.logger.Info("session store shut down", "count", len(sessions))
}

// sessionExited runs on each session's exit goroutine. A natural exit
// that empties the running set emits StoreIdle; exits triggered by
// Remove or Shutdown are suppressed.
func (st *Store) sessionExited(s *Session) {
	if st.OnExited != nil {
		st.OnExited(s.Info())
	}

	s.mu.Lock()
	suppressed := s.suppressIdle
	s.mu.Unlock()

	st.mu.Lock()
	idle := !suppressed && !st.shutdown && st.runningCountLocked() == 0
	st.mu.Unlock()

	info := s.Info()
	st.logger.Info("session exited", "id", s.ID(), "exitCode", info.ExitCode)
	if idle {
		st.emit(StoreEvent{Kind: StoreIdle, SessionID: s.ID()})
	}
}

func (st *Store) emit(ev StoreEvent) {
	select {
	case st.events <- ev:
	default:
		st.logger.Warn("store event channel full, dropping signal", "kind", ev.Kind)
	}
}
