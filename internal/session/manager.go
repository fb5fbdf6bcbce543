package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Config bounds session validity and activity.
type Config struct {
	// MaxAge is how long a session stays valid after creation. Lookups
	// treat older sessions as not found; the sweep reclaims them.
	MaxAge time.Duration
	// InactiveThreshold is how long a session counts as active after its
	// last recorded activity.
	InactiveThreshold time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// Listener observes session lifecycle events. Callbacks run synchronously
// on the mutating goroutine and must not call back into the manager.
type Listener func(Info)

// Manager owns the session set and its lookup indexes. All access goes
// through its methods; no index is ever handed out by reference.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	mu           sync.RWMutex
	sessions     map[string]*Session
	byConnection map[string]string              // connection id -> session id
	byUser       map[string]map[string]struct{} // user id -> session ids

	onCreated []Listener
	onRemoved []Listener

	done chan struct{}
	once sync.Once
}

// NewManager creates a session manager and starts its expiry sweep.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return newManager(cfg, logger, clock.New())
}

func newManager(cfg Config, logger *slog.Logger, clk clock.Clock) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	m := &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "session"),
		clock:        clk,
		sessions:     make(map[string]*Session),
		byConnection: make(map[string]string),
		byUser:       make(map[string]map[string]struct{}),
		done:         make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the sweep and drops all sessions. Safe to call twice.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	m.byConnection = make(map[string]string)
	m.byUser = make(map[string]map[string]struct{})
	m.logger.Info("session manager closed")
}

// OnCreated registers a listener for session creation.
func (m *Manager) OnCreated(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreated = append(m.onCreated, l)
}

// OnRemoved registers a listener for session removal.
func (m *Manager) OnRemoved(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoved = append(m.onRemoved, l)
}

// Create registers a new session bound to the given connection. A non-empty
// userID marks the session authenticated from the start.
func (m *Manager) Create(connectionID, userID string) *Session {
	now := m.clock.Now()
	s := &Session{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ConnectionIDs:      map[string]struct{}{connectionID: {}},
		State:              StateActive,
		Authenticated:      userID != "",
		CreatedAt:          now,
		LastActivity:       now,
		Metadata:           make(map[string]any),
		SubscribedChannels: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byConnection[connectionID] = s.ID
	if userID != "" {
		m.indexUserLocked(userID, s.ID)
	}
	created := m.onCreated
	info := m.infoLocked(s, now)
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", s.ID, "connection_id", connectionID)
	for _, l := range created {
		l(info)
	}
	return s.clone()
}

// Get returns the session only while it is within its maximum age. Expired
// sessions are left for the sweep but are never returned.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[sessionID]
	if s == nil || !m.validLocked(s, m.clock.Now()) {
		return nil
	}
	return s.clone()
}

// GetByConnectionID looks a session up through the connection index, with
// the same validity filter as Get.
func (m *Manager) GetByConnectionID(connectionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConnection[connectionID]
	if !ok {
		return nil
	}
	s := m.sessions[id]
	if s == nil || !m.validLocked(s, m.clock.Now()) {
		return nil
	}
	return s.clone()
}

// GetByUserID returns every valid session owned by the user.
func (m *Manager) GetByUserID(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	var out []*Session
	for id := range m.byUser[userID] {
		if s := m.sessions[id]; s != nil && m.validLocked(s, now) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Authenticate binds a session to a user, moving it between per-user index
// buckets. Returns false if the session id is unknown.
func (m *Manager) Authenticate(sessionID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return false
	}
	if s.UserID != "" {
		m.unindexUserLocked(s.UserID, sessionID)
	}
	s.UserID = userID
	s.Authenticated = true
	s.LastActivity = m.clock.Now()
	m.indexUserLocked(userID, sessionID)

	m.logger.Info("session authenticated", "session_id", sessionID, "user_id", userID)
	return true
}

// Update merges metadata into a session and refreshes its activity.
func (m *Manager) Update(sessionID string, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return false
	}
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	s.LastActivity = m.clock.Now()
	return true
}

// Remove deletes a session and every index entry pointing at it.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	for connID := range s.ConnectionIDs {
		if m.byConnection[connID] == sessionID {
			delete(m.byConnection, connID)
		}
	}
	if s.UserID != "" {
		m.unindexUserLocked(s.UserID, sessionID)
	}
	delete(m.sessions, sessionID)
	removed := m.onRemoved
	info := m.infoLocked(s, m.clock.Now())
	m.mu.Unlock()

	m.logger.Info("session removed", "session_id", sessionID)
	for _, l := range removed {
		l(info)
	}
	return true
}

// RemoveByConnectionID removes the session owning the given connection.
func (m *Manager) RemoveByConnectionID(connectionID string) bool {
	m.mu.RLock()
	id, ok := m.byConnection[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.Remove(id)
}

// RemoveByUserID removes every session owned by the user and returns how
// many were removed.
func (m *Manager) RemoveByUserID(userID string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if m.Remove(id) {
			count++
		}
	}
	return count
}

// UpdateActivity refreshes the last-activity timestamp of the session
// owning the connection. Called on heartbeat responses.
func (m *Manager) UpdateActivity(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byConnection[connectionID]; ok {
		if s := m.sessions[id]; s != nil {
			s.LastActivity = m.clock.Now()
		}
	}
}

// Count returns the total number of registered sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveCount returns the number of sessions with activity inside the
// inactivity threshold.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	count := 0
	for _, s := range m.sessions {
		if m.activeLocked(s, now) {
			count++
		}
	}
	return count
}

// All returns projections of every registered session.
func (m *Manager) All() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.infoLocked(s, now))
	}
	return out
}

func (m *Manager) infoLocked(s *Session, now time.Time) Info {
	return Info{
		ID:            s.ID,
		UserID:        s.UserID,
		Authenticated: s.Authenticated,
		State:         s.State,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
		IsActive:      m.activeLocked(s, now),
		IsValid:       m.validLocked(s, now),
	}
}

func (m *Manager) validLocked(s *Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) < m.cfg.MaxAge
}

func (m *Manager) activeLocked(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity) < m.cfg.InactiveThreshold
}

func (m *Manager) indexUserLocked(userID, sessionID string) {
	set := m.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) unindexUserLocked(userID, sessionID string) {
	if set := m.byUser[userID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
}

func (m *Manager) sweepLoop() {
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep physically removes age-expired sessions. Lookups already filter
// them out; this is what reclaims the memory.
func (m *Manager) sweep() {
	m.mu.RLock()
	now := m.clock.Now()
	var expired []string
	for id, s := range m.sessions {
		if !m.validLocked(s, now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Remove(id)
	}
	if len(expired) > 0 {
		m.logger.Debug("swept expired sessions", "count", len(expired))
	}
}
