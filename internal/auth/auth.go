// Package auth stores user credentials and issues bearer tokens proving a
// prior successful login. Credentials are salted argon2id digests; tokens
// are opaque random strings with a fixed time-to-live.
package auth

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// PermissionAdmin grants every permission check.
const PermissionAdmin = "admin"

var (
	// ErrInvalidCredentials is returned for both unknown usernames and
	// wrong passwords, so login never confirms whether a username exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUsernameTaken is returned when registering a username that
	// already exists. Registration leaks existence on purpose.
	ErrUsernameTaken    = errors.New("username already exists")
	ErrMissingFields    = errors.New("username and password are required")
	ErrUsernameTooShort = errors.New("username must be at least 3 characters")
	ErrPasswordTooShort = errors.New("password is too short")
)

// Config bounds registration and token lifetime.
type Config struct {
	MinPasswordLength int
	TokenTTL          time.Duration
	// SweepInterval is how often expired tokens that were never looked up
	// again get purged.
	SweepInterval time.Duration
}

// Credential is the full stored record for one user, including secret
// material. Only the store and the manager ever see it.
type Credential struct {
	ID          string
	Username    string
	Hash        []byte
	Salt        []byte
	Permissions []string
	CreatedAt   time.Time
	LastLoginAt time.Time // zero until the first login
}

// User is the public projection of a credential record.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt,omitzero"`
}

// Token is one issued bearer token.
type Token struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CredentialStore persists credential records across restarts. The manager
// works purely in memory when no store is configured.
type CredentialStore interface {
	SaveUser(c Credential) error
	DeleteUser(id string) error
	LoadUsers() ([]Credential, error)
}

// Manager owns the credential and token stores.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	store  CredentialStore // may be nil

	mu            sync.RWMutex
	users         map[string]*Credential         // user id -> record
	usernameIndex map[string]string              // username -> user id
	tokens        map[string]*Token              // token -> record
	tokensByUser  map[string]map[string]struct{} // user id -> tokens

	done chan struct{}
	once sync.Once
}

// NewManager creates an auth manager, loads persisted users from the store
// when one is given, and starts the token sweep.
func NewManager(cfg Config, store CredentialStore, logger *slog.Logger) (*Manager, error) {
	return newManager(cfg, store, logger, clock.New())
}

func newManager(cfg Config, store CredentialStore, logger *slog.Logger, clk clock.Clock) (*Manager, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	m := &Manager{
		cfg:           cfg,
		logger:        logger.With("component", "auth"),
		clock:         clk,
		store:         store,
		users:         make(map[string]*Credential),
		usernameIndex: make(map[string]string),
		tokens:        make(map[string]*Token),
		tokensByUser:  make(map[string]map[string]struct{}),
		done:          make(chan struct{}),
	}

	if store != nil {
		creds, err := store.LoadUsers()
		if err != nil {
			return nil, err
		}
		for _, c := range creds {
			rec := c
			m.users[rec.ID] = &rec
			m.usernameIndex[rec.Username] = rec.ID
		}
		m.logger.Info("loaded persisted users", "count", len(creds))
	}

	go m.sweepLoop()
	return m, nil
}

// Close stops the sweep and drops all in-memory state.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]*Credential)
	m.usernameIndex = make(map[string]string)
	m.tokens = make(map[string]*Token)
	m.tokensByUser = make(map[string]map[string]struct{})
	m.logger.Info("auth manager closed")
}

// Register creates a new user. Username matching is case-sensitive and
// exact; a duplicate fails with ErrUsernameTaken.
func (m *Manager) Register(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrMissingFields
	}
	if len(username) < 3 {
		return "", ErrUsernameTooShort
	}
	if len(password) < m.cfg.MinPasswordLength {
		return "", ErrPasswordTooShort
	}

	salt, err := generateSalt()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.usernameIndex[username]; exists {
		return "", ErrUsernameTaken
	}

	cred := &Credential{
		ID:          uuid.NewString(),
		Username:    username,
		Hash:        hashPassword(password, salt),
		Salt:        salt,
		Permissions: []string{"user"},
		CreatedAt:   m.clock.Now(),
	}
	m.users[cred.ID] = cred
	m.usernameIndex[username] = cred.ID

	if m.store != nil {
		if err := m.store.SaveUser(*cred); err != nil {
			m.logger.Error("failed to persist user", "user_id", cred.ID, "error", err)
		}
	}

	m.logger.Info("user registered", "username", username, "user_id", cred.ID)
	return cred.ID, nil
}

// Login verifies credentials and mints a new token. Unknown usernames and
// wrong passwords are indistinguishable to the caller.
func (m *Manager) Login(username, password string) (*Token, error) {
	if username == "" || password == "" {
		return nil, ErrMissingFields
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usernameIndex[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cred := m.users[id]
	if cred == nil || !verifyPassword(password, cred.Salt, cred.Hash) {
		return nil, ErrInvalidCredentials
	}

	cred.LastLoginAt = m.clock.Now()
	if m.store != nil {
		if err := m.store.SaveUser(*cred); err != nil {
			m.logger.Error("failed to persist last login", "user_id", cred.ID, "error", err)
		}
	}

	tok, err := m.mintTokenLocked(cred.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("user logged in", "username", username, "user_id", cred.ID)
	return tok, nil
}

// Logout revokes exactly the given token.
func (m *Manager) Logout(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.tokens[token]
	if tok == nil {
		return false
	}
	m.revokeTokenLocked(token)
	m.logger.Info("user logged out", "user_id", tok.UserID)
	return true
}

// LogoutAll revokes every token owned by the user and returns the count.
func (m *Manager) LogoutAll(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.logoutAllLocked(userID)
	if count > 0 {
		m.logger.Info("revoked all user tokens", "user_id", userID, "count", count)
	}
	return count
}

func (m *Manager) logoutAllLocked(userID string) int {
	tokens := make([]string, 0, len(m.tokensByUser[userID]))
	for t := range m.tokensByUser[userID] {
		tokens = append(tokens, t)
	}
	count := 0
	for _, t := range tokens {
		if m.revokeTokenLocked(t) {
			count++
		}
	}
	return count
}

// ValidateToken returns the token record while it is unexpired. An expired
// token is revoked on first sight.
func (m *Manager) ValidateToken(token string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.tokens[token]
	if tok == nil {
		return nil
	}
	if !m.clock.Now().Before(tok.ExpiresAt) {
		m.revokeTokenLocked(token)
		return nil
	}
	out := *tok
	return &out
}

// GetUser returns the public projection of a user.
func (m *Manager) GetUser(userID string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projectLocked(m.users[userID])
}

// GetUserByUsername resolves through the username index.
func (m *Manager) GetUserByUsername(username string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.usernameIndex[username]; ok {
		return m.projectLocked(m.users[id])
	}
	return nil
}

// UpdateUser replaces the user's permission set.
func (m *Manager) UpdateUser(userID string, permissions []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := m.users[userID]
	if cred == nil {
		return false
	}
	if permissions != nil {
		cred.Permissions = append([]string(nil), permissions...)
	}
	if m.store != nil {
		if err := m.store.SaveUser(*cred); err != nil {
			m.logger.Error("failed to persist user update", "user_id", userID, "error", err)
		}
	}
	return true
}

// DeleteUser removes the user and revokes all their tokens.
func (m *Manager) DeleteUser(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := m.users[userID]
	if cred == nil {
		return false
	}
	m.logoutAllLocked(userID)
	delete(m.usernameIndex, cred.Username)
	delete(m.users, userID)

	if m.store != nil {
		if err := m.store.DeleteUser(userID); err != nil {
			m.logger.Error("failed to delete persisted user", "user_id", userID, "error", err)
		}
	}
	m.logger.Info("user deleted", "user_id", userID)
	return true
}

// HasPermission reports whether the user holds the admin blanket permission
// or the specific permission string.
func (m *Manager) HasPermission(userID, permission string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred := m.users[userID]
	if cred == nil {
		return false
	}
	for _, p := range cred.Permissions {
		if p == PermissionAdmin || p == permission {
			return true
		}
	}
	return false
}

// TokenCount returns the number of live token records, expired or not.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

func (m *Manager) projectLocked(cred *Credential) *User {
	if cred == nil {
		return nil
	}
	return &User{
		ID:          cred.ID,
		Username:    cred.Username,
		Permissions: append([]string(nil), cred.Permissions...),
		CreatedAt:   cred.CreatedAt,
		LastLoginAt: cred.LastLoginAt,
	}
}

func (m *Manager) mintTokenLocked(userID string) (*Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	tok := &Token{
		Token:     value,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TokenTTL),
	}
	m.tokens[value] = tok
	set := m.tokensByUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.tokensByUser[userID] = set
	}
	set[value] = struct{}{}

	out := *tok
	return &out, nil
}

func (m *Manager) revokeTokenLocked(token string) bool {
	tok := m.tokens[token]
	if tok == nil {
		return false
	}
	delete(m.tokens, token)
	if set := m.tokensByUser[tok.UserID]; set != nil {
		delete(set, token)
		if len(set) == 0 {
			delete(m.tokensByUser, tok.UserID)
		}
	}
	return true
}

func (m *Manager) sweepLoop() {
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepTokens()
		}
	}
}

func (m *Manager) sweepTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	cleaned := 0
	for value, tok := range m.tokens {
		if !now.Before(tok.ExpiresAt) {
			m.revokeTokenLocked(value)
			cleaned++
		}
	}
	if cleaned > 0 {
		m.logger.Debug("swept expired tokens", "count", cleaned)
	}
}
