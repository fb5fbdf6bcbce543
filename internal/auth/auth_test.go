package auth

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg := Config{
		MinPasswordLength: 6,
		TokenTTL:          time.Hour,
		SweepInterval:     24 * time.Hour,
	}
	m, err := newManager(cfg, nil, testLogger(), clk)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, clk
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestAuth(t)

	_, err := m.Register("", "secret1")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = m.Register("alice", "")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = m.Register("al", "secret1")
	assert.ErrorIs(t, err, ErrUsernameTooShort)

	_, err = m.Register("alice", "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	m, _ := newTestAuth(t)

	_, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	_, err = m.Register("alice", "different1")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginDoesNotRevealWhichPartFailed(t *testing.T) {
	m, _ := newTestAuth(t)

	_, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	_, unknownUser := m.Login("bob", "secret1")
	_, wrongPassword := m.Login("alice", "wrong-password")
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.Equal(t, unknownUser, wrongPassword)
}

func TestLoginMintsToken(t *testing.T) {
	m, clk := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	tok, err := m.Login("alice", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, userID, tok.UserID)
	assert.Equal(t, clk.Now().Add(time.Hour), tok.ExpiresAt)

	user := m.GetUser(userID)
	require.NotNil(t, user)
	assert.Equal(t, clk.Now(), user.LastLoginAt)
}

func TestEachLoginMintsADistinctToken(t *testing.T) {
	m, _ := newTestAuth(t)

	_, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	t1, err := m.Login("alice", "secret1")
	require.NoError(t, err)
	t2, err := m.Login("alice", "secret1")
	require.NoError(t, err)

	assert.NotEqual(t, t1.Token, t2.Token)
	assert.Equal(t, 2, m.TokenCount())
}

func TestValidateToken(t *testing.T) {
	m, clk := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)
	tok, err := m.Login("alice", "secret1")
	require.NoError(t, err)

	got := m.ValidateToken(tok.Token)
	require.NotNil(t, got)
	assert.Equal(t, userID, got.UserID)

	assert.Nil(t, m.ValidateToken("no-such-token"))

	// Expiry revokes on first sight.
	clk.Add(time.Hour)
	assert.Nil(t, m.ValidateToken(tok.Token))
	assert.Zero(t, m.TokenCount())
}

func TestLogout(t *testing.T) {
	m, _ := newTestAuth(t)

	_, err := m.Register("alice", "secret1")
	require.NoError(t, err)
	tok, err := m.Login("alice", "secret1")
	require.NoError(t, err)

	assert.True(t, m.Logout(tok.Token))
	assert.Nil(t, m.ValidateToken(tok.Token))
	assert.False(t, m.Logout(tok.Token))
}

func TestLogoutAll(t *testing.T) {
	m, _ := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)
	_, err = m.Register("bob", "secret2")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Login("alice", "secret1")
		require.NoError(t, err)
	}
	bobTok, err := m.Login("bob", "secret2")
	require.NoError(t, err)

	assert.Equal(t, 3, m.LogoutAll(userID))
	assert.Equal(t, 0, m.LogoutAll(userID))
	assert.NotNil(t, m.ValidateToken(bobTok.Token))
}

func TestSweepPurgesExpiredTokens(t *testing.T) {
	m, clk := newTestAuth(t)

	_, err := m.Register("alice", "secret1")
	require.NoError(t, err)
	_, err = m.Login("alice", "secret1")
	require.NoError(t, err)

	clk.Add(time.Hour)
	m.sweepTokens()
	assert.Zero(t, m.TokenCount())
}

func TestGetUserByUsername(t *testing.T) {
	m, _ := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	user := m.GetUserByUsername("alice")
	require.NotNil(t, user)
	assert.Equal(t, userID, user.ID)
	assert.Equal(t, []string{"user"}, user.Permissions)
	assert.True(t, user.LastLoginAt.IsZero())

	assert.Nil(t, m.GetUserByUsername("bob"))
}

func TestUpdateUserPermissions(t *testing.T) {
	m, _ := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	require.True(t, m.UpdateUser(userID, []string{"user", "system.stats"}))
	assert.Equal(t, []string{"user", "system.stats"}, m.GetUser(userID).Permissions)
	assert.False(t, m.UpdateUser("nope", nil))
}

func TestHasPermission(t *testing.T) {
	m, _ := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)

	assert.False(t, m.HasPermission(userID, "system.stats"))
	assert.False(t, m.HasPermission("nope", "system.stats"))

	m.UpdateUser(userID, []string{"system.stats"})
	assert.True(t, m.HasPermission(userID, "system.stats"))

	m.UpdateUser(userID, []string{PermissionAdmin})
	assert.True(t, m.HasPermission(userID, "anything.at.all"))
}

func TestDeleteUserRevokesTokens(t *testing.T) {
	m, _ := newTestAuth(t)

	userID, err := m.Register("alice", "secret1")
	require.NoError(t, err)
	tok, err := m.Login("alice", "secret1")
	require.NoError(t, err)

	assert.True(t, m.DeleteUser(userID))
	assert.Nil(t, m.GetUser(userID))
	assert.Nil(t, m.GetUserByUsername("alice"))
	assert.Nil(t, m.ValidateToken(tok.Token))
	assert.False(t, m.DeleteUser(userID))

	// The freed username can be registered again.
	_, err = m.Register("alice", "secret1")
	assert.NoError(t, err)
}

type fakeStore struct {
	users map[string]Credential
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]Credential)}
}

func (s *fakeStore) SaveUser(c Credential) error {
	s.users[c.ID] = c
	return nil
}

func (s *fakeStore) DeleteUser(id string) error {
	delete(s.users, id)
	return nil
}

func (s *fakeStore) LoadUsers() ([]Credential, error) {
	out := make([]Credential, 0, len(s.users))
	for _, c := range s.users {
		out = append(out, c)
	}
	return out, nil
}

func TestCredentialsSurviveRestart(t *testing.T) {
	store := newFakeStore()
	cfg := Config{MinPasswordLength: 6, TokenTTL: time.Hour}

	first, err := newManager(cfg, store, testLogger(), clock.NewMock())
	require.NoError(t, err)
	userID, err := first.Register("alice", "secret1")
	require.NoError(t, err)
	first.Close()

	second, err := newManager(cfg, store, testLogger(), clock.NewMock())
	require.NoError(t, err)
	defer second.Close()

	user := second.GetUserByUsername("alice")
	require.NotNil(t, user)
	assert.Equal(t, userID, user.ID)

	_, err = second.Login("alice", "secret1")
	assert.NoError(t, err)
}

func TestPasswordHashing(t *testing.T) {
	salt, err := generateSalt()
	require.NoError(t, err)

	hash := hashPassword("secret1", salt)
	assert.True(t, verifyPassword("secret1", salt, hash))
	assert.False(t, verifyPassword("secret2", salt, hash))

	otherSalt, err := generateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, hash, hashPassword("secret1", otherSalt))
}
