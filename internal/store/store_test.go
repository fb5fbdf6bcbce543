package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/auth"
)

func sampleCredential(id, username string) auth.Credential {
	return auth.Credential{
		ID:          id,
		Username:    username,
		Hash:        []byte("hash-" + id),
		Salt:        []byte("salt-" + id),
		Permissions: []string{"user", "system.stats"},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)

	cred := sampleCredential("u1", "alice")
	require.NoError(t, s.SaveUser(cred))

	loaded, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, cred.ID, loaded[0].ID)
	assert.Equal(t, cred.Username, loaded[0].Username)
	assert.Equal(t, cred.Hash, loaded[0].Hash)
	assert.Equal(t, cred.Salt, loaded[0].Salt)
	assert.Equal(t, cred.Permissions, loaded[0].Permissions)
}

func TestSaveUpdatesExistingRecord(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)

	cred := sampleCredential("u1", "alice")
	require.NoError(t, s.SaveUser(cred))

	cred.Permissions = []string{"admin"}
	cred.LastLoginAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveUser(cred))

	loaded, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, []string{"admin"}, loaded[0].Permissions)
	assert.False(t, loaded[0].LastLoginAt.IsZero())
}

func TestDeleteUser(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)

	require.NoError(t, s.SaveUser(sampleCredential("u1", "alice")))
	require.NoError(t, s.SaveUser(sampleCredential("u2", "bob")))

	require.NoError(t, s.DeleteUser("u1"))

	loaded, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "u2", loaded[0].ID)

	// Deleting a missing id is not an error.
	assert.NoError(t, s.DeleteUser("u1"))
}

func TestEmptyPermissionsLoadAsNil(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)

	cred := sampleCredential("u1", "alice")
	cred.Permissions = nil
	require.NoError(t, s.SaveUser(cred))

	loaded, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Nil(t, loaded[0].Permissions)
}

func TestReopenPersistsAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveUser(sampleCredential("u1", "alice")))

	second, err := Open(path)
	require.NoError(t, err)
	loaded, err := second.LoadUsers()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
