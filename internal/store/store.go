// Package store persists credential records in a local sqlite database so
// registered users survive gateway restarts.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatgateway/internal/auth"
)

// User is the persisted form of a credential record.
type User struct {
	ID          string `gorm:"primaryKey"`
	Username    string `gorm:"uniqueIndex;not null"`
	Hash        []byte `gorm:"not null"`
	Salt        []byte `gorm:"not null"`
	Permissions string // comma-separated
	CreatedAt   time.Time
	LastLoginAt time.Time
	UpdatedAt   time.Time
}

// CredentialStore implements auth.CredentialStore on top of gorm.
type CredentialStore struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*CredentialStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate user table: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

// SaveUser inserts or updates one credential record.
func (s *CredentialStore) SaveUser(c auth.Credential) error {
	rec := User{
		ID:          c.ID,
		Username:    c.Username,
		Hash:        c.Hash,
		Salt:        c.Salt,
		Permissions: strings.Join(c.Permissions, ","),
		CreatedAt:   c.CreatedAt,
		LastLoginAt: c.LastLoginAt,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save user %s: %w", c.ID, err)
	}
	return nil
}

// DeleteUser removes one credential record.
func (s *CredentialStore) DeleteUser(id string) error {
	if err := s.db.Delete(&User{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

// LoadUsers returns every persisted credential record.
func (s *CredentialStore) LoadUsers() ([]auth.Credential, error) {
	var recs []User
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	creds := make([]auth.Credential, 0, len(recs))
	for _, r := range recs {
		var perms []string
		if r.Permissions != "" {
			perms = strings.Split(r.Permissions, ",")
		}
		creds = append(creds, auth.Credential{
			ID:          r.ID,
			Username:    r.Username,
			Hash:        r.Hash,
			Salt:        r.Salt,
			Permissions: perms,
			CreatedAt:   r.CreatedAt,
			LastLoginAt: r.LastLoginAt,
		})
	}
	return creds, nil
}
