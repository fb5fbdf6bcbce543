// Package session tracks logical client sessions independently of the
// physical connections that carry them. A session may span several
// connections (multi-device), but each connection belongs to at most one
// session at any time.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateSuspended State = "suspended"
	StateClosed    State = "closed"
)

// Session is the server-side logical identity of a connected client. It
// survives reconnects within its maximum age.
type Session struct {
	ID                 string
	UserID             string // empty until authenticated
	ConnectionIDs      map[string]struct{}
	State              State
	Authenticated      bool
	CreatedAt          time.Time
	LastActivity       time.Time
	Metadata           map[string]any
	SubscribedChannels map[string]struct{}
}

// Info is a read-only projection of a session, annotated with whether the
// session is currently active (recent activity) and valid (within max age).
type Info struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IsActive      bool      `json:"isActive"`
	IsValid       bool      `json:"isValid"`
}

func (s *Session) clone() *Session {
	out := *s
	out.ConnectionIDs = make(map[string]struct{}, len(s.ConnectionIDs))
	for id := range s.ConnectionIDs {
		out.ConnectionIDs[id] = struct{}{}
	}
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	out.SubscribedChannels = make(map[string]struct{}, len(s.SubscribedChannels))
	for ch := range s.SubscribedChannels {
		out.SubscribedChannels[ch] = struct{}{}
	}
	return &out
}
