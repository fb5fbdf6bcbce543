package gateway

import (
	"sync/atomic"
	"time"
)

// Stats aggregates running counters for the server. All fields are updated
// atomically; Snapshot produces a consistent-enough read-only view.
type Stats struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	messagesReceived  atomic.Int64
	messagesSent      atomic.Int64
	bytesReceived     atomic.Int64
	bytesSent         atomic.Int64
	errors            atomic.Int64
	startTime         time.Time
}

// Snapshot is the read-only projection served by /stats.
type Snapshot struct {
	State             State `json:"state"`
	UptimeMillis      int64 `json:"uptime"`
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int64 `json:"activeConnections"`
	MessagesReceived  int64 `json:"messagesReceived"`
	MessagesSent      int64 `json:"messagesSent"`
	BytesReceived     int64 `json:"bytesReceived"`
	BytesSent         int64 `json:"bytesSent"`
	Errors            int64 `json:"errors"`
	Sessions          int   `json:"sessions"`
	ActiveSessions    int   `json:"activeSessions"`
	StartTime         int64 `json:"startTime"`
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) recordReceived(n int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(n))
}

func (s *Stats) recordSent(n int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(n))
}

func (s *Stats) recordError() {
	s.errors.Add(1)
}
