package relay

import (
	"sync/atomic"
	"time"
)

// Stats holds the atomic per-relay counters spec.md §4.5 requires. Every
// field is safe for concurrent increment from any goroutine; Snapshot takes
// a point-in-time copy for callers that want to read several fields
// together.
type Stats struct {
	ConnectAttempts      atomic.Int64
	ConnectSuccesses     atomic.Int64
	Disconnections       atomic.Int64
	MessagesSent         atomic.Int64
	MessagesReceived     atomic.Int64
	BytesSent            atomic.Int64
	BytesReceived        atomic.Int64
	ValidatedEvents      atomic.Int64
	NonValidatedEvents   atomic.Int64
	ActiveSubscriptions  atomic.Int64
	TotalSubscriptions   atomic.Int64
	AuthAttempts         atomic.Int64
	AuthSuccesses        atomic.Int64
	firstConnectUnixNano atomic.Int64
	lastConnectUnixNano  atomic.Int64
}

// NoteConnected records a successful connection, setting FirstConnectedAt
// the first time it is called.
func (s *Stats) NoteConnected() {
	s.ConnectSuccesses.Add(1)
	now := time.Now().UnixNano()
	s.firstConnectUnixNano.CompareAndSwap(0, now)
	s.lastConnectUnixNano.Store(now)
}

// FirstConnectedAt returns the zero time if the relay has never connected.
func (s *Stats) FirstConnectedAt() time.Time {
	n := s.firstConnectUnixNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastConnectedAt returns the zero time if the relay has never connected.
func (s *Stats) LastConnectedAt() time.Time {
	n := s.lastConnectUnixNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot is a point-in-time copy of Stats, safe to read without racing
// further updates.
type Snapshot struct {
	ConnectAttempts, ConnectSuccesses, Disconnections int64
	MessagesSent, MessagesReceived                    int64
	BytesSent, BytesReceived                          int64
	ValidatedEvents, NonValidatedEvents               int64
	ActiveSubscriptions, TotalSubscriptions           int64
	AuthAttempts, AuthSuccesses                       int64
	FirstConnectedAt, LastConnectedAt                 time.Time
}

// Snapshot copies every counter into a Snapshot.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnectAttempts:     s.ConnectAttempts.Load(),
		ConnectSuccesses:    s.ConnectSuccesses.Load(),
		Disconnections:      s.Disconnections.Load(),
		MessagesSent:        s.MessagesSent.Load(),
		MessagesReceived:    s.MessagesReceived.Load(),
		BytesSent:           s.BytesSent.Load(),
		BytesReceived:       s.BytesReceived.Load(),
		ValidatedEvents:     s.ValidatedEvents.Load(),
		NonValidatedEvents:  s.NonValidatedEvents.Load(),
		ActiveSubscriptions: s.ActiveSubscriptions.Load(),
		TotalSubscriptions:  s.TotalSubscriptions.Load(),
		AuthAttempts:        s.AuthAttempts.Load(),
		AuthSuccesses:       s.AuthSuccesses.Load(),
		FirstConnectedAt:    s.FirstConnectedAt(),
		LastConnectedAt:     s.LastConnectedAt(),
	}
}
