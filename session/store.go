// Package session owns negotiation state: the session store, the authorization
// grant table, token issuance and the state machine driving lifecycle
// transitions. No other component mutates session state or grants directly.
package session

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// State of a session in the negotiation pipeline. Rejection, failure,
// termination and expiry are not states: they remove the session entirely.
type State int

const (
	StateRequested State = iota + 1 // forwarded upstream, decision pending
	StateApproved                   // admin said yes, waiting for the device's final confirmation
	StateConfirmed                  // both sides agreed, relay traffic flows
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateApproved:
		return "approved"
	case StateConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// ApprovedOrLater reports whether relay traffic is admissible for a session in
// this state.
func (s State) ApprovedOrLater() bool {
	return s == StateApproved || s == StateConfirmed
}

// Kind distinguishes the two negotiation flavours. They share one state machine;
// only the initiating/decision message pair differs.
type Kind int

const (
	KindControl Kind = iota + 1
	KindFileshare
)

func (k Kind) String() string {
	if k == KindFileshare {
		return "fileshare"
	}
	return "control"
}

// Session is one negotiation instance, keyed by its token.
type Session struct {
	Token          string
	DeviceID       string
	Kind           Kind
	State          State
	LastActivityAt time.Time
}

// Store owns the session map. All methods are safe for concurrent use; each is
// atomic under the store mutex, so callers can re-validate state immediately
// before a mutation by using the compare-and-set variants.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create stores a new session in StateRequested. Returns false if a session with
// this token already exists.
func (s *Store) Create(token, deviceID string, kind Kind, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[token]; exists {
		return false
	}
	s.sessions[token] = &Session{
		Token:          token,
		DeviceID:       deviceID,
		Kind:           kind,
		State:          StateRequested,
		LastActivityAt: now,
	}
	return true
}

// Get returns a copy of the session, so callers cannot mutate store state behind
// the mutex's back.
func (s *Store) Get(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// CompareAndSetState transitions the session from exactly `from` to `to`,
// refreshing activity. Returns false if the session is gone or no longer in
// `from` - the caller's view was stale and the mutation must not happen.
func (s *Store) CompareAndSetState(token string, from, to State, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || sess.State != from {
		return false
	}
	sess.State = to
	sess.LastActivityAt = now
	return true
}

// Touch refreshes the session's activity timestamp.
func (s *Store) Touch(token string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	sess.LastActivityAt = now
	return true
}

// Remove deletes the session, returning its final snapshot.
func (s *Store) Remove(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, token)
	return *sess, true
}

// RemoveForDevice deletes every session belonging to deviceID and returns their
// final snapshots. Used by transport-close teardown.
func (s *Store) RemoveForDevice(deviceID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Session
	for token, sess := range s.sessions {
		if sess.DeviceID != deviceID {
			continue
		}
		removed = append(removed, *sess)
		delete(s.sessions, token)
	}
	return removed
}

// ExpireInactive removes every session idle for longer than timeout and returns
// the removed snapshots. A session is returned at most once across repeated
// sweeps since removal happens under the same lock as the check.
func (s *Store) ExpireInactive(now time.Time, timeout time.Duration) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Session
	for token, sess := range s.sessions {
		if now.Sub(sess.LastActivityAt) <= timeout {
			continue
		}
		expired = append(expired, *sess)
		delete(s.sessions, token)
	}
	return expired
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
