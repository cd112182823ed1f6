package pubsub

import (
	"time"

	"github.com/google/uuid"
)

// ChanAudit is the channel for session audit events. Producers are the session
// state machine, the relay engine and the device endpoint; the consumer persists
// rows to the session events table.
const ChanAudit = "audit"

// SessionEvent is one entry of the session audit trail.
type SessionEvent struct {
	ID          string
	SessionID   string
	DeviceID    string
	EventType   string
	Description string
	Timestamp   time.Time
}

func (*SessionEvent) Type() string { return "session_event" }

// NewSessionEvent stamps an event with a fresh ID and the current time.
func NewSessionEvent(sessionID, deviceID, eventType, description string) *SessionEvent {
	return &SessionEvent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		DeviceID:    deviceID,
		EventType:   eventType,
		Description: description,
		Timestamp:   time.Now(),
	}
}
