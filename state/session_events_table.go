package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

type SessionEventRow struct {
	ID          string    `db:"event_id"`
	SessionID   string    `db:"session_id"`
	DeviceID    string    `db:"device_id"`
	EventType   string    `db:"event_type"`
	Description string    `db:"description"`
	Timestamp   time.Time `db:"timestamp"`
}

// SessionEventsTable is the append-only audit trail of session lifecycle
// events, fed asynchronously from the pubsub audit channel.
type SessionEventsTable struct {
	db *sqlx.DB
}

func NewSessionEventsTable(db *sqlx.DB) *SessionEventsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_session_events (
		event_id TEXT NOT NULL PRIMARY KEY,
		session_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS gateway_session_events_device_idx ON gateway_session_events(device_id);`)
	return &SessionEventsTable{db: db}
}

func (t *SessionEventsTable) AppendEvent(row SessionEventRow) error {
	_, err := t.db.Exec(`
	INSERT INTO gateway_session_events(event_id, session_id, device_id, event_type, description, timestamp)
	VALUES($1, $2, $3, $4, $5, $6) ON CONFLICT (event_id) DO NOTHING`,
		row.ID, row.SessionID, row.DeviceID, row.EventType, row.Description, row.Timestamp)
	return err
}

// SelectByDevice returns up to limit of the device's most recent audit events,
// newest first.
func (t *SessionEventsTable) SelectByDevice(deviceID string, limit int) ([]SessionEventRow, error) {
	var rows []SessionEventRow
	err := t.db.Select(&rows, `
	SELECT event_id, session_id, device_id, event_type, description, timestamp
	FROM gateway_session_events WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		deviceID, limit)
	return rows, err
}
