// Package state persists the device directory and the session audit trail in
// postgres. Nothing here knows about websockets or sessions in flight; it is
// plain table access used by the rest of the gateway.
package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Storage struct {
	DevicesTable       *DevicesTable
	SessionEventsTable *SessionEventsTable
	DB                 *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DevicesTable:       NewDevicesTable(db),
		SessionEventsTable: NewSessionEventsTable(db),
		DB:                 db,
	}
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Panic().Err(err).Msg("failed to Teardown storage")
	}
}
