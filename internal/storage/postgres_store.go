package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatcher/internal/models"
)

// Migration creates the ride event journal.
const Migration = `CREATE TABLE IF NOT EXISTS ride_events (
	id BIGSERIAL PRIMARY KEY,
	ride_id TEXT NOT NULL,
	driver_id TEXT,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	cancelled_after_accept BOOLEAN NOT NULL DEFAULT FALSE,
	at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_events_ride_id_idx ON ride_events (ride_id);`

const insertEventQuery = `
INSERT INTO ride_events (ride_id, driver_id, from_status, to_status, cancelled_after_accept, at)
VALUES (:ride_id, :driver_id, :from_status, :to_status, :cancelled_after_accept, :at)
`

const historyQuery = `
SELECT ride_id, driver_id, from_status, to_status, cancelled_after_accept, at
FROM ride_events WHERE ride_id = $1 ORDER BY id
`

type eventRow struct {
	RideID               string         `db:"ride_id"`
	DriverID             sql.NullString `db:"driver_id"`
	From                 string         `db:"from_status"`
	To                   string         `db:"to_status"`
	CancelledAfterAccept bool           `db:"cancelled_after_accept"`
	At                   time.Time      `db:"at"`
}

func toRow(ev models.RideEvent) eventRow {
	return eventRow{
		RideID:               ev.RideID,
		DriverID:             sql.NullString{String: ev.DriverID, Valid: ev.DriverID != ""},
		From:                 string(ev.From),
		To:                   string(ev.To),
		CancelledAfterAccept: ev.CancelledAfterAccept,
		At:                   ev.At,
	}
}

func (r eventRow) event() models.RideEvent {
	return models.RideEvent{
		RideID:               r.RideID,
		DriverID:             r.DriverID.String,
		From:                 models.RideStatus(r.From),
		To:                   models.RideStatus(r.To),
		CancelledAfterAccept: r.CancelledAfterAccept,
		At:                   r.At,
	}
}

// PostgresJournal appends ride status changes for reporting. It is a sink,
// not a store: engine state is never read back from it.
type PostgresJournal struct {
	db *sqlx.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

func (p *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Migration)
	return err
}

func (p *PostgresJournal) Name() string { return "postgres" }

func (p *PostgresJournal) Publish(ctx context.Context, ev models.RideEvent) error {
	_, err := p.db.NamedExecContext(ctx, insertEventQuery, toRow(ev))
	return err
}

// History returns the journaled transitions of one ride, oldest first.
func (p *PostgresJournal) History(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	var rows []eventRow
	if err := p.db.SelectContext(ctx, &rows, historyQuery, rideID); err != nil {
		return nil, err
	}
	out := make([]models.RideEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (p *PostgresJournal) Close() error { return p.db.Close() }
