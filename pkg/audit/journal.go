// Package audit records the supervisory events spec.md's command
// surface generates — handshakes, heartbeats, disconnects — into a
// durable journal. It is grounded on the teacher's pkg/db (package db,
// retrieved as quadgatefoundation-fluxor/pkg/db/pool.go in the wider
// pack): a *sql.DB wrapped in a small pool type, validated fail-fast and
// ping-tested before use. Pulsar generalizes that single-driver pool
// into a driver selector keyed by DSN scheme, so the same Journal
// interface is backed by sqlite for local/single-node runs or Postgres
// (via either of the pack's two Postgres drivers) for a shared journal.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
)

// Kind identifies what kind of supervisory event a Record carries.
type Kind string

const (
	KindHandshake Kind = "handshake"
	KindHeartbeat Kind = "heartbeat"
	KindStop      Kind = "stop"
)

// Record is one journaled event.
type Record struct {
	AID string
	Kind
	Info map[string]interface{}
	At   time.Time
}

// Journal persists supervisory Records. Implementations must be safe
// for concurrent use.
type Journal interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// NopJournal discards every record, for runs with no AuditDSN
// configured.
type NopJournal struct{}

func (NopJournal) Record(context.Context, Record) error { return nil }
func (NopJournal) Close() error                          { return nil }

// SQLJournal is a Journal backed by database/sql, the driver selected
// from the DSN's scheme.
type SQLJournal struct {
	db     *sql.DB
	driver string
}

// Open parses dsn's scheme and opens the matching driver:
//   - "sqlite://path"        -> mattn/go-sqlite3 ("sqlite3")
//   - "postgres://..."       -> jackc/pgx/v5's database/sql driver ("pgx")
//   - "postgres+lib://..."   -> lib/pq ("postgres"), for deployments
//     pinned to the older driver
//
// It creates the events table if it does not already exist and pings
// the connection before returning, failing fast on a bad DSN rather
// than on the first Record call.
func Open(ctx context.Context, dsn string) (*SQLJournal, error) {
	driver, connDSN, err := driverForDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, connDSN)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", driver, err)
	}

	if err := migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLJournal{db: db, driver: driver}, nil
}

func driverForDSN(dsn string) (driver string, connDSN string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "postgres+lib://"):
		return "postgres", "postgres://" + strings.TrimPrefix(dsn, "postgres+lib://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("audit: unrecognized DSN scheme in %q", dsn)
	}
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	stmt := `CREATE TABLE IF NOT EXISTS pulsar_audit_events (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		aid   TEXT NOT NULL,
		kind  TEXT NOT NULL,
		info  TEXT NOT NULL,
		at    TIMESTAMP NOT NULL
	)`
	if driver == "pgx" || driver == "postgres" {
		stmt = `CREATE TABLE IF NOT EXISTS pulsar_audit_events (
			id    BIGSERIAL PRIMARY KEY,
			aid   TEXT NOT NULL,
			kind  TEXT NOT NULL,
			info  TEXT NOT NULL,
			at    TIMESTAMPTZ NOT NULL
		)`
	}
	_, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts rec as a new row.
func (j *SQLJournal) Record(ctx context.Context, rec Record) error {
	info, err := json.Marshal(rec.Info)
	if err != nil {
		return fmt.Errorf("audit: marshal info: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	placeholders := "?, ?, ?, ?"
	if j.driver == "pgx" || j.driver == "postgres" {
		placeholders = "$1, $2, $3, $4"
	}
	_, err = j.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO pulsar_audit_events (aid, kind, info, at) VALUES (%s)", placeholders),
		rec.AID, string(rec.Kind), string(info), at,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (j *SQLJournal) Close() error { return j.db.Close() }
