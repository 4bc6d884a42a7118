// Package archive copies records read from flash into a SQLite database so
// they survive the store's bounded history.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bigbag/flashlog/internal/crc16"
	"github.com/bigbag/flashlog/internal/recstore"
)

// ErrClosed is returned by Export methods after Commit or Rollback.
var ErrClosed = errors.New("archive: export already finished")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	device      TEXT NOT NULL,
	jedec_id    INTEGER NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	records     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS records (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	record_id  INTEGER NOT NULL,
	address    INTEGER NOT NULL,
	length     INTEGER NOT NULL,
	crc        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (session_id, record_id)
);
CREATE INDEX IF NOT EXISTS records_by_id ON records(record_id);`

// Archive is a SQLite database of exported records.
type Archive struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Session describes one export run.
type Session struct {
	ID         string
	Device     string
	JEDECID    uint32
	StartedAt  time.Time
	FinishedAt time.Time
	Records    int
}

// Open opens (or creates) an archive. Use ":memory:" for an in-memory
// database.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database exists per connection, and an
	// export holds its transaction for its whole run anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Archive{db: db, now: time.Now}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Export is one export session in progress. Records added to it become
// visible together on Commit.
type Export struct {
	a     *Archive
	tx    *sql.Tx
	id    string
	count int
	done  bool
}

// Begin starts a session for the named device. The caller must Commit or
// Rollback it before using the archive again.
func (a *Archive) Begin(ctx context.Context, device string, jedecID uint32) (*Export, error) {
	a.mu.Lock()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("begin export: %w", err)
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO sessions (id, device, jedec_id, started_at) VALUES (?, ?, ?, ?)",
		id, device, int64(jedecID), a.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		tx.Rollback()
		a.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Export{a: a, tx: tx, id: id}, nil
}

// ID returns the session id.
func (e *Export) ID() string { return e.id }

// Count returns the number of records added so far.
func (e *Export) Count() int { return e.count }

// Add archives one record. A record id already present in the session
// is replaced.
func (e *Export) Add(ctx context.Context, r recstore.Record) error {
	if e.done {
		return ErrClosed
	}
	_, err := e.tx.ExecContext(ctx, `
		INSERT INTO records (session_id, record_id, address, length, crc, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, record_id) DO UPDATE SET
			address = excluded.address,
			length = excluded.length,
			crc = excluded.crc,
			data = excluded.data`,
		e.id, int64(r.ID), int64(r.Address), len(r.Data), int64(crc16.CCITT(r.Data)), r.Data)
	if err != nil {
		return fmt.Errorf("archive record %d: %w", r.ID, err)
	}
	e.count++
	return nil
}

// Commit closes the session and makes its records visible.
func (e *Export) Commit(ctx context.Context) error {
	if e.done {
		return ErrClosed
	}
	e.done = true
	defer e.a.mu.Unlock()

	_, err := e.tx.ExecContext(ctx,
		"UPDATE sessions SET finished_at = ?, records = ? WHERE id = ?",
		e.a.now().UTC().Format(time.RFC3339Nano), e.count, e.id)
	if err != nil {
		e.tx.Rollback()
		return fmt.Errorf("finish session: %w", err)
	}
	if err := e.tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	return nil
}

// Rollback discards the session. It is a no-op after Commit.
func (e *Export) Rollback() error {
	if e.done {
		return nil
	}
	e.done = true
	defer e.a.mu.Unlock()
	return e.tx.Rollback()
}

// Sessions lists committed sessions, newest first.
func (a *Archive) Sessions(ctx context.Context) ([]Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, device, jedec_id, started_at, COALESCE(finished_at, ''), records
		FROM sessions ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                 Session
			jedec             int64
			started, finished string
		)
		if err := rows.Scan(&s.ID, &s.Device, &jedec, &started, &finished, &s.Records); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.JEDECID = uint32(jedec)
		s.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		s.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Records returns a session's records ordered by id. Records whose stored
// CRC no longer matches their data are reported with recstore.ErrCrc.
func (a *Archive) Records(ctx context.Context, sessionID string) ([]recstore.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.QueryContext(ctx,
		"SELECT record_id, address, crc, data FROM records WHERE session_id = ? ORDER BY record_id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []recstore.Record
	for rows.Next() {
		var id, addr, crc int64
		var data []byte
		if err := rows.Scan(&id, &addr, &crc, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if uint16(crc) != crc16.CCITT(data) {
			return nil, fmt.Errorf("archived record %d: %w", id, recstore.ErrCrc)
		}
		out = append(out, recstore.Record{ID: uint32(id), Address: uint32(addr), Data: data})
	}
	return out, rows.Err()
}
