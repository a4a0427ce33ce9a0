package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection that backs both the durable and the
// session stores.
type DB struct {
	conn  *sql.DB
	clock clockwork.Clock
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_kv (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	PRIMARY KEY (session_id, key)
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the clock used for session expiry.
func WithClock(c clockwork.Clock) Option {
	return func(db *DB) { db.clock = c }
}

// Open creates or opens the SQLite database at path and applies the schema.
func Open(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	db := &DB{conn: conn, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close shuts down the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying connection to packages that keep their own
// tables in the same file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// --- Durable store ---

// Durable returns the long-lived KV backed by this database.
func (db *DB) Durable() KV {
	return durableKV{db: db}
}

type durableKV struct {
	db *DB
}

func (d durableKV) Get(key string) ([]byte, bool, error) {
	var v []byte
	err := d.db.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (d durableKV) Set(key string, value []byte) error {
	_, err := d.db.conn.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, d.db.clock.Now().UnixNano(),
	)
	return err
}

func (d durableKV) Delete(key string) error {
	_, err := d.db.conn.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// --- Session store ---

// Session is a KV scoped to one client session. Every write slides the
// session expiry forward by the TTL it was opened with.
type Session struct {
	db  *DB
	id  string
	ttl time.Duration
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ResumeSession returns the most recent unexpired session, or starts a new
// one when none is live. Expired sessions and their keys are purged.
func (db *DB) ResumeSession(ttl time.Duration) (*Session, error) {
	now := db.clock.Now()
	if _, err := db.conn.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("purge sessions: %w", err)
	}

	var id string
	err := db.conn.QueryRow(
		`SELECT id FROM sessions WHERE expires_at > ? ORDER BY created_at DESC LIMIT 1`,
		now.UnixNano(),
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return db.NewSession(ttl)
	case err != nil:
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	s := &Session{db: db, id: id, ttl: ttl}
	if err := s.touch(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSession starts a fresh session.
func (db *DB) NewSession(ttl time.Duration) (*Session, error) {
	now := db.clock.Now()
	s := &Session{db: db, id: uuid.New().String(), ttl: ttl}
	_, err := db.conn.Exec(
		`INSERT INTO sessions (id, created_at, expires_at) VALUES (?, ?, ?)`,
		s.id, now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// End deletes the session and everything stored in it.
func (s *Session) End() error {
	_, err := s.db.conn.Exec(`DELETE FROM sessions WHERE id = ?`, s.id)
	return err
}

func (s *Session) live() (bool, error) {
	var expires int64
	err := s.db.conn.QueryRow(`SELECT expires_at FROM sessions WHERE id = ?`, s.id).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expires > s.db.clock.Now().UnixNano(), nil
}

func (s *Session) touch() error {
	_, err := s.db.conn.Exec(
		`UPDATE sessions SET expires_at = ? WHERE id = ?`,
		s.db.clock.Now().Add(s.ttl).UnixNano(), s.id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Session) Get(key string) ([]byte, bool, error) {
	ok, err := s.live()
	if err != nil || !ok {
		return nil, false, err
	}
	var v []byte
	err = s.db.conn.QueryRow(
		`SELECT value FROM session_kv WHERE session_id = ? AND key = ?`, s.id, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Session) Set(key string, value []byte) error {
	ok, err := s.live()
	if err != nil {
		return err
	}
	if !ok {
		// The session lapsed while the client was idle. Re-register it under
		// the same ID, dropping whatever it held, so the write is not lost.
		now := s.db.clock.Now()
		if _, err := s.db.conn.Exec(`DELETE FROM sessions WHERE id = ?`, s.id); err != nil {
			return fmt.Errorf("renew session: %w", err)
		}
		if _, err := s.db.conn.Exec(
			`INSERT INTO sessions (id, created_at, expires_at) VALUES (?, ?, ?)`,
			s.id, now.UnixNano(), now.Add(s.ttl).UnixNano(),
		); err != nil {
			return fmt.Errorf("renew session: %w", err)
		}
	}
	if _, err := s.db.conn.Exec(
		`INSERT INTO session_kv (session_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value`,
		s.id, key, value,
	); err != nil {
		return err
	}
	return s.touch()
}

func (s *Session) Delete(key string) error {
	_, err := s.db.conn.Exec(`DELETE FROM session_kv WHERE session_id = ? AND key = ?`, s.id, key)
	return err
}
