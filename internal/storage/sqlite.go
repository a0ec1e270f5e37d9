package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/reflex/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is the embedded local-store adapter. A single connection avoids
// SQLITE_BUSY between the flush goroutines; WAL mode keeps reads cheap.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and prepares the
// schema. Safe to call repeatedly on the same file.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrapf(errs.KindStorage, err, "open %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrapf(errs.KindStorage, err, "connect %s", path)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errs.Wrapf(errs.KindStorage, err, "apply %s", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, err, "apply schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(key string, env Envelope) error {
	if !json.Valid(env.State) {
		return errs.Newf(errs.KindStorage, "save %s: state is not valid JSON", key)
	}
	_, err := s.db.Exec(`
		INSERT INTO envelopes (key, state, persisted_at, server_id, schema_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			persisted_at = excluded.persisted_at,
			server_id = excluded.server_id,
			schema_version = excluded.schema_version
	`,
		key,
		string(env.State),
		env.Metadata.PersistedAt.UTC().Format(time.RFC3339Nano),
		env.Metadata.ServerID,
		env.Metadata.SchemaVersion,
	)
	return errs.Wrapf(errs.KindStorage, err, "save %s", key)
}

func (s *SQLite) Load(key string) (Envelope, bool, error) {
	var (
		state       string
		persistedAt string
		env         Envelope
	)
	err := s.db.QueryRow(`
		SELECT state, persisted_at, server_id, schema_version
		FROM envelopes WHERE key = ?
	`, key).Scan(&state, &persistedAt, &env.Metadata.ServerID, &env.Metadata.SchemaVersion)
	if err == sql.ErrNoRows {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, errs.Wrapf(errs.KindStorage, err, "load %s", key)
	}
	env.State = json.RawMessage(state)
	env.Metadata.PersistedAt, err = time.Parse(time.RFC3339Nano, persistedAt)
	if err != nil {
		return Envelope{}, false, errs.Wrapf(errs.KindStorage, err, "load %s: persisted_at", key)
	}
	return env, true, nil
}

func (s *SQLite) Delete(key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM envelopes WHERE key = ?`, key)
	if err != nil {
		return false, errs.Wrapf(errs.KindStorage, err, "delete %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrapf(errs.KindStorage, err, "delete %s", key)
	}
	return n > 0, nil
}

func (s *SQLite) Exists(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM envelopes WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrapf(errs.KindStorage, err, "exists %s", key)
	}
	return true, nil
}

func (s *SQLite) ListKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM envelopes ORDER BY key`)
	if err != nil {
		return nil, errs.Wrapf(errs.KindStorage, err, "list %q", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrapf(errs.KindStorage, err, "list %q", prefix)
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, errs.Wrapf(errs.KindStorage, rows.Err(), "list %q", prefix)
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return errs.Wrap(errs.KindStorage, s.db.Close(), "close")
}
