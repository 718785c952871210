// Package persistence is the SQLite-backed turn archive. It is an audit
// trail, not the session store: the live game state stays in memory and a
// failed archive write never fails a turn.
package persistence

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/crucible/internal/authority"
	"github.com/talgya/crucible/internal/engine"
	"github.com/talgya/crucible/internal/support"
)

// DB wraps a SQLite connection for the turn archive.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		session_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		tier TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_day INTEGER
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		day INTEGER NOT NULL,
		topic TEXT NOT NULL,
		scope TEXT NOT NULL,
		tension TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		populace INTEGER NOT NULL,
		power INTEGER NOT NULL,
		personal INTEGER NOT NULL,
		provider TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, day);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// ArchiveSessionStart records a new playthrough.
func (db *DB) ArchiveSessionStart(sessionID, provider string, tier authority.Tier) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO games (session_id, provider, tier, started_at) VALUES (?, ?, ?, ?)",
		sessionID, provider, string(tier), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert game %s: %w", sessionID, err)
	}
	return nil
}

// ArchiveTurn appends one completed turn.
func (db *DB) ArchiveTurn(rec engine.TurnRecord) error {
	_, err := db.conn.Exec(`INSERT INTO turns
		(session_id, day, topic, scope, tension, title, description,
		 populace, power, personal, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Day,
		rec.Entry.Topic, rec.Entry.Scope, rec.Entry.Tension,
		rec.Entry.Title, rec.Entry.Description,
		rec.Support[support.TrackPopulace],
		rec.Support[support.TrackPower],
		rec.Support[support.TrackPersonal],
		rec.Provider, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert turn %s/%d: %w", rec.SessionID, rec.Day, err)
	}
	return nil
}

// ArchiveGameEnd stamps the playthrough as finished.
func (db *DB) ArchiveGameEnd(sessionID string, day int) error {
	_, err := db.conn.Exec(
		"UPDATE games SET ended_at = ?, end_day = ? WHERE session_id = ?",
		time.Now().Unix(), day, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end game %s: %w", sessionID, err)
	}
	return nil
}

// TurnRow is one archived turn as stored.
type TurnRow struct {
	SessionID   string `db:"session_id"`
	Day         int    `db:"day"`
	Topic       string `db:"topic"`
	Scope       string `db:"scope"`
	Tension     string `db:"tension"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Populace    int    `db:"populace"`
	Power       int    `db:"power"`
	Personal    int    `db:"personal"`
	Provider    string `db:"provider"`
	CreatedAt   int64  `db:"created_at"`
}

// Turns returns a playthrough's archived turns in day order.
func (db *DB) Turns(sessionID string) ([]TurnRow, error) {
	var rows []TurnRow
	err := db.conn.Select(&rows,
		"SELECT session_id, day, topic, scope, tension, title, description, populace, power, personal, provider, created_at FROM turns WHERE session_id = ? ORDER BY day",
		sessionID,
	)
	return rows, err
}

// GameCount returns how many playthroughs the archive has seen.
func (db *DB) GameCount() (int, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM games")
	return n, err
}
