package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLastTab  = errors.New("cannot remove last tab")
)

// DB wraps the SQLite database connection and provides methods for storage operations.
type DB struct {
	conn *sql.DB
}

// NewDB opens/creates a SQLite database at the given path and initializes schema.
// Pass ":memory:" for in-memory database (useful for tests).
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		shell TEXT NOT NULL,
		cwd TEXT,
		cmd_text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_ts ON commands(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
	CREATE INDEX IF NOT EXISTS idx_commands_text ON commands(cmd_text);

	CREATE TABLE IF NOT EXISTS tabs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// InsertCommand inserts a new command record into the database.
func (db *DB) InsertCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (ts, session_id, shell, cwd, cmd_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.ExecContext(ctx, query,
		cmd.Timestamp.UnixMilli(),
		cmd.SessionID,
		cmd.Shell,
		cmd.Cwd,
		cmd.CommandText,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	cmd.ID = id
	return nil
}

// GetRecentCommands retrieves the N most recent commands.
func (db *DB) GetRecentCommands(ctx context.Context, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, cmd_text
		FROM commands
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent commands: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// SearchCommands searches for commands starting with the given prefix.
func (db *DB) SearchCommands(ctx context.Context, prefix string, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, cmd_text
		FROM commands
		WHERE cmd_text LIKE ? ESCAPE '\'
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search commands: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// GetCommandsBySession retrieves commands for a specific session, newest first.
func (db *DB) GetCommandsBySession(ctx context.Context, sessionID string, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, cmd_text
		FROM commands
		WHERE session_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands by session: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// DeleteCommandsBySession removes every command logged for a session.
func (db *DB) DeleteCommandsBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM commands WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commands: %w", err)
	}
	return result.RowsAffected()
}

// PruneCommands removes commands logged before the cutoff.
func (db *DB) PruneCommands(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM commands WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune commands: %w", err)
	}
	return result.RowsAffected()
}

// scanCommands is a helper that scans rows into Command structs.
func (db *DB) scanCommands(rows *sql.Rows) ([]*Command, error) {
	var commands []*Command

	for rows.Next() {
		var cmd Command
		var tsMilli int64
		var cwd sql.NullString

		err := rows.Scan(
			&cmd.ID,
			&tsMilli,
			&cmd.SessionID,
			&cmd.Shell,
			&cwd,
			&cmd.CommandText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}

		cmd.Timestamp = time.UnixMilli(tsMilli)
		cmd.Cwd = cwd.String

		commands = append(commands, &cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}

	return commands, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
