package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const tabSeqKey = "tab_seq"

// ListTabs returns every tab in creation order.
func (db *DB) ListTabs(ctx context.Context) ([]Tab, error) {
	return listTabs(ctx, db.conn)
}

// EnsureDefaultTab returns the tabs, creating "Tab 1" first when there are
// none.
func (db *DB) EnsureDefaultTab(ctx context.Context) ([]Tab, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tabs, err := listTabs(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(tabs) > 0 {
		return tabs, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, 1)`, tabSeqKey); err != nil {
		return nil, fmt.Errorf("failed to reset tab sequence: %w", err)
	}
	tab := Tab{ID: "tab-1", Title: "Tab 1"}
	if err := insertTab(ctx, tx, tab, 1); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit default tab: %w", err)
	}
	return []Tab{tab}, nil
}

// CreateTab adds a tab with the next sequence number. A blank title
// defaults to "Tab N".
func (db *DB) CreateTab(ctx context.Context, title string) (Tab, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Tab{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, tabSeqKey).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Tab{}, fmt.Errorf("failed to read tab sequence: %w", err)
	}
	seq++
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, tabSeqKey, seq); err != nil {
		return Tab{}, fmt.Errorf("failed to bump tab sequence: %w", err)
	}

	tab := Tab{ID: fmt.Sprintf("tab-%d", seq), Title: strings.TrimSpace(title)}
	if tab.Title == "" {
		tab.Title = fmt.Sprintf("Tab %d", seq)
	}
	if err := insertTab(ctx, tx, tab, seq); err != nil {
		return Tab{}, err
	}
	if err := tx.Commit(); err != nil {
		return Tab{}, fmt.Errorf("failed to commit tab: %w", err)
	}
	return tab, nil
}

// RenameTab changes a tab's title.
func (db *DB) RenameTab(ctx context.Context, id, title string) (Tab, error) {
	tab := Tab{ID: id, Title: strings.TrimSpace(title)}
	result, err := db.conn.ExecContext(ctx, `UPDATE tabs SET title = ? WHERE id = ?`, tab.Title, id)
	if err != nil {
		return Tab{}, fmt.Errorf("failed to rename tab: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Tab{}, fmt.Errorf("failed to rename tab: %w", err)
	}
	if n == 0 {
		return Tab{}, fmt.Errorf("tab %s: %w", id, ErrNotFound)
	}
	return tab, nil
}

// DeleteTab removes a tab. The last remaining tab cannot be removed.
func (db *DB) DeleteTab(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists, total int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE id = ?), COUNT(*) FROM tabs`, id,
	).Scan(&exists, &total)
	if err != nil {
		return fmt.Errorf("failed to count tabs: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("tab %s: %w", id, ErrNotFound)
	}
	if total == 1 {
		return ErrLastTab
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tab: %w", err)
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTabs(ctx context.Context, q queryer) ([]Tab, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, title FROM tabs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	defer rows.Close()

	tabs := []Tab{}
	for rows.Next() {
		var tab Tab
		if err := rows.Scan(&tab.ID, &tab.Title); err != nil {
			return nil, fmt.Errorf("failed to scan tab row: %w", err)
		}
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tab rows: %w", err)
	}
	return tabs, nil
}

func insertTab(ctx context.Context, tx *sql.Tx, tab Tab, seq int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tabs (id, title, seq, created_at) VALUES (?, ?, ?, ?)`,
		tab.ID, tab.Title, seq, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tab: %w", err)
	}
	return nil
}
