package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "ec2toggle/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

const scheduleColumns = `id, owner_id, target_id, action, weekday_set, time_of_day, next_fire_instant, created_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	w := toRow(rec)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(owner_id, target_id, action, weekday_set, time_of_day, next_fire_instant, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		w.OwnerID, w.TargetID, w.Action, w.Weekdays, w.TimeOfDay,
		formatInstant(w.NextFire), formatInstant(w.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FindByID(ctx context.Context, id int64) (Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	recs, err := scanSQLite(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *sqliteStore) AllActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_fire_instant, id`)
	if err != nil {
		return nil, err
	}
	return scanSQLite(rows)
}

func (s *sqliteStore) AllActiveForOwner(ctx context.Context, ownerID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = ? ORDER BY next_fire_instant, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return scanSQLite(rows)
}

func (s *sqliteStore) SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_instant = ? WHERE id = ?`, formatInstant(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Remove(ctx context.Context, id, ownerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RemoveAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSQLite(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			w               row
			next, createdAt string
		)
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.TargetID, &w.Action, &w.Weekdays, &w.TimeOfDay, &next, &createdAt); err != nil {
			return nil, err
		}
		var err error
		if w.NextFire, err = time.Parse(time.RFC3339Nano, next); err != nil {
			return nil, fmt.Errorf("schedule %d: next_fire_instant: %w", w.ID, err)
		}
		if w.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("schedule %d: created_at: %w", w.ID, err)
		}
		rec, err := w.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// formatInstant keeps lexical order equal to chronological order.
func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
