package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "ec2toggle/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres storage opened", logx.String("host", poolCfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	w := toRow(rec)
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO schedules(owner_id, target_id, action, weekday_set, time_of_day, next_fire_instant, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		w.OwnerID, w.TargetID, w.Action, w.Weekdays, w.TimeOfDay, w.NextFire, w.CreatedAt,
	).Scan(&id)
	return id, err
}

func (s *postgresStore) FindByID(ctx context.Context, id int64) (Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	if err != nil {
		return Record{}, err
	}
	recs, err := scanPostgres(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *postgresStore) AllActive(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_fire_instant, id`)
	if err != nil {
		return nil, err
	}
	return scanPostgres(rows)
}

func (s *postgresStore) AllActiveForOwner(ctx context.Context, ownerID int64) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = $1 ORDER BY next_fire_instant, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return scanPostgres(rows)
}

func (s *postgresStore) SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET next_fire_instant = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) Remove(ctx context.Context, id, ownerID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) RemoveAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgres(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var w row
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.TargetID, &w.Action, &w.Weekdays, &w.TimeOfDay, &w.NextFire, &w.CreatedAt); err != nil {
			return nil, err
		}
		rec, err := w.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
