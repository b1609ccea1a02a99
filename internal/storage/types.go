package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ec2toggle/internal/recurrence"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrClosed   = errors.New("storage closed")
)

// Record is the persisted schedule shape.
type Record = recurrence.Record

// Config configures storage.
//
// Driver values:
//   - "memory": nothing survives a restart
//   - "file":   journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the persistence contract used by the recurrence engine.
//
// SetNextFire and Remove report whether a row was actually affected so the
// engine can tell a concurrent deletion apart from a failure.
type Store interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	FindByID(ctx context.Context, id int64) (Record, error)
	AllActive(ctx context.Context) ([]Record, error)
	AllActiveForOwner(ctx context.Context, ownerID int64) ([]Record, error)
	SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error)
	Remove(ctx context.Context, id, ownerID int64) (bool, error)
	RemoveAllForOwner(ctx context.Context, ownerID int64) (int, error)
	Close() error
}

// row is the column-level encoding shared by the SQL and file drivers.
type row struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	TargetID  string    `json:"target_id"`
	Action    string    `json:"action"`
	Weekdays  string    `json:"weekday_set"`
	TimeOfDay string    `json:"time_of_day"`
	NextFire  time.Time `json:"next_fire_instant"`
	CreatedAt time.Time `json:"created_at"`
}

func toRow(r Record) row {
	return row{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		TargetID:  r.TargetID,
		Action:    string(r.Action),
		Weekdays:  r.Weekdays.String(),
		TimeOfDay: r.TimeOfDay.String(),
		NextFire:  r.NextFire.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (w row) record() (Record, error) {
	days, err := recurrence.ParseWeekdaySet(w.Weekdays)
	if err != nil {
		return Record{}, fmt.Errorf("schedule %d: weekday_set: %w", w.ID, err)
	}
	at, err := recurrence.ParseTimeOfDay(w.TimeOfDay)
	if err != nil {
		return Record{}, fmt.Errorf("schedule %d: time_of_day: %w", w.ID, err)
	}
	action, err := recurrence.ParseAction(w.Action)
	if err != nil {
		return Record{}, fmt.Errorf("schedule %d: action: %w", w.ID, err)
	}
	return Record{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		TargetID:  w.TargetID,
		Action:    action,
		Weekdays:  days,
		TimeOfDay: at,
		NextFire:  w.NextFire.UTC(),
		CreatedAt: w.CreatedAt.UTC(),
	}, nil
}
