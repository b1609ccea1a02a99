package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps rows in a map. It is the "memory" driver and the in-RAM
// index behind the "file" driver.
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]row
	nextID int64
	closed bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{rows: map[int64]row{}}
}

func (s *memStore) Insert(ctx context.Context, rec Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *memStore) insertLocked(rec Record) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.rows[rec.ID] = toRow(rec)
	return rec.ID, nil
}

func (s *memStore) FindByID(ctx context.Context, id int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	w, ok := s.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return w.record()
}

func (s *memStore) AllActive(ctx context.Context) ([]Record, error) {
	return s.list(func(row) bool { return true })
}

func (s *memStore) AllActiveForOwner(ctx context.Context, ownerID int64) ([]Record, error) {
	return s.list(func(w row) bool { return w.OwnerID == ownerID })
}

func (s *memStore) list(keep func(row) bool) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.rows))
	for _, w := range s.rows {
		if !keep(w) {
			continue
		}
		rec, err := w.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByNextFire(out)
	return out, nil
}

func (s *memStore) SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setNextFireLocked(id, at)
}

func (s *memStore) setNextFireLocked(id int64, at time.Time) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	w, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	w.NextFire = at.UTC()
	s.rows[id] = w
	return true, nil
}

func (s *memStore) Remove(ctx context.Context, id, ownerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id, ownerID)
}

func (s *memStore) removeLocked(id, ownerID int64) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	w, ok := s.rows[id]
	if !ok || w.OwnerID != ownerID {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *memStore) RemoveAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeAllLocked(ownerID)
}

func (s *memStore) removeAllLocked(ownerID int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, w := range s.rows {
		if w.OwnerID == ownerID {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortByNextFire(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].NextFire.Equal(recs[j].NextFire) {
			return recs[i].NextFire.Before(recs[j].NextFire)
		}
		return recs[i].ID < recs[j].ID
	})
}
