package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "ec2toggle/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.snapshot.json (periodic snapshot)
//   - <prefix>.schedules.journal.jsonl (append-only journal)
//
// Every mutation is journaled before it is acknowledged. The journal is
// periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalOp struct {
	Op    string    `json:"op"` // put | next | del | del_owner
	Row   *row      `json:"row,omitempty"`
	ID    int64     `json:"id,omitempty"`
	Owner int64     `json:"owner,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

type snapshot struct {
	NextID int64 `json:"next_id"`
	Rows   []row `json:"rows"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".schedules.snapshot.json"
	journalPath := prefix + ".schedules.journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Info("file storage opened", logx.String("journal", journalPath), logx.Int("schedules", len(mem.rows)))
	return &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
	}, nil
}

func (s *fileStore) Insert(ctx context.Context, rec Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	id, err := s.insertLocked(rec)
	if err != nil {
		return 0, err
	}
	w := s.rows[id]
	if err := s.appendLocked(journalOp{Op: "put", Row: &w}); err != nil {
		delete(s.rows, id)
		s.nextID--
		return 0, err
	}
	return id, nil
}

func (s *fileStore) SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "next", ID: id, At: at.UTC()}); err != nil {
		return false, err
	}
	return s.setNextFireLocked(id, at)
}

func (s *fileStore) Remove(ctx context.Context, id, ownerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	w, ok := s.rows[id]
	if !ok || w.OwnerID != ownerID {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id, Owner: ownerID}); err != nil {
		return false, err
	}
	return s.removeLocked(id, ownerID)
}

func (s *fileStore) RemoveAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "del_owner", Owner: ownerID}); err != nil {
		return 0, err
	}
	return s.removeAllLocked(ownerID)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("schedule journal compact failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{NextID: s.nextID, Rows: make([]row, 0, len(s.rows))}
	for _, w := range s.rows {
		snap.Rows = append(snap.Rows, w)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, w := range snap.Rows {
		mem.rows[w.ID] = w
	}
	mem.nextID = snap.NextID
	return nil
}

func replayJournal(path string, mem *memStore, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected.
			log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		switch op.Op {
		case "put":
			if op.Row == nil {
				continue
			}
			mem.rows[op.Row.ID] = *op.Row
			if op.Row.ID > mem.nextID {
				mem.nextID = op.Row.ID
			}
		case "next":
			_, _ = mem.setNextFireLocked(op.ID, op.At)
		case "del":
			_, _ = mem.removeLocked(op.ID, op.Owner)
		case "del_owner":
			_, _ = mem.removeAllLocked(op.Owner)
		}
	}
	return sc.Err()
}
