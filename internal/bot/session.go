package bot

import (
	"sync"
	"time"

	"ec2toggle/internal/recurrence"
)

type wizardStep int

const (
	stepTarget wizardStep = iota
	stepAction
	stepDays
	stepTime
	stepConfirm
)

// wizard is the state of one interactive /schedule conversation.
type wizard struct {
	Step      wizardStep
	Target    string
	Action    recurrence.Action
	Weekdays  recurrence.WeekdaySet
	TimeOfDay recurrence.TimeOfDay
	MessageID int // the message whose keyboard is being edited
}

type sessionKey struct {
	chatID int64
	userID int64
}

type sessionEntry struct {
	w   wizard
	exp time.Time
}

// sessions is an in-memory TTL store of wizards, one per user per chat.
//
// Expired entries are dropped lazily; a full O(n) sweep runs at most once per
// cleanupInterval.
type sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	max int
	now func() time.Time

	cleanupInterval time.Duration
	nextCleanup     time.Time

	m map[sessionKey]sessionEntry
}

func newSessions(ttl time.Duration) *sessions {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &sessions{
		ttl:             ttl,
		max:             1000,
		now:             time.Now,
		cleanupInterval: time.Minute,
		m:               map[sessionKey]sessionEntry{},
	}
}

func (s *sessions) get(k sessionKey) (wizard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok {
		return wizard{}, false
	}
	if s.now().After(e.exp) {
		delete(s.m, k)
		return wizard{}, false
	}
	return e.w, true
}

// put stores w and refreshes its expiry.
func (s *sessions) put(k sessionKey, w wizard) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeCleanupLocked(now)
	if _, exists := s.m[k]; !exists && len(s.m) >= s.max {
		s.evictOldestLocked()
	}
	s.m[k] = sessionEntry{w: w, exp: now.Add(s.ttl)}
}

func (s *sessions) drop(k sessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[k]
	delete(s.m, k)
	return ok
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *sessions) maybeCleanupLocked(now time.Time) {
	if now.Before(s.nextCleanup) {
		return
	}
	s.nextCleanup = now.Add(s.cleanupInterval)
	for k, e := range s.m {
		if now.After(e.exp) {
			delete(s.m, k)
		}
	}
}

func (s *sessions) evictOldestLocked() {
	var (
		oldest sessionKey
		exp    time.Time
		found  bool
	)
	for k, e := range s.m {
		if !found || e.exp.Before(exp) {
			oldest, exp, found = k, e.exp, true
		}
	}
	if found {
		delete(s.m, oldest)
	}
}
