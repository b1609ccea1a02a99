package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	rtsup "ec2toggle/internal/runtime/supervisor"
	kit "ec2toggle/internal/transport"
	logx "ec2toggle/pkg/logx"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender is the part of the chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service implements queue + worker pool + rate limit + retry + dedup.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Notification
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled notifier never starts workers.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// notifier failures must not take down the app
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if s.stopping() || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues n. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window := s.queue, s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(dedupKey(n), window) {
		s.log.Debug("notification suppressed (duplicate)", logx.Int64("chat_id", n.Target.ChatID))
		return nil
	}

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification dropped", logx.Int64("chat_id", n.Target.ChatID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// NotifyOwner reports to the configured notification chat, or to the owner's
// private chat when none is set. Errors are logged, never returned.
func (s *Service) NotifyOwner(ownerID int64, text string) {
	s.mu.Lock()
	chatID := s.cfg.ChatID
	s.mu.Unlock()
	if chatID == 0 {
		chatID = ownerID
	}
	err := s.Notify(context.Background(), Notification{
		Priority: 5,
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
	})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("owner notification not queued", logx.Int64("owner_id", ownerID), logx.Err(err))
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// QueueLen is the number of queued, not yet sent notifications.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, n)
		}
	}
}

func (s *Service) send(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil || n.Text == "" {
		return
	}
	text := prefixForPriority(n.Priority) + n.Text

	err := retry.Do(
		func() error {
			if err := lim.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_, err := sender.SendText(callCtx, n.Target, text, n.Options)
			return err
		},
		retry.Attempts(uint(cfg.RetryMax+1)),
		retry.Delay(cfg.RetryBase),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.MaxJitter(cfg.RetryBase/2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", int(attempt)+1), logx.Int("max", cfg.RetryMax+1))
		}),
	)

	it := HistoryItem{At: time.Now(), ChatID: n.Target.ChatID, Text: text}
	if err != nil {
		it.Err = err.Error()
		s.log.Warn("notification failed", logx.Int64("chat_id", n.Target.ChatID), logx.Err(err))
	}
	s.appendHistory(it)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n Notification) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d:%d|%s", n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return h.Sum64()
}

func (s *Service) dedupAllow(key uint64, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}
