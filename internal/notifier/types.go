package notifier

import (
	"time"

	kit "ec2toggle/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// ChatID, when set, receives every owner notification instead of the owner.
	ChatID int64
}

type Notification struct {
	Priority int // 0 low .. 10 high
	Target   kit.ChatTarget
	Text     string
	Options  *kit.SendOptions
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
	Err    string
}
