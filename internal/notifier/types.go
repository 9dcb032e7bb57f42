package notifier

import (
	"context"
	"time"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// NotifyPublished also reports successful publishes.
	NotifyPublished bool
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}
