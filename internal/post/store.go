package post

import (
	"context"
	"time"

	"postpilot/internal/platform"
)

// Store persists posts. Implementations live in internal/storage.
//
// Save inserts when p.ID is empty (assigning a new id) and otherwise replaces
// the stored post, returning ErrConflict if the stored copy is terminal.
// UpdateStatus is a compare-and-set on status, see StatusUpdate.
// FindDue returns posts whose status is in statuses and whose scheduled time
// is at or before before, oldest schedule first.
type Store interface {
	Save(ctx context.Context, p *Post) error
	Get(ctx context.Context, id string) (*Post, error)
	FindDue(ctx context.Context, statuses []Status, before time.Time) ([]*Post, error)
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error
	List(ctx context.Context, f Filter) ([]*Post, error)
	Delete(ctx context.Context, id string) error
}

// AccountDirectory resolves and manages social accounts.
type AccountDirectory interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	ListAccounts(ctx context.Context, ownerID string) ([]*Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// Adapters looks up the publisher for a platform. *platform.Registry implements it.
type Adapters interface {
	Lookup(name string) (platform.Adapter, bool)
}

// Metrics receives dispatch observations. Outcome is "published" or "failed".
type Metrics interface {
	ObservePublish(platform, outcome string, took time.Duration)
	ObserveCycle(r CycleReport, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObservePublish(string, string, time.Duration) {}
func (nopMetrics) ObserveCycle(CycleReport, error)              {}
