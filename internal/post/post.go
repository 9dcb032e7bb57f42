// Package post owns the scheduled-post lifecycle: validation and creation,
// engagement prediction, due-post detection, dispatch through platform
// adapters, and terminal outcome recording.
package post

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// DispatchableStatuses are the entry states a due cycle picks up.
var DispatchableStatuses = []Status{StatusPending, StatusScheduled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusPublished, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusPublished || s == StatusFailed }

func (s Status) Dispatchable() bool { return slices.Contains(DispatchableStatuses, s) }

// Post is a scheduled social post.
//
// Zero time values mean "unset". A published post has PublishedAt and
// PlatformPostID set and no FailureReason; a failed post has FailureReason
// set and no PublishedAt.
type Post struct {
	ID                  string    `json:"id"`
	Content             string    `json:"content"`
	MediaURLs           []string  `json:"media_urls"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	PublishedAt         time.Time `json:"published_at,omitzero"`
	Status              Status    `json:"status"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	PlatformPostID      string    `json:"platform_post_id,omitempty"`
	PlatformPostURL     string    `json:"platform_post_url,omitempty"`
	PredictedEngagement float64   `json:"predicted_engagement"`
	AccountID           string    `json:"account_id"`
	OwnerID             string    `json:"owner_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Due reports whether the post is eligible for dispatch at now.
func (p *Post) Due(now time.Time) bool {
	return p.Status.Dispatchable() && !p.ScheduledAt.After(now)
}

func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	cp := *p
	cp.MediaURLs = slices.Clone(p.MediaURLs)
	return &cp
}

// Draft is the caller input for a new post. Nil PredictedEngagement
// asks the scheduler to compute it; empty Status means scheduled.
type Draft struct {
	Content             string
	MediaURLs           []string
	ScheduledAt         time.Time
	AccountID           string
	OwnerID             string
	Status              Status
	PredictedEngagement *float64
}

// DraftPatch changes a not-yet-dispatched post. Nil fields are left alone.
type DraftPatch struct {
	Content     *string
	MediaURLs   *[]string
	ScheduledAt *time.Time
	AccountID   *string
}

// StatusUpdate is an atomic status transition. It applies only while the
// stored status is one of From (pending|scheduled when empty); otherwise the
// store returns ErrConflict. Result fields are written as given, so empty
// values clear them.
type StatusUpdate struct {
	From            []Status
	Status          Status
	ScheduledAt     time.Time // replaces the schedule when non-zero
	PublishedAt     time.Time
	PlatformPostID  string
	PlatformPostURL string
	FailureReason   string
	At              time.Time
}

// Allowed reports whether the transition may apply to a post in status cur.
func (u StatusUpdate) Allowed(cur Status) bool {
	if len(u.From) == 0 {
		return cur.Dispatchable()
	}
	return slices.Contains(u.From, cur)
}

// Apply writes the update onto p. Callers check Allowed first.
func (u StatusUpdate) Apply(p *Post) {
	p.Status = u.Status
	if !u.ScheduledAt.IsZero() {
		p.ScheduledAt = u.ScheduledAt
	}
	p.PublishedAt = u.PublishedAt
	p.PlatformPostID = u.PlatformPostID
	p.PlatformPostURL = u.PlatformPostURL
	p.FailureReason = u.FailureReason
	p.UpdatedAt = u.At
}

// Filter selects posts for List. Empty fields match everything.
type Filter struct {
	Status    Status
	OwnerID   string
	AccountID string
	Limit     int
}

func (f Filter) Match(p *Post) bool {
	return (f.Status == "" || p.Status == f.Status) &&
		(f.OwnerID == "" || p.OwnerID == f.OwnerID) &&
		(f.AccountID == "" || p.AccountID == f.AccountID)
}

// Account is a connected social account. Tokens are opaque.
type Account struct {
	ID             string    `json:"id"`
	Platform       string    `json:"platform"`
	ExternalID     string    `json:"external_id,omitempty"`
	Username       string    `json:"username,omitempty"`
	OwnerID        string    `json:"owner_id,omitempty"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PlatformRef is what an adapter receives as the account reference:
// the platform-side id when known, else the local id.
func (a *Account) PlatformRef() string {
	if a.ExternalID != "" {
		return a.ExternalID
	}
	return a.ID
}

// CycleReport summarizes one due cycle.
type CycleReport struct {
	Now       time.Time     `json:"now"`
	Due       int           `json:"due"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Deferred  int           `json:"deferred"`
	Duration  time.Duration `json:"duration"`
}
