package post

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

func (s *Scheduler) Get(ctx context.Context, id string) (*Post, error) {
	p, err := s.store.Get(ctx, id)
	return p, storeErr("get", err)
}

func (s *Scheduler) List(ctx context.Context, f Filter) ([]*Post, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	ps, err := s.store.List(ctx, f)
	return ps, storeErr("list", err)
}

func (s *Scheduler) ListByUser(ctx context.Context, ownerID string) ([]*Post, error) {
	return s.List(ctx, Filter{OwnerID: ownerID})
}

func (s *Scheduler) ListByAccount(ctx context.Context, accountID string) ([]*Post, error) {
	return s.List(ctx, Filter{AccountID: accountID})
}

// UpdateDraft edits a post that has not been dispatched yet. Terminal posts
// are rejected with a ValidationError. The predicted score is kept.
func (s *Scheduler) UpdateDraft(ctx context.Context, id string, patch DraftPatch) (*Post, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, invalid("status", fmt.Sprintf("post is %s and can no longer be edited", p.Status))
	}
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.MediaURLs != nil {
		p.MediaURLs = append([]string{}, (*patch.MediaURLs)...)
	}
	if patch.ScheduledAt != nil {
		p.ScheduledAt = *patch.ScheduledAt
	}
	if patch.AccountID != nil {
		p.AccountID = strings.TrimSpace(*patch.AccountID)
	}
	score := p.PredictedEngagement
	if err := validateDraft(Draft{Content: p.Content, MediaURLs: p.MediaURLs, ScheduledAt: p.ScheduledAt, AccountID: p.AccountID, Status: p.Status, PredictedEngagement: &score}); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, p); err != nil {
		return nil, storeErr("save", err)
	}
	s.log.Info("post updated", logx.String("post_id", p.ID))
	return p, nil
}

// Reschedule moves a failed post back to scheduled at the given time and
// clears the failure. It is the only way a failed post is attempted again.
func (s *Scheduler) Reschedule(ctx context.Context, id string, at time.Time) (*Post, error) {
	if at.IsZero() {
		return nil, invalid("scheduled_at", "is required")
	}
	upd := StatusUpdate{
		From:        []Status{StatusFailed},
		Status:      StatusScheduled,
		ScheduledAt: at,
		At:          s.clock.Now(),
	}
	if err := s.store.UpdateStatus(ctx, id, upd); err != nil {
		return nil, storeErr("update status", err)
	}
	s.log.Info("post rescheduled", logx.String("post_id", id), logx.Time("scheduled_at", at))
	return s.Get(ctx, id)
}

// RecomputePrediction recomputes and stores the engagement score of a
// non-terminal post.
func (s *Scheduler) RecomputePrediction(ctx context.Context, id string) (*Post, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, invalid("status", fmt.Sprintf("post is %s", p.Status))
	}
	p.PredictedEngagement = PredictEngagement(p.Content, len(p.MediaURLs), p.ScheduledAt, s.config().Location)
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, p); err != nil {
		return nil, storeErr("save", err)
	}
	return p, nil
}

// Delete removes a post. It is administrative; the scheduler never deletes.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return storeErr("delete", s.store.Delete(ctx, id))
}

// AddAccount validates and stores a social account.
func (s *Scheduler) AddAccount(ctx context.Context, a *Account) error {
	a.Platform = platform.Normalize(a.Platform)
	if a.Platform == "" {
		return invalid("platform", "is required")
	}
	if strings.TrimSpace(a.Username) == "" && strings.TrimSpace(a.ExternalID) == "" {
		return invalid("account", "username or external_id is required")
	}
	now := s.clock.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if _, ok := s.adapters.Lookup(a.Platform); !ok {
		s.log.Warn("account added for platform without adapter", logx.String("platform", a.Platform))
	}
	return storeErr("save account", s.accounts.SaveAccount(ctx, a))
}

func (s *Scheduler) Accounts(ctx context.Context, ownerID string) ([]*Account, error) {
	as, err := s.accounts.ListAccounts(ctx, ownerID)
	return as, storeErr("list accounts", err)
}

func (s *Scheduler) Account(ctx context.Context, id string) (*Account, error) {
	a, err := s.accounts.GetAccount(ctx, id)
	return a, storeErr("get account", err)
}

func (s *Scheduler) RemoveAccount(ctx context.Context, id string) error {
	return storeErr("delete account", s.accounts.DeleteAccount(ctx, id))
}
