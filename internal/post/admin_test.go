package post_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/platform"
	"postpilot/internal/post"
)

func TestRescheduleFailedPost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "li", "linkedin")
	f.reg.Register("linkedin", platform.AdapterFunc(func(context.Context, string, string, []string) (platform.Result, error) {
		return platform.Result{}, errors.New("rate limited")
	}))
	p := f.schedule(t, "li", now)
	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// Not retried automatically.
	f.clock.Advance(time.Hour)
	rep, _ := f.sched.RunDueCycle(context.Background())
	if rep.Due != 0 {
		t.Fatalf("failed post picked up again: %+v", rep)
	}

	next := now.Add(2 * time.Hour)
	got, err := f.sched.Reschedule(context.Background(), p.ID, next)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got.Status != post.StatusScheduled || got.FailureReason != "" || !got.ScheduledAt.Equal(next) {
		t.Fatalf("rescheduled post: %+v", got)
	}

	if _, err := f.sched.Reschedule(context.Background(), p.ID, next); !errors.Is(err, post.ErrConflict) {
		t.Fatalf("rescheduling a scheduled post: expected ErrConflict, got %v", err)
	}
	if _, err := f.sched.Reschedule(context.Background(), "nope", next); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDraft(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "fb", "facebook")
	p := f.schedule(t, "fb", now.Add(time.Hour))

	content := "  "
	if _, err := f.sched.UpdateDraft(context.Background(), p.ID, post.DraftPatch{Content: &content}); err == nil {
		t.Fatalf("expected validation error for blank content")
	}

	content = "edited"
	later := now.Add(3 * time.Hour)
	got, err := f.sched.UpdateDraft(context.Background(), p.ID, post.DraftPatch{Content: &content, ScheduledAt: &later})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != "edited" || !got.ScheduledAt.Equal(later) || got.PredictedEngagement != p.PredictedEngagement {
		t.Fatalf("updated post: %+v", got)
	}

	f.clock.Set(later)
	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	var ve *post.ValidationError
	if _, err := f.sched.UpdateDraft(context.Background(), p.ID, post.DraftPatch{Content: &content}); !errors.As(err, &ve) {
		t.Fatalf("editing a published post: expected ValidationError, got %v", err)
	}
}

func TestRecomputePrediction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	score := 1.0
	p, err := f.sched.ScheduleNewPost(context.Background(), post.Draft{
		Content: "Check out our launch!", ScheduledAt: now, AccountID: "a", PredictedEngagement: &score,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.sched.RecomputePrediction(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got.PredictedEngagement != 55 {
		t.Fatalf("predicted=%v want 55", got.PredictedEngagement)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, d := range []post.Draft{
		{Content: "a", ScheduledAt: now, AccountID: "acct-1", OwnerID: "u1"},
		{Content: "b", ScheduledAt: now.Add(time.Minute), AccountID: "acct-2", OwnerID: "u1"},
		{Content: "c", ScheduledAt: now, AccountID: "acct-2", OwnerID: "u2"},
	} {
		if _, err := f.sched.ScheduleNewPost(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	if ps, _ := f.sched.ListByUser(context.Background(), "u1"); len(ps) != 2 {
		t.Fatalf("by user: %d", len(ps))
	}
	if ps, _ := f.sched.ListByAccount(context.Background(), "acct-2"); len(ps) != 2 {
		t.Fatalf("by account: %d", len(ps))
	}
	var ve *post.ValidationError
	if _, err := f.sched.List(context.Background(), post.Filter{Status: "archived"}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for unknown status, got %v", err)
	}
}

func TestAddAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var ve *post.ValidationError
	if err := f.sched.AddAccount(context.Background(), &post.Account{Username: "x"}); !errors.As(err, &ve) || ve.Field != "platform" {
		t.Fatalf("expected platform ValidationError, got %v", err)
	}
	if err := f.sched.AddAccount(context.Background(), &post.Account{Platform: "tiktok"}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	a := &post.Account{Platform: " TikTok ", Username: "creator", OwnerID: "u1"}
	if err := f.sched.AddAccount(context.Background(), a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.ID == "" || a.Platform != "tiktok" || !a.CreatedAt.Equal(now) {
		t.Fatalf("account: %+v", a)
	}
	as, err := f.sched.Accounts(context.Background(), "u1")
	if err != nil || len(as) != 1 {
		t.Fatalf("accounts: %v %v", as, err)
	}
	if err := f.sched.RemoveAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.sched.Account(context.Background(), a.ID); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
