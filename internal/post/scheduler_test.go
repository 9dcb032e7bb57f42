package post_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/storage"
)

// Wednesday 10:00 UTC.
var now = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *storage.Memory
	reg   *platform.Registry
	clock *post.FixedClock
	sched *post.Scheduler
	calls atomic.Int64
}

func newFixture(t *testing.T, opts ...post.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		reg:   platform.NewRegistry(),
		clock: post.NewFixedClock(now),
	}
	f.reg.Register("facebook", platform.AdapterFunc(func(ctx context.Context, ref, content string, media []string) (platform.Result, error) {
		f.calls.Add(1)
		return platform.Result{ID: "fb_" + ref, URL: "https://facebook.com/" + ref}, nil
	}))
	base := []post.Option{post.WithClock(f.clock), post.WithConfig(post.Config{Location: time.UTC})}
	f.sched = post.NewScheduler(f.store, f.store, f.reg, append(base, opts...)...)
	return f
}

func (f *fixture) account(t *testing.T, id, platformName string) {
	t.Helper()
	if err := f.store.SaveAccount(context.Background(), &post.Account{ID: id, Platform: platformName, Username: id}); err != nil {
		t.Fatalf("save account: %v", err)
	}
}

func (f *fixture) schedule(t *testing.T, accountID string, at time.Time) *post.Post {
	t.Helper()
	p, err := f.sched.ScheduleNewPost(context.Background(), post.Draft{Content: "hello world", ScheduledAt: at, AccountID: accountID})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return p
}

func (f *fixture) get(t *testing.T, id string) *post.Post {
	t.Helper()
	p, err := f.sched.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p
}

func TestScheduleNewPost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p, err := f.sched.ScheduleNewPost(context.Background(), post.Draft{
		Content:     "Check out our launch!",
		ScheduledAt: now,
		AccountID:   " acct-1 ",
		OwnerID:     "user-1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if p.ID == "" || p.Status != post.StatusScheduled || p.AccountID != "acct-1" {
		t.Fatalf("unexpected post: %+v", p)
	}
	if p.PredictedEngagement != 55 {
		t.Fatalf("predicted=%v want 55", p.PredictedEngagement)
	}
	if !p.CreatedAt.Equal(now) || !p.PublishedAt.IsZero() {
		t.Fatalf("unexpected timestamps: %+v", p)
	}

	score := 12.5
	p2, err := f.sched.ScheduleNewPost(context.Background(), post.Draft{
		Content: "x", ScheduledAt: now, AccountID: "a", Status: post.StatusPending, PredictedEngagement: &score,
	})
	if err != nil {
		t.Fatalf("schedule with score: %v", err)
	}
	if p2.PredictedEngagement != 12.5 || p2.Status != post.StatusPending {
		t.Fatalf("caller values not kept: %+v", p2)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("scheduling must not call adapters")
	}
}

func TestScheduleNewPostValidation(t *testing.T) {
	t.Parallel()

	bad := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		draft post.Draft
		field string
	}{
		{"empty content", post.Draft{Content: "  ", ScheduledAt: now, AccountID: "a"}, "content"},
		{"no schedule", post.Draft{Content: "x", AccountID: "a"}, "scheduled_at"},
		{"no account", post.Draft{Content: "x", ScheduledAt: now}, "account_id"},
		{"terminal status", post.Draft{Content: "x", ScheduledAt: now, AccountID: "a", Status: post.StatusPublished}, "status"},
		{"score too high", post.Draft{Content: "x", ScheduledAt: now, AccountID: "a", PredictedEngagement: bad(101)}, "predicted_engagement"},
		{"score NaN", post.Draft{Content: "x", ScheduledAt: now, AccountID: "a", PredictedEngagement: bad(math.NaN())}, "predicted_engagement"},
		{"blank media", post.Draft{Content: "x", ScheduledAt: now, AccountID: "a", MediaURLs: []string{""}}, "media_urls[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.sched.ScheduleNewPost(context.Background(), tt.draft)
			var ve *post.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
			ps, _ := f.store.List(context.Background(), post.Filter{})
			if len(ps) != 0 {
				t.Fatalf("rejected draft was persisted")
			}
		})
	}
}

func TestRunDueCyclePublishesAndFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "fb", "Facebook")
	f.account(t, "mastodon", "mastodon")

	ok := f.schedule(t, "fb", now.Add(-time.Minute))
	unsupported := f.schedule(t, "mastodon", now.Add(-time.Minute))
	orphan := f.schedule(t, "missing", now)

	rep, err := f.sched.RunDueCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Due != 3 || rep.Published != 1 || rep.Failed != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	got := f.get(t, ok.ID)
	if got.Status != post.StatusPublished || got.PlatformPostID == "" || got.PublishedAt.IsZero() || got.FailureReason != "" {
		t.Fatalf("published post: %+v", got)
	}
	got = f.get(t, unsupported.ID)
	if got.Status != post.StatusFailed || !strings.Contains(got.FailureReason, "unsupported platform: mastodon") {
		t.Fatalf("unsupported post: %+v", got)
	}
	if !got.PublishedAt.IsZero() || got.PlatformPostID != "" {
		t.Fatalf("failed post carries publish fields: %+v", got)
	}
	got = f.get(t, orphan.ID)
	if got.Status != post.StatusFailed || !strings.Contains(got.FailureReason, "account missing not found") {
		t.Fatalf("orphan post: %+v", got)
	}
}

func TestRunDueCycleSkipsFutureAndTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "fb", "facebook")

	future := f.schedule(t, "fb", now.Add(time.Second))
	due := f.schedule(t, "fb", now)

	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", f.calls.Load())
	}
	if f.get(t, future.ID).Status != post.StatusScheduled {
		t.Fatalf("future post dispatched")
	}

	// Second cycle must not touch the published post.
	rep, err := f.sched.RunDueCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rep.Due != 0 || f.calls.Load() != 1 {
		t.Fatalf("terminal post re-dispatched: %+v calls=%d", rep, f.calls.Load())
	}
	if f.get(t, due.ID).Status != post.StatusPublished {
		t.Fatalf("due post not published")
	}

	f.clock.Advance(time.Second)
	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if f.get(t, future.ID).Status != post.StatusPublished {
		t.Fatalf("future post not published once due")
	}
}

func TestRunDueCycleAdapterErrorIsVerbatim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "li", "linkedin")
	f.reg.Register("linkedin", platform.AdapterFunc(func(context.Context, string, string, []string) (platform.Result, error) {
		return platform.Result{}, errors.New("token expired")
	}))
	p := f.schedule(t, "li", now)

	rep, err := f.sched.RunDueCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report: %+v", rep)
	}
	got := f.get(t, p.ID)
	if got.Status != post.StatusFailed || got.FailureReason != "token expired" {
		t.Fatalf("failed post: %+v", got)
	}
}

func TestRunDueCycleEmptyIDFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "tt", "tiktok")
	f.reg.Register("tiktok", platform.AdapterFunc(func(context.Context, string, string, []string) (platform.Result, error) {
		return platform.Result{}, nil
	}))
	p := f.schedule(t, "tt", now)

	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := f.get(t, p.ID); got.Status != post.StatusFailed || got.FailureReason == "" {
		t.Fatalf("post: %+v", got)
	}
}

func TestRunDueCyclePassesPublishArguments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.store.SaveAccount(context.Background(), &post.Account{ID: "ig", Platform: "instagram", ExternalID: "17841400000"}); err != nil {
		t.Fatal(err)
	}
	var (
		gotRef, gotContent string
		gotMedia           []string
	)
	f.reg.Register("instagram", platform.AdapterFunc(func(_ context.Context, ref, content string, media []string) (platform.Result, error) {
		gotRef, gotContent, gotMedia = ref, content, media
		return platform.Result{ID: "ig_1"}, nil
	}))
	content := "  Launch day 🚀\nsee link  "
	media := []string{"https://cdn.example.com/b.jpg", "https://cdn.example.com/a.jpg"}
	if _, err := f.sched.ScheduleNewPost(context.Background(), post.Draft{Content: content, MediaURLs: media, ScheduledAt: now, AccountID: "ig"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if gotRef != "17841400000" {
		t.Fatalf("ref=%q", gotRef)
	}
	if gotContent != content {
		t.Fatalf("content=%q", gotContent)
	}
	if !slices.Equal(gotMedia, media) {
		t.Fatalf("media=%v", gotMedia)
	}
}

type failingStore struct {
	*storage.Memory
	findErr    error
	accountErr error
}

func (s *failingStore) FindDue(ctx context.Context, st []post.Status, before time.Time) ([]*post.Post, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Memory.FindDue(ctx, st, before)
}

func (s *failingStore) GetAccount(ctx context.Context, id string) (*post.Account, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	return s.Memory.GetAccount(ctx, id)
}

func TestRunDueCycleStoreErrorAborts(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	for _, tc := range []struct {
		name string
		fs   *failingStore
		op   string
	}{
		{"find due", &failingStore{Memory: storage.NewMemory(), findErr: down}, "find due"},
		{"get account", &failingStore{Memory: storage.NewMemory(), accountErr: down}, "get account"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := platform.NewRegistry()
			s := post.NewScheduler(tc.fs, tc.fs, reg, post.WithClock(post.NewFixedClock(now)))
			p, err := s.ScheduleNewPost(context.Background(), post.Draft{Content: "x", ScheduledAt: now, AccountID: "a"})
			if err != nil {
				t.Fatal(err)
			}
			_, err = s.RunDueCycle(context.Background())
			var se *post.StoreError
			if !errors.As(err, &se) || se.Op != tc.op || !errors.Is(err, down) {
				t.Fatalf("expected StoreError(%s), got %v", tc.op, err)
			}
			got, _ := tc.fs.Get(context.Background(), p.ID)
			if got.Status != post.StatusScheduled {
				t.Fatalf("post changed after store error: %+v", got)
			}
		})
	}
}

func TestRunDueCycleCanceledRecordsIssuedPublish(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "fb", "facebook")
	started := make(chan struct{})
	release := make(chan struct{})
	var adapterCtxErr atomic.Value
	f.reg.Register("facebook", platform.AdapterFunc(func(ctx context.Context, _, _ string, _ []string) (platform.Result, error) {
		close(started)
		<-release
		adapterCtxErr.Store(fmt.Sprint(ctx.Err()))
		return platform.Result{ID: "fb_late"}, nil
	}))
	p := f.schedule(t, "fb", now)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		close(release)
	}()
	rep, err := f.sched.RunDueCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := adapterCtxErr.Load(); got != "<nil>" {
		t.Fatalf("adapter saw cycle cancellation: %v", got)
	}
	if rep.Published != 1 || rep.Deferred != 0 {
		t.Fatalf("report: %+v", rep)
	}
	got := f.get(t, p.ID)
	if got.Status != post.StatusPublished || got.PlatformPostID != "fb_late" {
		t.Fatalf("issued publish was not recorded: %+v", got)
	}
}

func TestRunDueCycleCanceledBeforeDispatchDefers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.account(t, "fb", "facebook")
	p := f.schedule(t, "fb", now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := f.sched.RunDueCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Deferred != 1 || f.calls.Load() != 0 {
		t.Fatalf("report=%+v calls=%d", rep, f.calls.Load())
	}
	if got := f.get(t, p.ID); got.Status != post.StatusScheduled {
		t.Fatalf("undispatched post should stay due: %+v", got)
	}
}

// gatedAccounts fails lookups of one account once another publish is in flight.
type gatedAccounts struct {
	*storage.Memory
	badID    string
	inFlight <-chan struct{}
	err      error
}

func (s *gatedAccounts) GetAccount(ctx context.Context, id string) (*post.Account, error) {
	if id == s.badID {
		<-s.inFlight
		return nil, s.err
	}
	return s.Memory.GetAccount(ctx, id)
}

func TestRunDueCycleStoreErrorKeepsSiblingPublish(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	down := errors.New("connection reset")
	st := &gatedAccounts{Memory: storage.NewMemory(), badID: "broken", inFlight: started, err: down}
	for _, a := range []*post.Account{{ID: "broken", Platform: "facebook"}, {ID: "fb", Platform: "facebook"}} {
		if err := st.SaveAccount(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}

	reg := platform.NewRegistry()
	reg.Register("facebook", platform.AdapterFunc(func(ctx context.Context, ref, _ string, _ []string) (platform.Result, error) {
		close(started)
		select {
		case <-ctx.Done():
			return platform.Result{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return platform.Result{ID: "fb_" + ref}, nil
		}
	}))
	s := post.NewScheduler(st, st, reg,
		post.WithClock(post.NewFixedClock(now)),
		post.WithConfig(post.Config{Workers: 2, Location: time.UTC}))

	bad, err := s.ScheduleNewPost(context.Background(), post.Draft{Content: "a", ScheduledAt: now.Add(-time.Minute), AccountID: "broken"})
	if err != nil {
		t.Fatal(err)
	}
	good, err := s.ScheduleNewPost(context.Background(), post.Draft{Content: "b", ScheduledAt: now, AccountID: "fb"})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := s.RunDueCycle(context.Background())
	if !errors.Is(err, down) {
		t.Fatalf("expected store error, got %v", err)
	}
	if rep.Published != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if got, _ := st.Get(context.Background(), good.ID); got.Status != post.StatusPublished || got.PlatformPostID != "fb_fb" {
		t.Fatalf("in-flight sibling not recorded: %+v", got)
	}
	if got, _ := st.Get(context.Background(), bad.ID); got.Status != post.StatusScheduled {
		t.Fatalf("post with failed lookup changed: %+v", got)
	}
}

func TestRunDueCycleDurationIgnoresInjectedClock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	rep, err := f.sched.RunDueCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Duration < 0 || rep.Duration > time.Minute {
		t.Fatalf("duration=%v", rep.Duration)
	}
}

func TestRunDueCyclePublishTimeoutFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, post.WithConfig(post.Config{PublishTimeout: 20 * time.Millisecond, Location: time.UTC}))
	f.account(t, "fb", "facebook")
	f.reg.Register("facebook", platform.AdapterFunc(func(ctx context.Context, _, _ string, _ []string) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, ctx.Err()
	}))
	p := f.schedule(t, "fb", now)

	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := f.get(t, p.ID)
	if got.Status != post.StatusFailed || !strings.Contains(got.FailureReason, "deadline exceeded") {
		t.Fatalf("post: %+v", got)
	}
}

func TestRunDueCycleBoundedConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, post.WithConfig(post.Config{Workers: 2, Location: time.UTC}))
	f.account(t, "fb", "facebook")

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	f.reg.Register("facebook", platform.AdapterFunc(func(context.Context, string, string, []string) (platform.Result, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return platform.Result{ID: "ok"}, nil
	}))
	for i := 0; i < 8; i++ {
		f.schedule(t, "fb", now)
	}
	rep, err := f.sched.RunDueCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Published != 8 {
		t.Fatalf("report: %+v", rep)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency %d > 2", peak)
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	cycles   int
}

func (m *recordingMetrics) ObservePublish(p, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, p+":"+outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveCycle(post.CycleReport, error) {
	m.mu.Lock()
	m.cycles++
	m.mu.Unlock()
}

func TestRunDueCycleEmitsEventsAndMetrics(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	m := &recordingMetrics{}
	f := newFixture(t, post.WithBus(bus), post.WithMetrics(m))
	f.account(t, "fb", "facebook")
	f.schedule(t, "fb", now)

	if _, err := f.sched.RunDueCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	var types []string
	for len(events) > 0 {
		e := <-events
		types = append(types, e.Type)
	}
	want := []string{eventbus.PostScheduled, eventbus.PostPublished, eventbus.CycleFinished}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want %v", types, want)
	}
	if m.cycles != 1 || len(m.outcomes) != 1 || m.outcomes[0] != "facebook:published" {
		t.Fatalf("metrics: %+v", m)
	}
}
