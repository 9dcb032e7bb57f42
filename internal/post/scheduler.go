package post

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

// Config holds the hot-reloadable dispatch settings.
type Config struct {
	// Workers bounds concurrent dispatches within one cycle.
	Workers int
	// PublishTimeout bounds a single adapter call. 0 means no extra timeout.
	PublishTimeout time.Duration
	// Location is the reference timezone for engagement prediction.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Option func(*Scheduler)

func WithClock(c Clock) Option        { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(s *Scheduler) { s.bus = b } }
func WithMetrics(m Metrics) Option    { return func(s *Scheduler) { s.metrics = m } }
func WithConfig(cfg Config) Option    { return func(s *Scheduler) { s.cfg = cfg.withDefaults() } }

// WithIDGenerator makes the scheduler assign ids itself instead of the store.
func WithIDGenerator(fn func() string) Option { return func(s *Scheduler) { s.newID = fn } }

// Scheduler is the post lifecycle core. All methods are safe for concurrent
// use; RunDueCycle calls are serialized.
type Scheduler struct {
	store    Store
	accounts AccountDirectory
	adapters Adapters

	clock   Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics Metrics
	newID   func() string

	cfgMu sync.RWMutex
	cfg   Config

	cycleMu sync.Mutex
}

func NewScheduler(store Store, accounts AccountDirectory, adapters Adapters, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		accounts: accounts,
		adapters: adapters,
		clock:    SystemClock{},
		bus:      eventbus.Nop{},
		metrics:  nopMetrics{},
		cfg:      Config{}.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps dispatch settings; the next cycle picks them up.
func (s *Scheduler) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ScheduleNewPost validates d, fills defaults, and persists the post.
// It never calls a platform.
func (s *Scheduler) ScheduleNewPost(ctx context.Context, d Draft) (*Post, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}

	status := d.Status
	if status == "" {
		status = StatusScheduled
	}
	score := 0.0
	if d.PredictedEngagement != nil {
		score = *d.PredictedEngagement
	} else {
		score = PredictEngagement(d.Content, len(d.MediaURLs), d.ScheduledAt, s.config().Location)
	}

	now := s.clock.Now()
	p := &Post{
		Content:             d.Content,
		MediaURLs:           append([]string{}, d.MediaURLs...),
		ScheduledAt:         d.ScheduledAt,
		Status:              status,
		PredictedEngagement: score,
		AccountID:           strings.TrimSpace(d.AccountID),
		OwnerID:             strings.TrimSpace(d.OwnerID),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if s.newID != nil {
		p.ID = s.newID()
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, storeErr("save", err)
	}

	s.log.Info("post scheduled",
		logx.String("post_id", p.ID),
		logx.String("account_id", p.AccountID),
		logx.Time("scheduled_at", p.ScheduledAt),
		logx.Float64("predicted_engagement", p.PredictedEngagement),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.PostScheduled, Time: now, Data: p.Clone()})
	return p, nil
}

func validateDraft(d Draft) error {
	if strings.TrimSpace(d.Content) == "" {
		return invalid("content", "must not be empty")
	}
	if d.ScheduledAt.IsZero() {
		return invalid("scheduled_at", "is required")
	}
	if strings.TrimSpace(d.AccountID) == "" {
		return invalid("account_id", "is required")
	}
	if d.Status != "" && !d.Status.Dispatchable() {
		return invalid("status", fmt.Sprintf("%q is not a valid initial status", d.Status))
	}
	if d.PredictedEngagement != nil {
		if v := *d.PredictedEngagement; math.IsNaN(v) || v < 0 || v > 100 {
			return invalid("predicted_engagement", "must be within [0,100]")
		}
	}
	for i, m := range d.MediaURLs {
		if strings.TrimSpace(m) == "" {
			return invalid(fmt.Sprintf("media_urls[%d]", i), "must not be empty")
		}
	}
	return nil
}

// RunDueCycle dispatches every post that is due at the clock's current time.
//
// Each due post is attempted once. Per-post failures are recorded on the post
// and never abort the cycle; a StoreError does, and is returned.
func (s *Scheduler) RunDueCycle(ctx context.Context) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cfg := s.config()
	started := time.Now()
	now := s.clock.Now()
	rep := CycleReport{Now: now}
	var published, failed, conflicts, deferred atomic.Int64

	finish := func(err error) (CycleReport, error) {
		rep.Published = int(published.Load())
		rep.Failed = int(failed.Load())
		rep.Conflicts = int(conflicts.Load())
		rep.Deferred = int(deferred.Load())
		rep.Duration = time.Since(started)
		s.metrics.ObserveCycle(rep, err)
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: rep})
		if err != nil {
			s.log.Error("due cycle aborted", logx.Err(err), logx.Int("due", rep.Due), logx.Int("published", rep.Published), logx.Int("failed", rep.Failed))
		} else if rep.Due > 0 {
			s.log.Info("due cycle finished", logx.Int("due", rep.Due), logx.Int("published", rep.Published), logx.Int("failed", rep.Failed), logx.Int("conflicts", rep.Conflicts))
		}
		return rep, err
	}

	due, err := s.store.FindDue(ctx, DispatchableStatuses, now)
	if err != nil {
		return finish(storeErr("find due", err))
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return finish(nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, p := range due {
		if gctx.Err() != nil {
			deferred.Add(int64(len(due) - i))
			break
		}
		g.Go(func() error {
			res, err := s.dispatch(gctx, cfg, p)
			switch res {
			case outcomePublished:
				published.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeConflict:
				conflicts.Add(1)
			case outcomeDeferred:
				deferred.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return finish(err)
	}
	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	return finish(nil)
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePublished
	outcomeFailed
	outcomeConflict
	outcomeDeferred
)

// dispatch publishes one post and records the result. Only store failures
// are returned as errors.
func (s *Scheduler) dispatch(ctx context.Context, cfg Config, p *Post) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeDeferred, nil
	}
	log := s.log.With(logx.String("post_id", p.ID), logx.String("account_id", p.AccountID))

	acct, err := s.accounts.GetAccount(ctx, p.AccountID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.recordFailure(ctx, log, p, fmt.Sprintf("account %s not found", p.AccountID))
	case err != nil && ctx.Err() != nil:
		return outcomeDeferred, nil
	case err != nil:
		return outcomeNone, storeErr("get account", err)
	}

	name := platform.Normalize(acct.Platform)
	log = log.With(logx.String("platform", name))
	adapter, ok := s.adapters.Lookup(name)
	if !ok {
		return s.recordFailure(ctx, log, p, (&UnsupportedPlatformError{Platform: acct.Platform}).Error())
	}

	// Once issued, a publish outlives the cycle and its answer is always
	// recorded; only PublishTimeout bounds it.
	pubCtx := context.WithoutCancel(ctx)
	if cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(pubCtx, cfg.PublishTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := adapter.Publish(pubCtx, acct.PlatformRef(), p.Content, append([]string(nil), p.MediaURLs...))
	took := time.Since(started)

	if err != nil {
		s.metrics.ObservePublish(name, "failed", took)
		perr := &AdapterPublishError{Platform: name, Err: err}
		log.Debug("adapter publish failed", logx.Err(perr))
		return s.recordFailure(ctx, log, p, err.Error())
	}
	if strings.TrimSpace(res.ID) == "" {
		s.metrics.ObservePublish(name, "failed", took)
		return s.recordFailure(ctx, log, p, fmt.Sprintf("%s returned an empty post id", name))
	}
	s.metrics.ObservePublish(name, "published", took)

	at := s.clock.Now()
	upd := StatusUpdate{
		Status:          StatusPublished,
		PublishedAt:     at,
		PlatformPostID:  res.ID,
		PlatformPostURL: res.URL,
		At:              at,
	}
	return s.commit(ctx, log, p, upd, outcomePublished)
}

func (s *Scheduler) recordFailure(ctx context.Context, log logx.Logger, p *Post, reason string) (outcome, error) {
	if reason == "" {
		reason = "unknown publish error"
	}
	upd := StatusUpdate{Status: StatusFailed, FailureReason: reason, At: s.clock.Now()}
	return s.commit(ctx, log, p, upd, outcomeFailed)
}

// commit writes the terminal status. The write is detached from cycle
// cancellation: once an adapter answered, its outcome is recorded.
func (s *Scheduler) commit(ctx context.Context, log logx.Logger, p *Post, upd StatusUpdate, want outcome) (outcome, error) {
	err := s.store.UpdateStatus(context.WithoutCancel(ctx), p.ID, upd)
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		log.Warn("post changed during dispatch; outcome dropped", logx.String("status", string(upd.Status)), logx.Err(err))
		return outcomeConflict, nil
	case err != nil:
		return outcomeNone, storeErr("update status", err)
	}

	res := p.Clone()
	upd.Apply(res)
	if want == outcomePublished {
		log.Info("post published", logx.String("platform_post_id", upd.PlatformPostID))
		s.bus.Publish(eventbus.Event{Type: eventbus.PostPublished, Time: upd.At, Data: res})
	} else {
		log.Warn("post failed", logx.String("reason", upd.FailureReason))
		s.bus.Publish(eventbus.Event{Type: eventbus.PostFailed, Time: upd.At, Data: res})
	}
	return want, nil
}
