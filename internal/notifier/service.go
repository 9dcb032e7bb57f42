package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	"postpilot/internal/post"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan string
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "notifier")), dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply swaps settings. Queue size and worker count take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the delivery target, e.g. after the bot token changed.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
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
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	burst := max(int(cfg.RatePerSec), 1)
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start is idempotent.
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
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
}

// Stop closes intake and drains the queue until ctx expires.
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
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues text. Duplicates inside the dedup window are dropped
// silently.
func (s *Service) Notify(ctx context.Context, text string) error {
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
	q, window, maxEntries := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(dedupKey(text), window, maxEntries) {
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch forwards post outcome events from bus until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			withPublished := s.cfg.NotifyPublished
			s.mu.Unlock()
			text := Format(e, withPublished)
			if text == "" {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("notification not queued", logx.Err(err))
			}
		}
	}
}

// Format renders an event, or returns "" for events that are not reported.
func Format(e eventbus.Event, withPublished bool) string {
	switch e.Type {
	case eventbus.PostFailed:
		p, ok := e.Data.(*post.Post)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Post %s failed (account %s): %s", p.ID, p.AccountID, p.FailureReason)
	case eventbus.PostPublished:
		p, ok := e.Data.(*post.Post)
		if !ok || !withPublished {
			return ""
		}
		if p.PlatformPostURL != "" {
			return fmt.Sprintf("Post %s published: %s", p.ID, p.PlatformPostURL)
		}
		return fmt.Sprintf("Post %s published as %s", p.ID, p.PlatformPostID)
	}
	return ""
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = sender.Send(cctx, text)
		cancel()
		if lastErr == nil {
			s.appendHistory(text, nil)
			return
		}
		s.log.Debug("notification send failed", logx.Err(lastErr), logx.Int("attempt", attempt+1))
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("notification dropped after retries", logx.Err(lastErr))
}

// retryDelay is base * 2^(attempt-1), capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, cfg.RetryMaxDelay)
}

func dedupKey(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

func (s *Service) dedupAllow(key uint64, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > maxEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		// Still over: drop arbitrary entries.
		for k := range s.dedup {
			if len(s.dedup) <= maxEntries {
				break
			}
			if k != key {
				delete(s.dedup, k)
			}
		}
	}
	return true
}
