package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/eventbus"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes tasks on a fixed worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits breaker

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the engine's worker supervisor (nil when not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Workers restart when pool shape or Enabled changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them until ctx expires.
// In-flight tasks see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
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
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.inFlight.Store(0)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds a task without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is queued, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	if open, until := s.circuits.isOpen(t.Name, now, cfg, opt); open {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"}})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
		return ErrOverlapSkip
	}
	release := func() {
		if track {
			st.release()
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			release()
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	total, open := s.circuits.counts(time.Now())
	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         len(q),
		QueueCap:         cap(q),
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     total,
		CircuitOpen:      open,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = s.history[n:]
	}
	s.hmu.Unlock()
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})
	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
