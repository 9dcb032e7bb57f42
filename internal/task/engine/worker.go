package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG keeps retry jitter off the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track {
		defer qt.state.release()
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStale(start, qt.task, queueDelay)
		s.remember(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("task_id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempts < maxAttempts {
		attempts++
		err = s.runAttempt(ctx, qt, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempts, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}

	s.circuits.record(qt.task.Name, time.Now(), cfg, qt.opt, err)
	s.remember(cfg, item)
}

// runAttempt runs the task once, converting a panic into an error so one bad
// task cannot kill its worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
