package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

// ErrUnknownSchedule is returned by Trigger for a name that was never registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// AddSchedule parses schedule and registers a cron or interval trigger.
// Scheduled jobs skip a tick while a previous run is queued or running.
//
// Accepted formats:
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "1m", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
		return s.register(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.register(name, "@every "+ps.Every.String(), timeout, opt, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

// ValidateSchedule reports whether AddSchedule would accept schedule.
func ValidateSchedule(schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// register upserts a definition by name and, when running, wires it into cron.
func (s *Service) register(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unregisters the named schedule and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger enqueues the named job now, sharing the overlap state of its
// schedule so a manual run and a tick never overlap.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.enqueue(def)
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.reportEnqueueError(def.name, s.enqueue(&def))
	})

	// Interval schedules get a startup spread so several of them do not fire together.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// previewNextRunsLocked renders the next n fire times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
