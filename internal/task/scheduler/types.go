package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Madrid"; empty means Local
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer is the execution side. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name          string
	spec          string // cron expression or "@every <dur>"
	timeout       time.Duration
	job           func(ctx context.Context) error
	opt           TaskOptions
	state         *engine.RunState
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread"`
	Running       bool          `json:"running"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
