package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrMediaRequired  = errors.New("at least one media url is required")
	ErrVideoRequired  = errors.New("media must be a video")
	ErrContentTooLong = errors.New("content exceeds platform limit")
	ErrNoAccount      = errors.New("account reference required")
)

// Rules are the per-platform constraints a simulated adapter enforces.
type Rules struct {
	MaxChars     int // 0 means unlimited
	RequireMedia bool
	VideoOnly    bool
}

// SimulatedConfig tunes one simulated adapter.
type SimulatedConfig struct {
	Enabled    bool
	RatePerSec float64 // <=0 means unlimited
	Burst      int
}

// Simulated stands in for a real platform API. It validates content against
// the platform's rules, waits on a rate limiter, and returns a generated id
// and permalink.
type Simulated struct {
	name    string
	prefix  string
	host    string
	rules   Rules
	limiter *rate.Limiter
}

type simulatedSpec struct {
	prefix string
	host   string
	rules  Rules
}

var simulatedSpecs = map[string]simulatedSpec{
	Facebook:  {prefix: "fb", host: "www.facebook.com", rules: Rules{MaxChars: 63206}},
	Instagram: {prefix: "ig", host: "www.instagram.com", rules: Rules{MaxChars: 2200, RequireMedia: true}},
	LinkedIn:  {prefix: "li", host: "www.linkedin.com", rules: Rules{MaxChars: 3000}},
	TikTok:    {prefix: "tt", host: "www.tiktok.com", rules: Rules{MaxChars: 2200, RequireMedia: true, VideoOnly: true}},
}

// NewSimulated builds the simulated adapter for a known platform.
func NewSimulated(name string, cfg SimulatedConfig) (*Simulated, error) {
	name = Normalize(name)
	spec, ok := simulatedSpecs[name]
	if !ok {
		return nil, fmt.Errorf("no simulated adapter for platform %q", name)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	return &Simulated{name: name, prefix: spec.prefix, host: spec.host, rules: spec.rules, limiter: lim}, nil
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Rules() Rules { return s.rules }

func (s *Simulated) Publish(ctx context.Context, accountRef, content string, mediaURLs []string) (Result, error) {
	if err := s.validate(accountRef, content, mediaURLs); err != nil {
		return Result{}, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%s rate limit: %w", s.name, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := s.prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	u := url.URL{Scheme: "https", Host: s.host, Path: path.Join("/", accountRef, "posts", id)}
	return Result{ID: id, URL: u.String()}, nil
}

func (s *Simulated) validate(accountRef, content string, mediaURLs []string) error {
	if strings.TrimSpace(accountRef) == "" {
		return ErrNoAccount
	}
	if n := utf8.RuneCountInString(content); s.rules.MaxChars > 0 && n > s.rules.MaxChars {
		return fmt.Errorf("%w: %d > %d characters", ErrContentTooLong, n, s.rules.MaxChars)
	}
	if s.rules.RequireMedia && len(mediaURLs) == 0 {
		return fmt.Errorf("%s: %w", s.name, ErrMediaRequired)
	}
	for _, m := range mediaURLs {
		u, err := url.Parse(m)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid media url %q", m)
		}
		if s.rules.VideoOnly && !isVideo(u.Path) {
			return fmt.Errorf("%s: %w: %s", s.name, ErrVideoRequired, m)
		}
	}
	return nil
}

func isVideo(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".mov", ".m4v", ".webm", ".avi", ".mkv":
		return true
	}
	return false
}

// RegisterSimulated registers a simulated adapter for every enabled platform
// in cfgs. Platforms missing from cfgs are registered with defaults.
func RegisterSimulated(reg *Registry, cfgs map[string]SimulatedConfig) error {
	for _, name := range Known {
		cfg, ok := cfgs[name]
		if !ok {
			cfg = SimulatedConfig{Enabled: true}
		}
		if !cfg.Enabled {
			reg.Register(name, nil)
			continue
		}
		a, err := NewSimulated(name, cfg)
		if err != nil {
			return err
		}
		reg.Register(name, a)
	}
	return nil
}
