// Package platform defines the uniform publish contract every social
// network adapter implements, and the registry that maps platform ids to
// adapters.
package platform

import (
	"context"
	"slices"
	"strings"
	"sync"
)

const (
	Facebook  = "facebook"
	Instagram = "instagram"
	LinkedIn  = "linkedin"
	TikTok    = "tiktok"
)

// Known lists the platforms postpilot ships adapters for.
var Known = []string{Facebook, Instagram, LinkedIn, TikTok}

// Result is what a platform returns for a successful publish.
type Result struct {
	ID  string
	URL string // optional
}

// Adapter publishes one post to one platform. It must honor ctx and must
// not retain state between calls that the caller depends on.
type Adapter interface {
	Publish(ctx context.Context, accountRef, content string, mediaURLs []string) (Result, error)
}

type AdapterFunc func(ctx context.Context, accountRef, content string, mediaURLs []string) (Result, error)

func (f AdapterFunc) Publish(ctx context.Context, accountRef, content string, mediaURLs []string) (Result, error) {
	return f(ctx, accountRef, content, mediaURLs)
}

// Registry maps normalized platform names to adapters.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Adapter{}}
}

// Normalize lowercases and trims a platform name.
func Normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds or replaces the adapter for name. A nil adapter unregisters.
func (r *Registry) Register(name string, a Adapter) {
	name = Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = a
}

func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[Normalize(name)]
	return a, ok
}

// Names returns registered platforms, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
