package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/post"
)

// journalRecord is one mutation. The file driver appends these to its journal.
type journalRecord struct {
	Op      string        `json:"op"` // put_post | del_post | put_account | del_account
	Post    *post.Post    `json:"post,omitempty"`
	Account *post.Account `json:"account,omitempty"`
	ID      string        `json:"id,omitempty"`
}

// Memory is the in-process driver. The zero value is not usable; call NewMemory.
type Memory struct {
	mu       sync.RWMutex
	posts    map[string]*post.Post
	accounts map[string]*post.Account

	// persist, when set, runs under the write lock before a mutation is
	// committed; an error aborts the mutation.
	persist func(journalRecord) error
}

func NewMemory() *Memory {
	return &Memory{
		posts:    map[string]*post.Post{},
		accounts: map[string]*post.Account{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) commitLocked(rec journalRecord) error {
	if m.persist != nil {
		if err := m.persist(rec); err != nil {
			return &post.StoreError{Op: rec.Op, Err: err}
		}
	}
	m.apply(rec)
	return nil
}

// apply mutates the maps. Records carry clones owned by the store.
func (m *Memory) apply(rec journalRecord) {
	switch rec.Op {
	case "put_post":
		m.posts[rec.Post.ID] = rec.Post
	case "del_post":
		delete(m.posts, rec.ID)
	case "put_account":
		m.accounts[rec.Account.ID] = rec.Account
	case "del_account":
		delete(m.accounts, rec.ID)
	}
}

func (m *Memory) Save(ctx context.Context, p *post.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if cur, ok := m.posts[p.ID]; ok && cur.Status.Terminal() {
		return post.ErrConflict
	}
	return m.commitLocked(journalRecord{Op: "put_post", Post: p.Clone()})
}

func (m *Memory) Get(ctx context.Context, id string) (*post.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, post.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) FindDue(ctx context.Context, statuses []post.Status, before time.Time) ([]*post.Post, error) {
	m.mu.RLock()
	var out []*post.Post
	for _, p := range m.posts {
		if slices.Contains(statuses, p.Status) && !p.ScheduledAt.After(before) {
			out = append(out, p.Clone())
		}
	}
	m.mu.RUnlock()
	sortPosts(out)
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, upd post.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.posts[id]
	if !ok {
		return post.ErrNotFound
	}
	if !upd.Allowed(cur.Status) {
		return post.ErrConflict
	}
	next := cur.Clone()
	upd.Apply(next)
	return m.commitLocked(journalRecord{Op: "put_post", Post: next})
}

func (m *Memory) List(ctx context.Context, f post.Filter) ([]*post.Post, error) {
	m.mu.RLock()
	var out []*post.Post
	for _, p := range m.posts {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	m.mu.RUnlock()
	sortPosts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return post.ErrNotFound
	}
	return m.commitLocked(journalRecord{Op: "del_post", ID: id})
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*post.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, post.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) SaveAccount(ctx context.Context, a *post.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	return m.commitLocked(journalRecord{Op: "put_account", Account: &cp})
}

func (m *Memory) ListAccounts(ctx context.Context, ownerID string) ([]*post.Account, error) {
	m.mu.RLock()
	var out []*post.Account
	for _, a := range m.accounts {
		if ownerID == "" || a.OwnerID == ownerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *post.Account) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (m *Memory) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return post.ErrNotFound
	}
	return m.commitLocked(journalRecord{Op: "del_account", ID: id})
}

// sortPosts orders by schedule, then creation, then id, matching the SQL drivers.
func sortPosts(ps []*post.Post) {
	slices.SortFunc(ps, func(a, b *post.Post) int {
		return cmp.Or(
			a.ScheduledAt.Compare(b.ScheduledAt),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}
