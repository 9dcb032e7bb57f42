package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// sqlStore implements Store over database/sql. SQLite and Postgres share it;
// queries are written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollar  bool
	onClose func()
}

const postColumns = `id, content, media_urls, scheduled_at, published_at, status, failure_reason,
	platform_post_id, platform_post_url, predicted_engagement, account_id, owner_id, created_at, updated_at`

const accountColumns = `id, platform, external_id, username, owner_id, access_token, refresh_token,
	token_expires_at, created_at, updated_at`

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	return rebind(query)
}

// rebind turns ? placeholders into $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *sqlStore) migrate(ctx context.Context, ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNano(v int64) time.Time { return time.Unix(0, v).UTC() }

func fromNullNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromNano(v.Int64)
}

func encodeMedia(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	return string(b), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*post.Post, error) {
	var (
		p                           post.Post
		media, status               string
		scheduled, created, updated int64
		published                   sql.NullInt64
	)
	err := r.Scan(&p.ID, &p.Content, &media, &scheduled, &published, &status, &p.FailureReason,
		&p.PlatformPostID, &p.PlatformPostURL, &p.PredictedEngagement, &p.AccountID, &p.OwnerID, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &p.MediaURLs); err != nil {
		return nil, err
	}
	p.Status = post.Status(status)
	p.ScheduledAt = fromNano(scheduled)
	p.PublishedAt = fromNullNano(published)
	p.CreatedAt = fromNano(created)
	p.UpdatedAt = fromNano(updated)
	return &p, nil
}

func scanAccount(r rowScanner) (*post.Account, error) {
	var (
		a                post.Account
		created, updated int64
		expires          sql.NullInt64
	)
	err := r.Scan(&a.ID, &a.Platform, &a.ExternalID, &a.Username, &a.OwnerID, &a.AccessToken, &a.RefreshToken,
		&expires, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.TokenExpiresAt = fromNullNano(expires)
	a.CreatedAt = fromNano(created)
	a.UpdatedAt = fromNano(updated)
	return &a, nil
}

func (s *sqlStore) Save(ctx context.Context, p *post.Post) error {
	media, err := encodeMedia(p.MediaURLs)
	if err != nil {
		return &post.StoreError{Op: "save", Err: err}
	}
	if p.ID != "" {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET content=?, media_urls=?, scheduled_at=?, published_at=?,
			status=?, failure_reason=?, platform_post_id=?, platform_post_url=?, predicted_engagement=?,
			account_id=?, owner_id=?, updated_at=?
			WHERE id=? AND status IN ('pending','scheduled')`),
			p.Content, media, unixNano(p.ScheduledAt), nullTime(p.PublishedAt),
			string(p.Status), p.FailureReason, p.PlatformPostID, p.PlatformPostURL, p.PredictedEngagement,
			p.AccountID, p.OwnerID, unixNano(p.UpdatedAt), p.ID)
		if err != nil {
			return &post.StoreError{Op: "save", Err: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		exists, err := s.exists(ctx, "posts", p.ID)
		if err != nil {
			return &post.StoreError{Op: "save", Err: err}
		}
		if exists {
			return post.ErrConflict
		}
	} else {
		p.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO posts(`+postColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Content, media, unixNano(p.ScheduledAt), nullTime(p.PublishedAt), string(p.Status),
		p.FailureReason, p.PlatformPostID, p.PlatformPostURL, p.PredictedEngagement,
		p.AccountID, p.OwnerID, unixNano(p.CreatedAt), unixNano(p.UpdatedAt))
	if err != nil {
		return &post.StoreError{Op: "save", Err: err}
	}
	return nil
}

func (s *sqlStore) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+table+` WHERE id=?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStore) Get(ctx context.Context, id string) (*post.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, post.ErrNotFound
	}
	if err != nil {
		return nil, &post.StoreError{Op: "get", Err: err}
	}
	return p, nil
}

func (s *sqlStore) FindDue(ctx context.Context, statuses []post.Status, before time.Time) ([]*post.Post, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, unixNano(before))
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `) AND scheduled_at <= ?
		ORDER BY scheduled_at, created_at, id`
	return s.queryPosts(ctx, "find due", query, args...)
}

func (s *sqlStore) List(ctx context.Context, f post.Filter) ([]*post.Post, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.AccountID != "" {
		where = append(where, "account_id=?")
		args = append(args, f.AccountID)
	}
	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	return s.queryPosts(ctx, "list", query, args...)
}

func (s *sqlStore) queryPosts(ctx context.Context, op, query string, args ...any) ([]*post.Post, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, &post.StoreError{Op: op, Err: err}
	}
	defer rows.Close()
	var out []*post.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, &post.StoreError{Op: op, Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &post.StoreError{Op: op, Err: err}
	}
	return out, nil
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, upd post.StatusUpdate) error {
	from := upd.From
	if len(from) == 0 {
		from = post.DispatchableStatuses
	}
	set := `status=?, published_at=?, platform_post_id=?, platform_post_url=?, failure_reason=?, updated_at=?`
	args := []any{string(upd.Status), nullTime(upd.PublishedAt), upd.PlatformPostID, upd.PlatformPostURL,
		upd.FailureReason, unixNano(upd.At)}
	if !upd.ScheduledAt.IsZero() {
		set += `, scheduled_at=?`
		args = append(args, unixNano(upd.ScheduledAt))
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	query := `UPDATE posts SET ` + set + ` WHERE id=? AND status IN (?` + strings.Repeat(",?", len(from)-1) + `)`
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return &post.StoreError{Op: "update status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &post.StoreError{Op: "update status", Err: err}
	}
	if n > 0 {
		return nil
	}
	exists, err := s.exists(ctx, "posts", id)
	if err != nil {
		return &post.StoreError{Op: "update status", Err: err}
	}
	if exists {
		return post.ErrConflict
	}
	return post.ErrNotFound
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "posts", id)
}

func (s *sqlStore) deleteRow(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE id=?`), id)
	if err != nil {
		return &post.StoreError{Op: "delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return post.ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (*post.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, post.ErrNotFound
	}
	if err != nil {
		return nil, &post.StoreError{Op: "get account", Err: err}
	}
	return a, nil
}

func (s *sqlStore) SaveAccount(ctx context.Context, a *post.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO accounts(`+accountColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET platform=excluded.platform, external_id=excluded.external_id,
			username=excluded.username, owner_id=excluded.owner_id, access_token=excluded.access_token,
			refresh_token=excluded.refresh_token, token_expires_at=excluded.token_expires_at,
			updated_at=excluded.updated_at`),
		a.ID, a.Platform, a.ExternalID, a.Username, a.OwnerID, a.AccessToken, a.RefreshToken,
		nullTime(a.TokenExpiresAt), unixNano(a.CreatedAt), unixNano(a.UpdatedAt))
	if err != nil {
		return &post.StoreError{Op: "save account", Err: err}
	}
	return nil
}

func (s *sqlStore) ListAccounts(ctx context.Context, ownerID string) ([]*post.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, &post.StoreError{Op: "list accounts", Err: err}
	}
	defer rows.Close()
	var out []*post.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, &post.StoreError{Op: "list accounts", Err: err}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &post.StoreError{Op: "list accounts", Err: err}
	}
	return out, nil
}

func (s *sqlStore) DeleteAccount(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "accounts", id)
}
