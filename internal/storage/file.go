package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

const compactEvery = 500

// fileStore keeps the Memory driver durable without an external database.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// On open the snapshot is loaded and the journal replayed on top.
type fileStore struct {
	*Memory

	log logx.Logger

	fmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
}

type fileSnapshot struct {
	Posts    []*post.Post    `json:"posts"`
	Accounts []accountRecord `json:"accounts"`
}

// accountRecord mirrors post.Account with its tokens, which the public JSON form hides.
type accountRecord struct {
	*post.Account
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	s.Memory.persist = s.appendJournal

	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("posts", len(s.posts)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) Close() error {
	s.Memory.mu.Lock()
	defer s.Memory.mu.Unlock()
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// appendJournal runs under Memory's write lock.
func (s *fileStore) appendJournal(rec journalRecord) error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	line, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	// rec is not applied yet, so the snapshot holds the state before it and
	// rec becomes the first line of the fresh journal.
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	if _, err := s.journal.Write(line); err != nil {
		return err
	}
	s.writes++
	return nil
}

func encodeRecord(rec journalRecord) ([]byte, error) {
	var v any = rec
	if rec.Account != nil {
		v = struct {
			journalRecord
			Account accountRecord `json:"account"`
		}{rec, accountRecord{Account: rec.Account, AccessToken: rec.Account.AccessToken, RefreshToken: rec.Account.RefreshToken}}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeRecord(line []byte) (journalRecord, error) {
	var raw struct {
		journalRecord
		Account *accountRecord `json:"account"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return journalRecord{}, err
	}
	rec := raw.journalRecord
	if raw.Account != nil && raw.Account.Account != nil {
		a := *raw.Account.Account
		a.AccessToken, a.RefreshToken = raw.Account.AccessToken, raw.Account.RefreshToken
		rec.Account = &a
	}
	return rec, nil
}

// Compact folds the journal into a fresh snapshot.
func (s *fileStore) Compact() error {
	s.Memory.mu.Lock()
	defer s.Memory.mu.Unlock()
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.compactLocked()
}

// compactLocked needs both Memory.mu and fmu held.
func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Accounts: make([]accountRecord, 0, len(s.accounts))}
	for _, p := range s.posts {
		snap.Posts = append(snap.Posts, p)
	}
	sortPosts(snap.Posts)
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, accountRecord{Account: a, AccessToken: a.AccessToken, RefreshToken: a.RefreshToken})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	s.writes = 0
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, p := range snap.Posts {
		s.posts[p.ID] = p
	}
	for _, r := range snap.Accounts {
		if r.Account == nil {
			continue
		}
		a := *r.Account
		a.AccessToken, a.RefreshToken = r.AccessToken, r.RefreshToken
		s.accounts[a.ID] = &a
	}
	return nil
}

func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	for sc.Scan() {
		rec, err := decodeRecord(sc.Bytes())
		if err != nil {
			// A torn final line after a crash is expected; skip it.
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		if (rec.Op == "put_post" && rec.Post == nil) || (rec.Op == "put_account" && rec.Account == nil) {
			continue
		}
		s.apply(rec)
		n++
	}
	return n, sc.Err()
}
