package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/any-hub/replayproxy/internal/cachekey"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	headers TEXT NOT NULL,
	body BLOB NOT NULL,
	created_at_ms INTEGER NOT NULL
)`

// NewStore 打开（或创建）path 指向的 SQLite 文件，并把全部条目加载进内存索引。
func NewStore(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, errors.New("cache path required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// 内存索引承担读流量，数据库只需单连接串行写入。
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	store := &sqliteStore{
		path:  abs,
		db:    db,
		index: make(map[cachekey.Key]*Entry),
		locks: make(map[cachekey.Key]*entryLock),
		now:   time.Now,
	}
	if err := store.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// sqliteStore 通过 entryLock 避免同一 Key 并发写入，resetMu 让 Reset 与写入互斥。
type sqliteStore struct {
	path string
	db   *sql.DB
	now  func() time.Time

	resetMu sync.RWMutex

	mu      sync.RWMutex
	index   map[cachekey.Key]*Entry
	bytes   int64
	skipped int
	closed  bool

	lockMu sync.Mutex
	locks  map[cachekey.Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *sqliteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, status, headers, body, created_at_ms FROM entries`)
	if err != nil {
		return fmt.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key       string
			status    int
			rawHeader string
			body      []byte
			createdMs int64
		)
		if err := rows.Scan(&key, &status, &rawHeader, &body, &createdMs); err != nil {
			return fmt.Errorf("scan cache entry: %w", err)
		}
		headers, err := decodeHeaders(rawHeader)
		if err != nil {
			s.skipped++
			continue
		}
		entry := &Entry{
			Status:    status,
			Headers:   headers,
			Body:      body,
			CreatedAt: time.UnixMilli(createdMs).UTC(),
		}
		s.index[cachekey.Key(key)] = entry
		s.bytes += entry.Size()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load cache entries: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key cachekey.Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storeError("get", key, ErrStoreUnavailable)
	}
	entry, ok := s.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, key cachekey.Key, entry Entry) error {
	if key == "" {
		return storeError("put", key, errors.New("empty key"))
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	unlock := s.lockEntry(key)
	defer unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	entry.Headers = append([]Header(nil), entry.Headers...)
	entry.Body = append([]byte{}, entry.Body...)

	rawHeader, err := encodeHeaders(entry.Headers)
	if err != nil {
		return storeError("put", key, err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries (key, status, headers, body, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			string(key), entry.Status, rawHeader, entry.Body, entry.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return storeError("put", key, err)
	}

	s.mu.Lock()
	if prev, ok := s.index[key]; ok {
		s.bytes -= prev.Size()
	}
	s.index[key] = &entry
	s.bytes += entry.Size()
	s.mu.Unlock()
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, key cachekey.Key) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	unlock := s.lockEntry(key)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, string(key))
		return err
	})
	if err != nil {
		return storeError("remove", key, err)
	}

	s.mu.Lock()
	if prev, ok := s.index[key]; ok {
		s.bytes -= prev.Size()
		delete(s.index, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM entries`)
		return err
	})
	if err != nil {
		return storeError("reset", "", err)
	}

	s.mu.Lock()
	s.index = make(map[cachekey.Key]*Entry)
	s.bytes = 0
	s.skipped = 0
	s.mu.Unlock()
	return nil
}

func (s *sqliteStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Path:      s.path,
		Entries:   len(s.index),
		BodyBytes: s.bytes,
		Skipped:   s.skipped,
	}
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) lockEntry(key cachekey.Key) func() {
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}

func encodeHeaders(headers []Header) (string, error) {
	if headers == nil {
		headers = []Header{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return string(raw), nil
}

func decodeHeaders(raw string) ([]Header, error) {
	var headers []Header
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return headers, nil
}
