// Package kv is a key/value namespace for scripts, stored in SQLite.
package kv

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cryguy/jsbridge"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// MaxValueSize is the largest value Put accepts (1 MB).
const MaxValueSize = 1 << 20

const defaultListLimit = 1000

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER
)`

// Store is a key/value namespace.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// PutOptions are the optional third argument of put.
type PutOptions struct {
	// ExpirationTTL is a lifetime in seconds; zero means forever.
	ExpirationTTL int `jsi:"expirationTtl,omitempty"`
}

// ListOptions are the optional argument of list.
type ListOptions struct {
	Prefix string `jsi:"prefix,omitempty"`
	Limit  int    `jsi:"limit,omitempty"`
	Cursor string `jsi:"cursor,omitempty"`
}

// ListResult is one page of keys.
type ListResult struct {
	Keys         []string `jsi:"keys"`
	ListComplete bool     `jsi:"listComplete"`
	Cursor       string   `jsi:"cursor,omitempty"`
}

var class = jsbridge.NewClass[Store]("KVNamespace").
	AsyncMethod("get", (*Store).Get, "key").
	AsyncMethod("put", (*Store).put, "key", "value", "options").
	AsyncMethod("delete", (*Store).Delete, "key").
	AsyncMethod("list", (*Store).list, "options")

// Open opens (or creates) a store in the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening kv database %q: %w", path, err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newStore(db)
}

// OpenMemory creates an in-memory store.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory kv database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating kv schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HostObject returns the script-facing namespace.
func (s *Store) HostObject() jsbridge.HostObject { return class.Bind(s) }

// Get returns the value for key, or nil if it is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (*string, error) {
	var value string
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	if expires.Valid && expires.Int64 <= s.now().Unix() {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
		return nil, nil
	}
	return &value, nil
}

// Put stores value under key. A positive ttl expires it after that many seconds.
func (s *Store) Put(ctx context.Context, key, value string, ttl int) error {
	if key == "" {
		return fmt.Errorf("kv put: key must not be empty")
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("kv put: value exceeds maximum size of %d bytes", MaxValueSize)
	}
	var expires any
	if ttl > 0 {
		expires = s.now().Add(time.Duration(ttl) * time.Second).Unix()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at",
		key, value, expires)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key, value string, opts *PutOptions) error {
	ttl := 0
	if opts != nil {
		ttl = opts.ExpirationTTL
	}
	return s.Put(ctx, key, value, ttl)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// List returns live keys with the given prefix in key order, limit at a
// time. Pass the returned cursor to continue.
func (s *Store) List(ctx context.Context, prefix string, limit int, cursor string) (*ListResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := decodeCursor(cursor)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key LIMIT ? OFFSET ?",
		len(prefix), prefix, s.now().Unix(), limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv list: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}

	res := &ListResult{Keys: keys, ListComplete: len(keys) <= limit}
	if !res.ListComplete {
		res.Keys = keys[:limit]
		res.Cursor = encodeCursor(offset + limit)
	}
	return res, nil
}

func (s *Store) list(ctx context.Context, opts *ListOptions) (*ListResult, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	return s.List(ctx, opts.Prefix, opts.Limit, opts.Cursor)
}

// decodeCursor decodes a base64-encoded cursor to an integer offset.
func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// encodeCursor encodes an integer offset to a base64 cursor string.
func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}
