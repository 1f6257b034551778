// Package options is the key-value configuration store shared by every
// foreground context. Values are JSON, persisted in sqlite and mirrored in
// memory so reads never touch the database.
package options

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Keys read or written by the coordinator.
const (
	KeyAutoUpdate     = "autoUpdate"
	KeyLastUpdate     = "lastUpdate"
	KeyIsApplied      = "isApplied"
	KeyInjectMode     = "injectMode"
	KeyShowBadge      = "showBadge"
	KeyIgnoreGrant    = "ignoreGrant"
	KeySyncAuthorized = "syncAuthorized"
)

// Defaults returns the value of every known option before the user changes it.
func Defaults() map[string]any {
	return map[string]any{
		KeyIsApplied:        true,
		KeyAutoUpdate:       true,
		KeyLastUpdate:       int64(0),
		KeyInjectMode:       int64(0),
		KeyShowBadge:        true,
		KeyIgnoreGrant:      false,
		KeySyncAuthorized:   false,
		"exportValues":      true,
		"closeAfterInstall": false,
		"trackLocalFile":    false,
	}
}

// Item is one key/value pair as sent by SetOptions.
type Item struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// HookFunc receives the keys changed by one Set/SetMany call.
type HookFunc func(changes map[string]any)

// Store owns the options snapshot.
type Store struct {
	db *sql.DB

	// writeMu orders commits, snapshot updates and hook calls as one unit.
	writeMu sync.Mutex

	mu       sync.RWMutex
	values   map[string]any
	hooks    map[int]HookFunc
	nextHook int

	now func() time.Time
}

// Open loads persisted options over the defaults.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		values: Defaults(),
		hooks:  make(map[int]HookFunc),
		now:    time.Now,
	}

	rows, err := db.QueryContext(ctx, "SELECT key, value FROM options;")
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("stored option %q is invalid JSON: %w", key, err)
		}
		s.values[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate options: %w", err)
	}
	return s, nil
}

// Get returns the current value of key, or nil if it is unknown.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Bool reads key as a boolean. Non-boolean values read as false.
func (s *Store) Bool(key string) bool {
	b, _ := s.Get(key).(bool)
	return b
}

// Int64 reads key as an integer. JSON numbers arrive as float64.
func (s *Store) Int64(key string) int64 {
	switch v := s.Get(key).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// AutoUpdateEnabled reports the autoUpdate option.
func (s *Store) AutoUpdateEnabled() bool { return s.Bool(KeyAutoUpdate) }

// LastUpdate returns lastUpdate, stored as epoch milliseconds.
func (s *Store) LastUpdate() time.Time { return time.UnixMilli(s.Int64(KeyLastUpdate)) }

// MarkUpdated records t as the start of the latest bulk update check.
func (s *Store) MarkUpdated(ctx context.Context, t time.Time) error {
	return s.Set(ctx, KeyLastUpdate, t.UnixMilli())
}

// GetAll returns a copy of every option.
func (s *Store) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// GetMany returns the requested keys. Unknown keys map to nil.
func (s *Store) GetMany(keys []string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = s.values[k]
	}
	return out
}

// Set persists one option and notifies hooks.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, []Item{{Key: key, Value: value}})
}

// SetMany persists every item in one transaction, then notifies hooks once
// with the keys whose values were written. Concurrent calls apply in full,
// one after another, so the snapshot always matches the last commit.
// Hooks must not write options.
func (s *Store) SetMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().Format(time.RFC3339Nano)
	changes := make(map[string]any, len(items))
	for _, it := range items {
		if it.Key == "" {
			return fmt.Errorf("option key is empty")
		}
		raw, err := json.Marshal(it.Value)
		if err != nil {
			return fmt.Errorf("marshal option %q: %w", it.Key, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO options(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, it.Key, string(raw), now)
		if err != nil {
			return fmt.Errorf("upsert option %q: %w", it.Key, err)
		}
		changes[it.Key] = it.Value
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.mu.Lock()
	maps.Copy(s.values, changes)
	hooks := make([]HookFunc, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()

	for _, h := range hooks {
		h(maps.Clone(changes))
	}
	return nil
}

// Hook registers fn for change notifications and returns a function that removes it.
func (s *Store) Hook(fn HookFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.hooks, id)
		s.mu.Unlock()
	}
}
