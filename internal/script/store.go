package script

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("script not found")

// Fetcher downloads script code and @require bodies.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Cache keeps freshly downloaded code for GetFromCache.
type Cache interface {
	Put(key string, value []byte, ttl time.Duration) error
}

// Store is the sqlite-backed script catalog.
type Store struct {
	db      *sql.DB
	fetcher Fetcher
	cache   Cache
	logger  *slog.Logger
	now     func() time.Time

	onUpdate func(ParseResult)

	// Serialises position changes; sqlite runs one writer anyway.
	mu sync.Mutex
}

type Option func(*Store)

func WithFetcher(f Fetcher) Option { return func(s *Store) { s.fetcher = f } }

func WithCache(c Cache) Option { return func(s *Store) { s.cache = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// OnUpdate registers fn to receive scripts replaced by an update check.
func OnUpdate(fn func(ParseResult)) Option { return func(s *Store) { s.onUpdate = fn } }

// Open returns a Store over a bootstrapped database. The store is
// initialized once Open returns.
func Open(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scripts")

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scripts;").Scan(&n); err != nil {
		return nil, fmt.Errorf("open script store: %w", err)
	}
	s.logger.Info("script store initialized", "scripts", n)
	return s, nil
}

const (
	infoColumns = "id, uri, position, enabled, update_flag, meta, custom, code_digest, last_modified, last_updated"
	fullColumns = infoColumns + ", code"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner, withCode bool) (*Script, error) {
	var (
		sc           Script
		meta, custom string
	)
	dest := []any{&sc.ID, &sc.URI, &sc.Position, &sc.Enabled, &sc.Update, &meta, &custom, &sc.Digest, &sc.LastModified, &sc.LastUpdated}
	if withCode {
		dest = append(dest, &sc.Code)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &sc.Meta); err != nil {
		return nil, fmt.Errorf("script %d meta: %w", sc.ID, err)
	}
	if err := json.Unmarshal([]byte(custom), &sc.Custom); err != nil {
		return nil, fmt.Errorf("script %d custom: %w", sc.ID, err)
	}
	return &sc, nil
}

func (s *Store) query(ctx context.Context, withCode bool, where string, args ...any) ([]Script, error) {
	cols := infoColumns
	if withCode {
		cols = fullColumns
	}
	q := "SELECT " + cols + " FROM scripts"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY position, id;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()

	out := []Script{}
	for rows.Next() {
		sc, err := scanScript(rows, withCode)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// Get returns one script with its code.
func (s *Store) Get(ctx context.Context, id int64) (*Script, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fullColumns+" FROM scripts WHERE id = ?;", id)
	sc, err := scanScript(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sc, err
}

func (s *Store) getByURI(ctx context.Context, uri string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fullColumns+" FROM scripts WHERE uri = ?;", uri)
	sc, err := scanScript(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sc, err
}

// Infos returns the listed scripts without code, in catalog order. Unknown
// ids are skipped.
func (s *Store) Infos(ctx context.Context, ids []int64) ([]Script, error) {
	if len(ids) == 0 {
		return []Script{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.query(ctx, false, "id IN ("+placeholders(len(ids))+")", args...)
}

// Data is the GetData payload.
type Data struct {
	Scripts []Script `json:"scripts"`
}

// GetData lists the whole catalog without code.
func (s *Store) GetData(ctx context.Context) (*Data, error) {
	scripts, err := s.query(ctx, false, "")
	if err != nil {
		return nil, err
	}
	return &Data{Scripts: scripts}, nil
}

// Injected is what a page needs to run its scripts.
type Injected struct {
	Scripts []Script                   `json:"scripts"`
	Require map[string]string          `json:"require"`
	Values  map[string]json.RawMessage `json:"values"`
}

// ScriptsByURL returns every script matching pageURL with code, plus their
// cached @require bodies and stored values.
func (s *Store) ScriptsByURL(ctx context.Context, pageURL string) (*Injected, error) {
	all, err := s.query(ctx, true, "")
	if err != nil {
		return nil, err
	}

	res := &Injected{Scripts: []Script{}, Require: map[string]string{}, Values: map[string]json.RawMessage{}}
	var uris, requires []string
	for i := range all {
		if !all[i].Matches(pageURL) {
			continue
		}
		res.Scripts = append(res.Scripts, all[i])
		uris = append(uris, all[i].URI)
		requires = append(requires, all[i].Meta.Require...)
	}

	if res.Require, err = s.requireBodies(ctx, requires); err != nil {
		return nil, err
	}
	if res.Values, err = s.Values(ctx, uris); err != nil {
		return nil, err
	}
	return res, nil
}

// InfoPatch is the mutable subset accepted by UpdateInfo.
type InfoPatch struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Update  *bool   `json:"update,omitempty"`
	Custom  *Custom `json:"custom,omitempty"`
}

// UpdateInfo applies patch to script id, stamps modified, and returns the
// updated script without code.
func (s *Store) UpdateInfo(ctx context.Context, id int64, patch InfoPatch, modified time.Time) (*Script, error) {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Enabled != nil {
		sc.Enabled = *patch.Enabled
	}
	if patch.Update != nil {
		sc.Update = *patch.Update
	}
	if patch.Custom != nil {
		sc.Custom = *patch.Custom
	}
	sc.LastModified = modified.UnixMilli()

	custom, err := json.Marshal(sc.Custom)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE scripts SET enabled = ?, update_flag = ?, custom = ?, last_modified = ? WHERE id = ?;",
		sc.Enabled, sc.Update, string(custom), sc.LastModified, id,
	); err != nil {
		return nil, fmt.Errorf("update script %d: %w", id, err)
	}
	sc.Code = ""
	return sc, nil
}

// Remove deletes a script and its stored values.
func (s *Store) Remove(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var uri string
	if err := tx.QueryRowContext(ctx, "SELECT uri FROM scripts WHERE id = ?;", id).Scan(&uri); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM scripts WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete script %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM script_values WHERE uri = ?;", uri); err != nil {
		return fmt.Errorf("delete values for %s: %w", uri, err)
	}
	return tx.Commit()
}

// SetValues replaces the stored values of the script with uri.
func (s *Store) SetValues(ctx context.Context, uri string, values json.RawMessage) error {
	if uri == "" {
		return errors.New("set values: empty uri")
	}
	if len(values) == 0 || string(values) == "null" {
		values = json.RawMessage(`{}`)
	}
	if !json.Valid(values) {
		return errors.New("set values: invalid JSON")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO script_values(uri, vals, updated_at) VALUES(?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET vals = excluded.vals, updated_at = excluded.updated_at;`,
		uri, string(values), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set values for %s: %w", uri, err)
	}
	return nil
}

// Values returns stored values keyed by uri. Scripts without values are absent.
func (s *Store) Values(ctx context.Context, uris []string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(uris) == 0 {
		return out, nil
	}
	args := make([]any, len(uris))
	for i, u := range uris {
		args[i] = u
	}
	rows, err := s.db.QueryContext(ctx, "SELECT uri, vals FROM script_values WHERE uri IN ("+placeholders(len(uris))+");", args...)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uri, vals string
		if err := rows.Scan(&uri, &vals); err != nil {
			return nil, err
		}
		out[uri] = json.RawMessage(vals)
	}
	return out, rows.Err()
}

// Export is the ExportZip payload.
type Export struct {
	Items  []Script                   `json:"items"`
	Values map[string]json.RawMessage `json:"values,omitempty"`
}

// ExportData returns the listed scripts with code, and their values when
// withValues is set.
func (s *Store) ExportData(ctx context.Context, ids []int64, withValues bool) (*Export, error) {
	if len(ids) == 0 {
		return &Export{Items: []Script{}}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	items, err := s.query(ctx, true, "id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, err
	}
	exp := &Export{Items: items}
	if withValues {
		uris := make([]string, len(items))
		for i := range items {
			uris[i] = items[i].URI
		}
		if exp.Values, err = s.Values(ctx, uris); err != nil {
			return nil, err
		}
	}
	return exp, nil
}

// Snapshot exports the whole catalog with values, for sync.
func (s *Store) Snapshot(ctx context.Context) (*Export, error) {
	items, err := s.query(ctx, true, "")
	if err != nil {
		return nil, err
	}
	uris := make([]string, len(items))
	for i := range items {
		uris[i] = items[i].URI
	}
	values, err := s.Values(ctx, uris)
	if err != nil {
		return nil, err
	}
	return &Export{Items: items, Values: values}, nil
}

// Move shifts script id by offset places in the catalog order, clamped to
// the ends.
func (s *Store) Move(ctx context.Context, id int64, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.orderedIDs(ctx)
	if err != nil {
		return err
	}
	from := -1
	for i, v := range ids {
		if v == id {
			from = i
			break
		}
	}
	if from < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	to := min(max(from+offset, 0), len(ids)-1)
	if to == from {
		return nil
	}

	moved := ids[from]
	ids = append(ids[:from], ids[from+1:]...)
	ids = append(ids[:to], append([]int64{moved}, ids[to:]...)...)
	return s.writePositions(ctx, ids)
}

func (s *Store) orderedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM scripts ORDER BY position, id;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) writePositions(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, "UPDATE scripts SET position = ? WHERE id = ?;", i+1, id); err != nil {
			return fmt.Errorf("reposition script %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Vacuum renumbers positions, drops values and @require bodies no script
// references, and compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.orderedIDs(ctx)
	if err != nil {
		return err
	}
	if err := s.writePositions(ctx, ids); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM script_values WHERE uri NOT IN (SELECT uri FROM scripts);"); err != nil {
		return fmt.Errorf("vacuum values: %w", err)
	}

	scripts, err := s.query(ctx, false, "")
	if err != nil {
		return err
	}
	used := map[string]bool{}
	for _, sc := range scripts {
		for _, u := range sc.Meta.Require {
			used[u] = true
		}
	}
	rows, err := s.db.QueryContext(ctx, "SELECT url FROM requires;")
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return err
		}
		if !used[u] {
			stale = append(stale, u)
		}
	}
	rows.Close()
	for _, u := range stale {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM requires WHERE url = ?;", u); err != nil {
			return fmt.Errorf("vacuum require %s: %w", u, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	s.logger.Info("vacuumed script store", "scripts", len(ids), "dropped_requires", len(stale))
	return nil
}

// ScriptsForUpdate lists scripts with the update flag set.
func (s *Store) ScriptsForUpdate(ctx context.Context) ([]Script, error) {
	return s.query(ctx, false, "update_flag = 1")
}

func (s *Store) requireBodies(ctx context.Context, urls []string) (map[string]string, error) {
	out := map[string]string{}
	if len(urls) == 0 {
		return out, nil
	}
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}
	rows, err := s.db.QueryContext(ctx, "SELECT url, code FROM requires WHERE url IN ("+placeholders(len(urls))+");", args...)
	if err != nil {
		return nil, fmt.Errorf("query requires: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u, code string
		if err := rows.Scan(&u, &code); err != nil {
			return nil, err
		}
		out[u] = code
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
