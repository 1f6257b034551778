package script

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Push command names carried by ParseResult.
const (
	CmdAddScript    = "AddScript"
	CmdUpdateScript = "UpdateScript"
)

// ParseRequest installs or replaces a script from source text.
type ParseRequest struct {
	// ID replaces that script; zero matches by namespace and name.
	ID      int64  `json:"id,omitempty"`
	Code    string `json:"code"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	// Custom, when set, replaces the stored overrides.
	Custom *Custom `json:"custom,omitempty"`
}

// ParsedScript is the saved script (without code) plus a status message.
type ParsedScript struct {
	Script
	Message string `json:"message"`
	IsNew   bool   `json:"isNew"`
}

// ParseResult is both the ParseScript reply and the page push.
type ParseResult struct {
	Cmd  string       `json:"cmd"`
	Data ParsedScript `json:"data"`
}

// Parse parses req.Code, inserts or replaces the script and fetches any
// @require bodies not cached yet.
func (s *Store) Parse(ctx context.Context, req ParseRequest) (*ParseResult, error) {
	meta, err := ParseMeta(req.Code)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sc, isNew, err := s.save(ctx, req, meta)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.fetchRequires(ctx, meta.Require)

	msg := req.Message
	if msg == "" {
		msg = "Script updated."
		if isNew {
			msg = "Script installed."
		}
	}
	cmd := CmdUpdateScript
	if isNew {
		cmd = CmdAddScript
	}
	sc.Code = ""
	return &ParseResult{Cmd: cmd, Data: ParsedScript{Script: *sc, Message: msg, IsNew: isNew}}, nil
}

func (s *Store) save(ctx context.Context, req ParseRequest, meta Meta) (*Script, bool, error) {
	var (
		existing *Script
		err      error
	)
	if req.ID != 0 {
		existing, err = s.Get(ctx, req.ID)
	} else if meta.Name != "" || meta.Namespace != "" {
		existing, err = s.getByURI(ctx, NameURI(meta))
		if errors.Is(err, ErrNotFound) {
			existing, err = nil, nil
		}
	}
	if err != nil {
		return nil, false, err
	}

	now := s.now().UnixMilli()
	sc := existing
	if sc == nil {
		sc = &Script{URI: NameURI(meta), Enabled: true, Update: true}
	}
	sc.Meta = meta
	sc.Code = req.Code
	sc.Digest = Digest(req.Code)
	sc.LastModified = now
	sc.LastUpdated = now
	if req.Custom != nil {
		sc.Custom = *req.Custom
	}
	if req.URL != "" {
		sc.Custom.LastInstallURL = req.URL
	}

	metaJSON, err := json.Marshal(sc.Meta)
	if err != nil {
		return nil, false, err
	}
	customJSON, err := json.Marshal(sc.Custom)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		// A renamed script follows its new name.
		if meta.Name != "" || meta.Namespace != "" {
			sc.URI = NameURI(meta)
		}
		_, err = s.db.ExecContext(ctx, `
UPDATE scripts SET uri = ?, meta = ?, custom = ?, code = ?, code_digest = ?, last_modified = ?, last_updated = ?
WHERE id = ?;`,
			sc.URI, string(metaJSON), string(customJSON), sc.Code, sc.Digest, sc.LastModified, sc.LastUpdated, sc.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("update script %d: %w", sc.ID, err)
		}
		return sc, false, nil
	}

	var pos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(position) FROM scripts;").Scan(&pos); err != nil {
		return nil, false, err
	}
	sc.Position = int(pos.Int64) + 1
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scripts(uri, position, enabled, update_flag, meta, custom, code, code_digest, last_modified, last_updated)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sc.URI, sc.Position, sc.Enabled, sc.Update, string(metaJSON), string(customJSON), sc.Code, sc.Digest, sc.LastModified, sc.LastUpdated,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert script: %w", err)
	}
	if sc.ID, err = res.LastInsertId(); err != nil {
		return nil, false, err
	}
	return sc, true, nil
}

// fetchRequires downloads @require bodies not stored yet. Failures are
// logged; the page simply runs without that library until a later fetch.
func (s *Store) fetchRequires(ctx context.Context, urls []string) {
	if s.fetcher == nil || len(urls) == 0 {
		return
	}
	have, err := s.requireBodies(ctx, urls)
	if err != nil {
		s.logger.Warn("read cached requires failed", "error", err)
		return
	}
	for _, u := range urls {
		if _, ok := have[u]; ok {
			continue
		}
		code, err := s.fetcher.Fetch(ctx, u)
		if err != nil {
			s.logger.Warn("fetch require failed", "url", u, "error", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
INSERT INTO requires(url, code, fetched_at) VALUES(?, ?, ?)
ON CONFLICT(url) DO UPDATE SET code = excluded.code, fetched_at = excluded.fetched_at;`,
			u, code, s.now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			s.logger.Warn("store require failed", "url", u, "error", err)
		}
	}
}
