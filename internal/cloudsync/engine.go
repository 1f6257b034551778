// Package cloudsync pushes the script catalog to one remote service. Sync
// requests coalesce: asking while a run is in flight schedules exactly one
// more run after it.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/scriptd/internal/options"
)

type State string

const (
	StateUnauthorized State = "unauthorized"
	StateIdle         State = "idle"
	StateSyncing      State = "syncing"
	StateError        State = "error"
)

const serviceName = "remote"

// ServiceState is reported in GetData.
type ServiceState struct {
	Name      string `json:"name"`
	State     State  `json:"state"`
	LastSync  int64  `json:"lastSync"`
	LastError string `json:"lastError,omitempty"`
}

// SnapshotFunc returns the document to push.
type SnapshotFunc func(ctx context.Context) (any, error)

// Options is the slice of the options store the engine uses.
type Options interface {
	Bool(key string) bool
	Set(ctx context.Context, key string, value any) error
}

type Config struct {
	RemoteURL  string
	Token      string
	MaxRetries uint
	Timeout    time.Duration
}

type Engine struct {
	cfg      Config
	client   *http.Client
	snapshot SnapshotFunc
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	backOff  func() backoff.BackOff

	mu       sync.Mutex
	state    State
	lastSync time.Time
	lastErr  string
	running  bool
	rerun    bool
	ctx      context.Context

	wg sync.WaitGroup
}

func New(cfg Config, client *http.Client, snapshot SnapshotFunc, opts Options, logger *slog.Logger) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	e := &Engine{
		cfg:      cfg,
		client:   client,
		snapshot: snapshot,
		opts:     opts,
		logger:   logger.With("component", "cloudsync"),
		now:      time.Now,
		backOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		state:    StateUnauthorized,
		ctx:      context.Background(),
	}
	if e.configured() && opts.Bool(options.KeySyncAuthorized) {
		e.state = StateIdle
	}
	return e
}

func (e *Engine) configured() bool {
	return e.cfg.RemoteURL != "" && e.cfg.Token != ""
}

// Initialize binds the engine to ctx and syncs once if already authorized.
func (e *Engine) Initialize(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	if e.opts.Bool(options.KeySyncAuthorized) {
		e.Sync()
	}
}

// Authorize enables sync. It needs a configured remote and token.
func (e *Engine) Authorize(ctx context.Context) error {
	if !e.configured() {
		return errors.New("sync: remote_url and token must be configured")
	}
	if err := e.opts.Set(ctx, options.KeySyncAuthorized, true); err != nil {
		return fmt.Errorf("sync authorize: %w", err)
	}
	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = ""
	e.mu.Unlock()
	e.logger.Info("sync authorized", "remote", e.cfg.RemoteURL)
	e.Sync()
	return nil
}

// Revoke disables sync. A run in flight finishes; no rerun follows.
func (e *Engine) Revoke(ctx context.Context) error {
	if err := e.opts.Set(ctx, options.KeySyncAuthorized, false); err != nil {
		return fmt.Errorf("sync revoke: %w", err)
	}
	e.mu.Lock()
	e.state = StateUnauthorized
	e.rerun = false
	e.mu.Unlock()
	e.logger.Info("sync revoked")
	return nil
}

// Sync requests a run and returns immediately.
func (e *Engine) Sync() {
	if !e.configured() || !e.opts.Bool(options.KeySyncAuthorized) {
		e.logger.Debug("sync skipped: not authorized")
		return
	}
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		e.setState(StateSyncing, "")
		err := e.push(ctx)

		e.mu.Lock()
		switch {
		case e.state == StateUnauthorized:
		case err != nil:
			e.state, e.lastErr = StateError, err.Error()
		default:
			e.state, e.lastErr, e.lastSync = StateIdle, "", e.now()
		}
		again := e.rerun && ctx.Err() == nil
		e.rerun = false
		if !again {
			e.running = false
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("sync failed", "error", err)
		} else {
			e.logger.Info("sync finished")
		}
		if !again {
			return
		}
	}
}

func (e *Engine) setState(s State, lastErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUnauthorized {
		return
	}
	e.state, e.lastErr = s, lastErr
}

func (e *Engine) push(ctx context.Context) error {
	doc, err := e.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	target := strings.TrimSuffix(e.cfg.RemoteURL, "/") + "/scripts.json"

	op := func() (struct{}, error) {
		reqCtx := ctx
		if e.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)

		resp, err := e.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, fmt.Errorf("push: %s", resp.Status)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, backoff.Permanent(fmt.Errorf("push: %s", resp.Status))
		default:
			return struct{}{}, fmt.Errorf("push: %s", resp.Status)
		}
	}

	tries := e.cfg.MaxRetries + 1
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(e.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("sync push retrying", "error", err, "in", next)
		}),
	)
	return err
}

// States reports every service; there is one.
func (e *Engine) States() []ServiceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := ServiceState{Name: serviceName, State: e.state, LastError: e.lastErr}
	if !e.lastSync.IsZero() {
		st.LastSync = e.lastSync.UnixMilli()
	}
	return []ServiceState{st}
}

// Wait blocks until no run is in flight.
func (e *Engine) Wait() {
	e.wg.Wait()
}
