package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/options"
)

type memOptions struct {
	mu   sync.Mutex
	vals map[string]any
	err  error
}

func (m *memOptions) Bool(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := m.vals[key].(bool)
	return b
}

func (m *memOptions) Set(_ context.Context, key string, v any) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]any{}
	}
	m.vals[key] = v
	return nil
}

func newTestEngine(url string, opts Options, snapshot SnapshotFunc) *Engine {
	e := New(Config{RemoteURL: url, Token: "tok", MaxRetries: 2, Timeout: time.Second},
		nil, snapshot, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return e
}

func staticSnapshot(ctx context.Context) (any, error) {
	return map[string]any{"items": []string{"a"}}, nil
}

func TestAuthorizePushesSnapshot(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/scripts.json", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	opts := &memOptions{}
	e := newTestEngine(srv.URL, opts, staticSnapshot)
	assert.Equal(t, StateUnauthorized, e.States()[0].State)

	require.NoError(t, e.Authorize(context.Background()))
	assert.True(t, opts.Bool(options.KeySyncAuthorized))

	select {
	case body := <-got:
		assert.Equal(t, []any{"a"}, body["items"])
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never pushed")
	}
	e.Wait()

	st := e.States()[0]
	assert.Equal(t, StateIdle, st.State)
	assert.NotZero(t, st.LastSync)
}

func TestAuthorizeNeedsConfig(t *testing.T) {
	e := New(Config{}, nil, staticSnapshot, &memOptions{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, e.Authorize(context.Background()))
}

func TestSyncWithoutAuthorizationIsNoop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	e := newTestEngine(srv.URL, &memOptions{}, staticSnapshot)
	e.Sync()
	e.Wait()
	assert.Zero(t, hits.Load())
}

func TestSyncCoalescesIntoOneRerun(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()

	opts := &memOptions{vals: map[string]any{options.KeySyncAuthorized: true}}
	e := newTestEngine(srv.URL, opts, staticSnapshot)

	e.Sync()
	<-entered
	for range 5 {
		e.Sync()
	}
	close(release)
	e.Wait()

	assert.Equal(t, int32(2), hits.Load())
}

func TestServerErrorsRetryThenReport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := &memOptions{vals: map[string]any{options.KeySyncAuthorized: true}}
	e := newTestEngine(srv.URL, opts, staticSnapshot)
	e.Sync()
	e.Wait()

	assert.Equal(t, int32(3), hits.Load(), "first try plus max_retries")
	st := e.States()[0]
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "502")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	opts := &memOptions{vals: map[string]any{options.KeySyncAuthorized: true}}
	e := newTestEngine(srv.URL, opts, staticSnapshot)
	e.Sync()
	e.Wait()

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, StateError, e.States()[0].State)
}

func TestSnapshotFailure(t *testing.T) {
	opts := &memOptions{vals: map[string]any{options.KeySyncAuthorized: true}}
	e := newTestEngine("http://127.0.0.1:1", opts, func(context.Context) (any, error) {
		return nil, errors.New("db locked")
	})
	e.Sync()
	e.Wait()
	assert.Contains(t, e.States()[0].LastError, "db locked")
}

func TestRevoke(t *testing.T) {
	opts := &memOptions{vals: map[string]any{options.KeySyncAuthorized: true}}
	e := newTestEngine("http://127.0.0.1:1", opts, staticSnapshot)
	assert.Equal(t, StateIdle, e.States()[0].State)

	require.NoError(t, e.Revoke(context.Background()))
	e.Wait()
	assert.False(t, opts.Bool(options.KeySyncAuthorized))
	assert.Equal(t, StateUnauthorized, e.States()[0].State)
}
