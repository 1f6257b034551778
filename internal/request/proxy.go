// Package request performs outbound HTTP requests on behalf of sandboxed
// scripts. Results are delivered through a callback rather than returned,
// so the caller can push them to the tab that asked.
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/scriptd/internal/metrics"
)

// Result event types.
const (
	TypeLoad    = "load"
	TypeError   = "error"
	TypeAbort   = "abort"
	TypeTimeout = "timeout"
)

var errAborted = errors.New("request aborted")

// ErrTooLarge means a response body exceeded the proxy's limit.
var ErrTooLarge = errors.New("response body too large")

// Details describes one request as sent by HttpRequest.
type Details struct {
	ID       string            `json:"id"`
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Data     string            `json:"data,omitempty"`
	User     string            `json:"user,omitempty"`
	Password string            `json:"password,omitempty"`
	// Timeout in milliseconds; zero uses the proxy default.
	Timeout int64 `json:"timeout,omitempty"`
}

// Result is delivered exactly once per Do.
type Result struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Status          int    `json:"status"`
	StatusText      string `json:"statusText"`
	ResponseHeaders string `json:"responseHeaders"`
	ResponseText    string `json:"responseText"`
	FinalURL        string `json:"finalUrl"`
	Error           string `json:"error,omitempty"`
}

type Proxy struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Proxy. A nil client uses a client without its own timeout;
// per-request contexts bound every request instead.
func New(client *http.Client, timeout time.Duration, maxBody int64, logger *slog.Logger, m *metrics.Metrics) *Proxy {
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{
		client:   client,
		timeout:  timeout,
		maxBody:  maxBody,
		logger:   logger.With("component", "request"),
		metrics:  m,
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// NewID returns a fresh correlation id for a future request.
func (p *Proxy) NewID() string {
	return uuid.NewString()
}

// Do starts the request on its own goroutine and returns immediately.
// deliver is called once with the outcome.
func (p *Proxy) Do(ctx context.Context, d Details, deliver func(Result)) error {
	if d.URL == "" {
		return errors.New("request: url is required")
	}
	if d.ID == "" {
		d.ID = p.NewID()
	}
	method := strings.ToUpper(d.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if d.Data != "" {
		body = strings.NewReader(d.Data)
	}

	reqCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(reqCtx, method, d.URL, body)
	if err != nil {
		cancel(nil)
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if d.User != "" || d.Password != "" {
		req.SetBasicAuth(d.User, d.Password)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel(nil)
		return errors.New("request: proxy closed")
	}
	if _, dup := p.inflight[d.ID]; dup {
		p.mu.Unlock()
		cancel(nil)
		return fmt.Errorf("request: id %s already in flight", d.ID)
	}
	p.inflight[d.ID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	timeout := p.timeout
	if d.Timeout > 0 {
		timeout = time.Duration(d.Timeout) * time.Millisecond
	}

	go func() {
		defer p.wg.Done()
		defer p.forget(d.ID, cancel)

		res := p.run(reqCtx, req, timeout)
		res.ID = d.ID
		p.metrics.ProxiedRequest(res.Type)
		p.logger.Debug("request settled", "id", d.ID, "type", res.Type, "status", res.Status)
		deliver(res)
	}()
	return nil
}

func (p *Proxy) run(ctx context.Context, req *http.Request, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.failure(ctx, err, req.URL.String())
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if p.maxBody > 0 {
		r = io.LimitReader(resp.Body, p.maxBody+1)
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return p.failure(ctx, err, resp.Request.URL.String())
	}
	if p.maxBody > 0 && int64(len(text)) > p.maxBody {
		return p.failure(ctx, fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, p.maxBody), resp.Request.URL.String())
	}

	return Result{
		Type:            TypeLoad,
		Status:          resp.StatusCode,
		StatusText:      http.StatusText(resp.StatusCode),
		ResponseHeaders: formatHeaders(resp.Header),
		ResponseText:    string(text),
		FinalURL:        resp.Request.URL.String(),
	}
}

func (p *Proxy) failure(ctx context.Context, err error, finalURL string) Result {
	res := Result{Type: TypeError, FinalURL: finalURL, Error: err.Error()}
	switch {
	case errors.Is(context.Cause(ctx), errAborted):
		res.Type = TypeAbort
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Type = TypeTimeout
	}
	return res
}

func (p *Proxy) forget(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
	cancel(nil)
}

// Abort cancels the in-flight request with id. It reports whether one was
// found; unknown ids are a no-op.
func (p *Proxy) Abort(id string) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel(errAborted)
	}
	return ok
}

// InFlight returns the number of requests not yet delivered.
func (p *Proxy) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Close aborts every in-flight request and waits for their deliveries.
func (p *Proxy) Close() {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.inflight {
		cancel(errAborted)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// formatHeaders renders headers the way XMLHttpRequest.getAllResponseHeaders does.
func formatHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strings.ToLower(k))
		b.WriteString(": ")
		b.WriteString(strings.Join(h[k], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}
