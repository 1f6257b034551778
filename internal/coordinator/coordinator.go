package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/scriptd/internal/clipboard"
	"github.com/mattjoyce/scriptd/internal/cloudsync"
	"github.com/mattjoyce/scriptd/internal/dispatch"
	"github.com/mattjoyce/scriptd/internal/options"
	"github.com/mattjoyce/scriptd/internal/protocol"
	"github.com/mattjoyce/scriptd/internal/request"
	"github.com/mattjoyce/scriptd/internal/script"
)

const (
	// DefaultTitle is used for notifications that carry no title.
	DefaultTitle = "Violentmonkey"
	// DefaultImage is the notification icon when none is given.
	DefaultImage = "/public/images/icon128.png"
)

// Options is the subset of the options store the handlers use.
type Options interface {
	Bool(key string) bool
	Get(key string) any
	GetAll() map[string]any
	GetMany(keys []string) map[string]any
	SetMany(ctx context.Context, items []options.Item) error
	MarkUpdated(ctx context.Context, t time.Time) error
	Hook(fn options.HookFunc) func()
}

// Scripts is the script catalog.
type Scripts interface {
	Get(ctx context.Context, id int64) (*script.Script, error)
	Infos(ctx context.Context, ids []int64) ([]script.Script, error)
	GetData(ctx context.Context) (*script.Data, error)
	ScriptsByURL(ctx context.Context, pageURL string) (*script.Injected, error)
	UpdateInfo(ctx context.Context, id int64, patch script.InfoPatch, modified time.Time) (*script.Script, error)
	Remove(ctx context.Context, id int64) error
	SetValues(ctx context.Context, uri string, values json.RawMessage) error
	ExportData(ctx context.Context, ids []int64, withValues bool) (*script.Export, error)
	Move(ctx context.Context, id int64, offset int) error
	Vacuum(ctx context.Context) error
	Parse(ctx context.Context, req script.ParseRequest) (*script.ParseResult, error)
	CheckUpdate(ctx context.Context, sc *script.Script) (bool, error)
	CheckAll(ctx context.Context) error
}

type Syncer interface {
	Authorize(ctx context.Context) error
	Revoke(ctx context.Context) error
	Sync()
	States() []cloudsync.ServiceState
}

type Requests interface {
	NewID() string
	Do(ctx context.Context, d request.Details, deliver func(request.Result)) error
	Abort(id string) bool
}

type Cache interface {
	Get(key string) ([]byte, error)
}

type Clipboard interface {
	Set(p clipboard.Payload) error
}

// Host is the browser side: chrome operations plus pushes to tabs and pages.
type Host interface {
	SetIcon(applied bool) error
	CreateNotification(ctx context.Context, n protocol.Notification) (string, error)
	OpenTab(ctx context.Context, url string, active bool) error
	SendTab(tabID int, msg protocol.Message) error
	SendRuntime(msg protocol.Message)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message) int
}

type Badges interface {
	Increment(count int, src protocol.Source) int
}

// AutoUpdater is the scheduler's check-now path.
type AutoUpdater interface {
	Trigger() bool
}

// Deps are the collaborators a Coordinator routes commands to.
type Deps struct {
	Options   Options
	Scripts   Scripts
	Sync      Syncer
	Requests  Requests
	Cache     Cache
	Clipboard Clipboard
	Host      Host
	Broadcast Broadcaster
	Badges    Badges
	Version   string
	// NotificationTitle and NotificationImage fill in notifications that
	// omit them.
	NotificationTitle string
	NotificationImage string
	Now               func() time.Time
}

// Coordinator binds the command table to its collaborators.
type Coordinator struct {
	Deps
	logger *slog.Logger

	mu      sync.Mutex
	updater AutoUpdater
	unhook  func()
}

func New(deps Deps, logger *slog.Logger) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NotificationTitle == "" {
		deps.NotificationTitle = DefaultTitle
	}
	if deps.NotificationImage == "" {
		deps.NotificationImage = DefaultImage
	}
	return &Coordinator{
		Deps:   deps,
		logger: logger.With("component", "coordinator"),
	}
}

// SetAutoUpdater connects the AutoUpdate command to the scheduler, which
// in turn calls CheckAll.
func (c *Coordinator) SetAutoUpdater(u AutoUpdater) {
	c.mu.Lock()
	c.updater = u
	c.mu.Unlock()
}

// Start draws the toolbar icon from the current isApplied value and
// follows option changes from then on.
func (c *Coordinator) Start() {
	if err := c.Host.SetIcon(c.Options.Bool(options.KeyIsApplied)); err != nil {
		c.logger.Warn("set icon failed", "error", err)
	}
	unhook := c.Options.Hook(c.optionsChanged)
	c.mu.Lock()
	c.unhook = unhook
	c.mu.Unlock()
}

// Close stops following option changes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	unhook := c.unhook
	c.unhook = nil
	c.mu.Unlock()
	if unhook != nil {
		unhook()
	}
}

func (c *Coordinator) optionsChanged(changes map[string]any) {
	if v, ok := changes[options.KeyIsApplied]; ok {
		applied, _ := v.(bool)
		if err := c.Host.SetIcon(applied); err != nil {
			c.logger.Warn("set icon failed", "error", err)
		}
	}
	c.Host.SendRuntime(protocol.Message{Cmd: protocol.PushUpdateOptions, Data: changes})
}

// CheckAll stamps lastUpdate and then checks every script flagged for
// update, waiting for all checks to settle.
func (c *Coordinator) CheckAll(ctx context.Context) error {
	if err := c.Options.MarkUpdated(ctx, c.Now()); err != nil {
		return err
	}
	return c.Scripts.CheckAll(ctx)
}

// ScriptUpdated pushes a script replaced by an update check to the pages.
func (c *Coordinator) ScriptUpdated(res script.ParseResult) {
	c.Host.SendRuntime(protocol.Message{Cmd: res.Cmd, Data: res.Data})
	c.Sync.Sync()
}

func (c *Coordinator) autoUpdate() {
	c.mu.Lock()
	u := c.updater
	c.mu.Unlock()
	if u == nil {
		c.logger.Debug("auto update requested before the scheduler was attached")
		return
	}
	u.Trigger()
}

// goAsync runs fire-and-forget collaborator work.
func (c *Coordinator) goAsync(name string, fn func() error) {
	dispatch.Go(c.logger, name, fn)
}
