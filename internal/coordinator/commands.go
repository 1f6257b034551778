package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/scriptd/internal/cache"
	"github.com/mattjoyce/scriptd/internal/clipboard"
	"github.com/mattjoyce/scriptd/internal/cloudsync"
	"github.com/mattjoyce/scriptd/internal/dispatch"
	"github.com/mattjoyce/scriptd/internal/notify"
	"github.com/mattjoyce/scriptd/internal/options"
	"github.com/mattjoyce/scriptd/internal/protocol"
	"github.com/mattjoyce/scriptd/internal/request"
	"github.com/mattjoyce/scriptd/internal/script"
)

// Registry returns the command table. Handlers that write to a store do so
// before returning, on the dispatch loop, so writes land in arrival order.
// Only replies, pushes and network-bound work are deferred.
func (c *Coordinator) Registry() *dispatch.Registry {
	return dispatch.NewRegistry(map[string]dispatch.Handler{
		"NewScript":        c.newScript,
		"RemoveScript":     c.removeScript,
		"GetData":          c.getData,
		"GetInjected":      c.getInjected,
		"UpdateScriptInfo": c.updateScriptInfo,
		"SetValue":         c.setValue,
		"ExportZip":        c.exportZip,
		"GetScript":        c.getScript,
		"GetMetas":         c.getMetas,
		"Move":             c.move,
		"Vacuum":           c.vacuum,
		"ParseScript":      c.parseScript,
		"CheckUpdate":      c.checkUpdate,
		"CheckUpdateAll":   c.checkUpdateAll,
		"ParseMeta":        c.parseMeta,
		"AutoUpdate":       c.autoUpdateCmd,
		"GetRequestId":     c.getRequestID,
		"HttpRequest":      c.httpRequest,
		"AbortRequest":     c.abortRequest,
		"SetBadge":         c.setBadge,
		"SyncAuthorize":    c.syncAuthorize,
		"SyncRevoke":       c.syncRevoke,
		"SyncStart":        c.syncStart,
		"GetFromCache":     c.getFromCache,
		"Notification":     c.notification,
		"SetClipboard":     c.setClipboard,
		"OpenTab":          c.openTab,
		"GetAllOptions":    c.getAllOptions,
		"GetOptions":       c.getOptions,
		"SetOptions":       c.setOptions,
	})
}

func decode[T any](cmd string, data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("%s: missing data", cmd)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%s: decode data: %w", cmd, err)
	}
	return v, nil
}

func (c *Coordinator) newScript(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	return dispatch.Value(script.NewScript())
}

func (c *Coordinator) removeScript(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	id, err := decode[int64]("RemoveScript", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	if err := c.Scripts.Remove(ctx, id); err != nil {
		return dispatch.Fail(err)
	}
	c.Sync.Sync()
	return dispatch.Value(nil)
}

// CatalogData is the GetData reply.
type CatalogData struct {
	Scripts []script.Script          `json:"scripts"`
	Sync    []cloudsync.ServiceState `json:"sync"`
	Version string                   `json:"version"`
}

func (c *Coordinator) getData(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		data, err := c.Scripts.GetData(ctx)
		if err != nil {
			return nil, err
		}
		return &CatalogData{Scripts: data.Scripts, Sync: c.Sync.States(), Version: c.Version}, nil
	})
}

// InjectedData is the GetInjected reply. The script fields are set only
// while scripts are applied.
type InjectedData struct {
	IsApplied  bool   `json:"isApplied"`
	InjectMode any    `json:"injectMode"`
	Version    string `json:"version"`
	*script.Injected
}

func (c *Coordinator) getInjected(_ context.Context, data json.RawMessage, src protocol.Source) dispatch.Result {
	pageURL, err := decode[string]("GetInjected", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	reply := &InjectedData{
		IsApplied:  c.Options.Bool(options.KeyIsApplied),
		InjectMode: c.Options.Get(options.KeyInjectMode),
		Version:    c.Version,
	}
	// Sub-frames share the tab badge, so only the top frame asks for it.
	if tab, ok := src.(protocol.TabSource); ok && tab.IsTopFrame() {
		if err := c.Host.SendTab(tab.Tab.ID, protocol.Message{Cmd: protocol.PushGetBadge}); err != nil {
			c.logger.Debug("badge ping not delivered", "tab_id", tab.Tab.ID, "error", err)
		}
	}
	if !reply.IsApplied {
		return dispatch.Value(reply)
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		injected, err := c.Scripts.ScriptsByURL(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		reply.Injected = injected
		return reply, nil
	})
}

type scriptInfoUpdate struct {
	ID int64 `json:"id"`
	script.InfoPatch
}

func (c *Coordinator) updateScriptInfo(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[scriptInfoUpdate]("UpdateScriptInfo", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	sc, err := c.Scripts.UpdateInfo(ctx, in.ID, in.InfoPatch, c.Now())
	if err != nil {
		return dispatch.Fail(err)
	}
	c.Sync.Sync()
	c.Host.SendRuntime(protocol.Message{Cmd: protocol.PushUpdateScript, Data: sc})
	return dispatch.Value(nil)
}

// ValuesUpdate is the SetValue payload and the UpdateValues push.
type ValuesUpdate struct {
	URI    string          `json:"uri"`
	Values json.RawMessage `json:"values"`
}

func (c *Coordinator) setValue(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[ValuesUpdate]("SetValue", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	if in.URI == "" {
		return dispatch.Fail(errors.New("SetValue: uri is required"))
	}
	if err := c.Scripts.SetValues(ctx, in.URI, in.Values); err != nil {
		return dispatch.Fail(err)
	}
	c.Broadcast.Broadcast(ctx, protocol.Message{Cmd: protocol.PushUpdateValues, Data: in})
	return dispatch.Value(nil)
}

type exportRequest struct {
	IDs    []int64 `json:"ids"`
	Values bool    `json:"values"`
}

func (c *Coordinator) exportZip(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[exportRequest]("ExportZip", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		return c.Scripts.ExportData(ctx, in.IDs, in.Values)
	})
}

func (c *Coordinator) getScript(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	id, err := decode[int64]("GetScript", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		return c.Scripts.Get(ctx, id)
	})
}

func (c *Coordinator) getMetas(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	ids, err := decode[[]int64]("GetMetas", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		return c.Scripts.Infos(ctx, ids)
	})
}

type moveRequest struct {
	ID     int64 `json:"id"`
	Offset int   `json:"offset"`
}

func (c *Coordinator) move(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[moveRequest]("Move", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	if err := c.Scripts.Move(ctx, in.ID, in.Offset); err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Value(nil)
}

func (c *Coordinator) vacuum(ctx context.Context, _ json.RawMessage, _ protocol.Source) dispatch.Result {
	if err := c.Scripts.Vacuum(ctx); err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Value(nil)
}

func (c *Coordinator) parseScript(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[script.ParseRequest]("ParseScript", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		res, err := c.Scripts.Parse(ctx, in)
		if err != nil {
			return nil, err
		}
		if meta := res.Data.Meta; !meta.HasGrants() && !c.Options.Bool(options.KeyIgnoreGrant) {
			c.warnGrant(ctx, meta.Name)
		}
		c.Host.SendRuntime(protocol.Message{Cmd: res.Cmd, Data: res.Data})
		c.Sync.Sync()
		return res.Data, nil
	})
}

func (c *Coordinator) warnGrant(ctx context.Context, name string) {
	if name == "" {
		name = "No name"
	}
	n := protocol.Notification{
		ID:        notify.GrantWarningID,
		Title:     "Warning - " + c.NotificationTitle,
		Message:   fmt.Sprintf("Script %q declares no @grant. Add \"// @grant none\" if it needs no special API.", name),
		IconURL:   c.NotificationImage,
		Clickable: true,
	}
	if _, err := c.Host.CreateNotification(ctx, n); err != nil {
		c.logger.Warn("grant warning not shown", "script", name, "error", err)
	}
}

func (c *Coordinator) checkUpdate(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	id, err := decode[int64]("CheckUpdate", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	c.goAsync("CheckUpdate", func() error {
		sc, err := c.Scripts.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = c.Scripts.CheckUpdate(ctx, sc)
		return err
	})
	return dispatch.NoReply()
}

func (c *Coordinator) checkUpdateAll(ctx context.Context, _ json.RawMessage, _ protocol.Source) dispatch.Result {
	c.goAsync("CheckUpdateAll", func() error { return c.CheckAll(ctx) })
	return dispatch.NoReply()
}

func (c *Coordinator) parseMeta(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	code, err := decode[string]("ParseMeta", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	// Code without a metadata block still gets an empty meta, never an error.
	meta, _ := script.ParseMeta(code)
	return dispatch.Value(meta)
}

func (c *Coordinator) autoUpdateCmd(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	c.autoUpdate()
	return dispatch.NoReply()
}

func (c *Coordinator) getRequestID(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	return dispatch.Value(c.Requests.NewID())
}

func (c *Coordinator) httpRequest(ctx context.Context, data json.RawMessage, src protocol.Source) dispatch.Result {
	details, err := decode[request.Details]("HttpRequest", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	tab, ok := src.(protocol.TabSource)
	if !ok {
		return dispatch.Fail(errors.New("HttpRequest: source has no tab"))
	}
	err = c.Requests.Do(ctx, details, func(res request.Result) {
		if err := c.Host.SendTab(tab.Tab.ID, protocol.Message{Cmd: protocol.PushHTTPRequested, Data: res}); err != nil {
			c.logger.Debug("request result not delivered", "request_id", res.ID, "tab_id", tab.Tab.ID, "error", err)
		}
	})
	if err != nil {
		c.logger.Warn("http request rejected", "request_id", details.ID, "error", err)
	}
	return dispatch.NoReply()
}

func (c *Coordinator) abortRequest(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	id, err := decode[string]("AbortRequest", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	if !c.Requests.Abort(id) {
		c.logger.Debug("abort for unknown request", "request_id", id)
	}
	return dispatch.NoReply()
}

func (c *Coordinator) setBadge(_ context.Context, data json.RawMessage, src protocol.Source) dispatch.Result {
	n, err := decode[int]("SetBadge", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	c.Badges.Increment(n, src)
	return dispatch.NoReply()
}

func (c *Coordinator) syncAuthorize(ctx context.Context, _ json.RawMessage, _ protocol.Source) dispatch.Result {
	c.goAsync("SyncAuthorize", func() error { return c.Sync.Authorize(ctx) })
	return dispatch.NoReply()
}

func (c *Coordinator) syncRevoke(ctx context.Context, _ json.RawMessage, _ protocol.Source) dispatch.Result {
	c.goAsync("SyncRevoke", func() error { return c.Sync.Revoke(ctx) })
	return dispatch.NoReply()
}

func (c *Coordinator) syncStart(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	c.Sync.Sync()
	return dispatch.NoReply()
}

func (c *Coordinator) getFromCache(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	key, err := decode[string]("GetFromCache", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	v, err := c.Cache.Get(key)
	if errors.Is(err, cache.ErrNotFound) {
		return dispatch.Value(nil)
	}
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Value(string(v))
}

type notificationRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (c *Coordinator) notification(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[notificationRequest]("Notification", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	n := protocol.Notification{Title: in.Title, Message: in.Text, IconURL: in.Image}
	if n.Title == "" {
		n.Title = c.NotificationTitle
	}
	if n.IconURL == "" {
		n.IconURL = c.NotificationImage
	}
	return dispatch.Defer(func(ctx context.Context) (any, error) {
		return c.Host.CreateNotification(ctx, n)
	})
}

func (c *Coordinator) setClipboard(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	p, err := decode[clipboard.Payload]("SetClipboard", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	c.goAsync("SetClipboard", func() error { return c.Clipboard.Set(p) })
	return dispatch.NoReply()
}

type openTabRequest struct {
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func (c *Coordinator) openTab(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	in, err := decode[openTabRequest]("OpenTab", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	if strings.TrimSpace(in.URL) == "" {
		return dispatch.Fail(errors.New("OpenTab: url is required"))
	}
	c.goAsync("OpenTab", func() error { return c.Host.OpenTab(ctx, in.URL, in.Active) })
	return dispatch.NoReply()
}

func (c *Coordinator) getAllOptions(context.Context, json.RawMessage, protocol.Source) dispatch.Result {
	return dispatch.Value(c.Options.GetAll())
}

func (c *Coordinator) getOptions(_ context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	keys, err := decode[[]string]("GetOptions", data)
	if err != nil {
		return dispatch.Fail(err)
	}
	return dispatch.Value(c.Options.GetMany(keys))
}

// setOptions takes one {key, value} or a list of them.
func (c *Coordinator) setOptions(ctx context.Context, data json.RawMessage, _ protocol.Source) dispatch.Result {
	var items []options.Item
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		list, err := decode[[]options.Item]("SetOptions", data)
		if err != nil {
			return dispatch.Fail(err)
		}
		items = list
	} else {
		item, err := decode[options.Item]("SetOptions", data)
		if err != nil {
			return dispatch.Fail(err)
		}
		items = []options.Item{item}
	}
	if err := c.Options.SetMany(ctx, items); err != nil {
		c.logger.Error("set options failed", "keys", len(items), "error", err)
	}
	return dispatch.NoReply()
}
