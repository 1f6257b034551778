package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/scriptd/internal/api"
	"github.com/mattjoyce/scriptd/internal/badge"
	"github.com/mattjoyce/scriptd/internal/broadcast"
	"github.com/mattjoyce/scriptd/internal/cache"
	"github.com/mattjoyce/scriptd/internal/clipboard"
	"github.com/mattjoyce/scriptd/internal/cloudsync"
	"github.com/mattjoyce/scriptd/internal/config"
	"github.com/mattjoyce/scriptd/internal/coordinator"
	"github.com/mattjoyce/scriptd/internal/dispatch"
	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/gateway"
	"github.com/mattjoyce/scriptd/internal/lock"
	"github.com/mattjoyce/scriptd/internal/log"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/notify"
	"github.com/mattjoyce/scriptd/internal/options"
	"github.com/mattjoyce/scriptd/internal/protocol"
	"github.com/mattjoyce/scriptd/internal/request"
	"github.com/mattjoyce/scriptd/internal/scheduler"
	"github.com/mattjoyce/scriptd/internal/script"
	"github.com/mattjoyce/scriptd/internal/storage"
	"github.com/mattjoyce/scriptd/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "status":
		return runStatus(args)
	case "monitor":
		return runMonitor(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: scriptd version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("scriptd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`scriptd - userscript manager background coordinator

Usage:
  scriptd <command> [flags]

Commands:
  start             Run the coordinator in the foreground
  status            Check config, state database and instance lock
  monitor           Live view of commands, connections and auto-update
  config check      Validate a config file
  config lock       Record the config's BLAKE3 hash so edits are refused
  version           Show version information
  help              Show this help message

Common flags:
  --config PATH     Config file or directory (default: $SCRIPTD_CONFIG,
                    ~/.config/scriptd/config.yaml, ./config.yaml)
`)
}

func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return config.DiscoverConfigPath()
}

// lockPath puts the instance lock next to the state database.
func lockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "scriptd.lock")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: scriptd config <check|lock> [--config PATH]")
		return 0
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Config OK: %s\n", cfg.SourcePath)
	fmt.Printf("  listen: %s\n", cfg.API.Listen)
	fmt.Printf("  state:  %s\n", cfg.State.Path)
	fmt.Printf("  cache:  %s\n", cfg.State.CachePath)
	if cfg.Sync.RemoteURL != "" {
		fmt.Printf("  sync:   %s\n", cfg.Sync.RemoteURL)
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}
	hash, err := config.WriteChecksum(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", path)
	fmt.Printf("  blake3: %s\n", hash)
	fmt.Printf("  file:   %s\n", config.ChecksumPath(path))
	return 0
}

// dispatcherRef lets the gateway exist before the command table it feeds.
// Connections are only accepted after the API starts, by which point d is set.
type dispatcherRef struct {
	d *dispatch.Dispatcher
}

func (r *dispatcherRef) Submit(req *protocol.Request, src protocol.Source, respond dispatch.Responder) bool {
	return r.d.Submit(req, src, respond)
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)
	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			result := "OK"
			if !c.OK {
				result = "FAIL"
			}
			fmt.Printf("%s: %s", c.Name, result)
			if c.Detail != "" {
				fmt.Printf(" (%s)", c.Detail)
			}
			fmt.Println()
		}
	}
	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configFlag string) statusReport {
	var report statusReport
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
	}

	path, err := resolveConfigPath(configFlag)
	var cfg *config.Config
	if err == nil {
		cfg, err = config.Load(path)
	}
	if err != nil {
		add("config_load", false, err.Error())
		add("state_db", false, "config not loaded")
		add("cache_db", false, "config not loaded")
		add("pid_lock", false, "config not loaded")
		return report
	}
	add("config_load", true, cfg.SourcePath)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		add("state_db", false, err.Error())
	} else {
		_ = db.Close()
		add("state_db", true, cfg.State.Path)
	}

	if _, err := os.Stat(cfg.State.CachePath); err == nil || errors.Is(err, os.ErrNotExist) {
		add("cache_db", true, cfg.State.CachePath)
	} else {
		add("cache_db", false, err.Error())
	}

	lp := lockPath(cfg)
	pl, err := lock.AcquirePIDLock(lp)
	switch {
	case err == nil:
		_ = pl.Release()
		add("pid_lock", true, "not running")
	case errors.Is(err, lock.ErrLocked):
		detail := "running"
		if pid, perr := lock.HolderPID(lp); perr == nil {
			detail = fmt.Sprintf("running (pid %d)", pid)
		}
		add("pid_lock", true, detail)
	default:
		add("pid_lock", false, err.Error())
	}

	report.Healthy = true
	for _, c := range report.Checks {
		if !c.OK {
			report.Healthy = false
		}
	}
	return report
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8787", "Coordinator API URL")
	apiKey := fs.String("api-key", os.Getenv("SCRIPTD_API_KEY"), "API key for /events")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("scriptd starting", "version", version, "config", cfg.SourcePath)

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		logger.Error("failed to create state directory", "error", err)
		return 1
	}
	pidLock, err := lock.AcquirePIDLock(lockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath(cfg), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(256)
	m := metrics.New()
	httpClient := &http.Client{}

	opts, err := options.Open(ctx, db)
	if err != nil {
		logger.Error("failed to load options", "error", err)
		return 1
	}

	valueCache, err := cache.Open(cfg.State.CachePath,
		cache.WithLogger(log.Get()),
	)
	if err != nil {
		logger.Error("failed to open cache", "path", cfg.State.CachePath, "error", err)
		return 1
	}
	defer valueCache.Close()

	// The coordinator does not exist yet when the store opens; updates found
	// before it is built are logged and dropped.
	var onScriptUpdate func(script.ParseResult)
	scripts, err := script.Open(ctx, db,
		script.WithFetcher(script.HTTPFetcher{Client: httpClient, MaxBody: cfg.Requests.MaxBodyBytes}),
		script.WithCache(valueCache),
		script.WithLogger(log.Get()),
		script.OnUpdate(func(res script.ParseResult) {
			if onScriptUpdate == nil {
				logger.Warn("script update before coordinator ready", "cmd", res.Cmd)
				return
			}
			onScriptUpdate(res)
		}),
	)
	if err != nil {
		logger.Error("failed to open script store", "error", err)
		return 1
	}

	syncer := cloudsync.New(cloudsync.Config{
		RemoteURL:  cfg.Sync.RemoteURL,
		Token:      cfg.Sync.Token,
		MaxRetries: uint(cfg.Sync.MaxRetries),
		Timeout:    cfg.Sync.Timeout,
	}, httpClient, func(ctx context.Context) (any, error) {
		return scripts.Snapshot(ctx)
	}, opts, log.WithComponent("sync"))

	proxy := request.New(httpClient, cfg.Requests.Timeout, cfg.Requests.MaxBodyBytes, log.Get(), m)
	defer proxy.Close()

	inbound := &dispatcherRef{}
	gw := gateway.New(gateway.Config{AllowedOrigins: cfg.API.AllowedOrigins}, inbound, log.Get(), m, hub)
	defer gw.Close()

	bc := broadcast.New(gw, log.Get(), m, hub)
	gw.SetEventHandler(notify.NewRouter(gw, bc, cfg.Notifications.GrantHelpURL, log.Get(), hub))

	badges := badge.New(gw, func() bool { return opts.Bool(options.KeyShowBadge) }, log.Get(),
		badge.WithTTL(cfg.Badge.TTL),
		badge.WithColor(cfg.Badge.Color),
		badge.WithEvents(hub),
		badge.WithMetrics(m),
	)
	defer badges.Close()

	coord := coordinator.New(coordinator.Deps{
		Options:           opts,
		Scripts:           scripts,
		Sync:              syncer,
		Requests:          proxy,
		Cache:             valueCache,
		Clipboard:         clipboard.New(),
		Host:              gw,
		Broadcast:         bc,
		Badges:            badges,
		Version:           version,
		NotificationTitle: cfg.Notifications.DefaultTitle,
		NotificationImage: cfg.Notifications.DefaultImage,
	}, log.Get())
	onScriptUpdate = coord.ScriptUpdated
	reg := coord.Registry()
	disp := dispatch.New(reg, log.Get(), m, hub)
	inbound.d = disp
	coord.Start()
	defer coord.Close()

	errCh := make(chan error, 2)
	go sweepCache(ctx, valueCache, time.Hour, logger)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		InitialDelay: cfg.AutoUpdate.InitialDelay,
		Interval:     cfg.AutoUpdate.Interval,
		MinElapsed:   cfg.AutoUpdate.MinElapsed,
	}, opts, coord, hub, m, log.Get())
	coord.SetAutoUpdater(sched)
	sched.Start(ctx)
	defer sched.Stop()

	syncer.Initialize(ctx)
	defer syncer.Wait()

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.APIKey,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Version:        version,
	}, api.Deps{
		Gateway:      gw,
		Scheduler:    sched,
		Dispatcher:   disp,
		BadgeEntries: badges.Len,
		InFlight:     proxy.InFlight,
		Commands:     reg.Names,
		Metrics:      m.Handler(),
		Events:       hub,
	}, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	// Handlers registered; accept queued commands.
	disp.Open()
	logger.Info("scriptd running (press Ctrl+C to stop)", "listen", cfg.API.Listen, "commands", len(reg.Names()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	logger.Info("scriptd stopped")
	return code
}

// sweepCache drops expired cache entries until ctx is done.
func sweepCache(ctx context.Context, c *cache.Cache, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep()
			if err != nil {
				logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache swept", "removed", n)
			}
		}
	}
}
