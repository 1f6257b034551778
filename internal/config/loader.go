package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory is accepted when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyChecksumIfPresent(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolveStatePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $SCRIPTD_CONFIG, ~/.config/scriptd/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SCRIPTD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "scriptd", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	return "", fmt.Errorf("no config found (set --config or $SCRIPTD_CONFIG)")
}

// resolveStatePaths makes relative state paths relative to the config file.
func resolveStatePaths(cfg *Config, baseDir string) {
	if !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(baseDir, cfg.State.Path)
	}
	if !filepath.IsAbs(cfg.State.CachePath) {
		cfg.State.CachePath = filepath.Join(baseDir, cfg.State.CachePath)
	}
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.CachePath == "" {
		cfg.State.CachePath = filepath.Join(filepath.Dir(cfg.State.Path), "cache.db")
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if len(cfg.API.AllowedOrigins) == 0 {
		cfg.API.AllowedOrigins = defaults.API.AllowedOrigins
	}

	if cfg.AutoUpdate.InitialDelay == 0 {
		cfg.AutoUpdate.InitialDelay = defaults.AutoUpdate.InitialDelay
	}
	if cfg.AutoUpdate.Interval == 0 {
		cfg.AutoUpdate.Interval = defaults.AutoUpdate.Interval
	}
	if cfg.AutoUpdate.MinElapsed == 0 {
		cfg.AutoUpdate.MinElapsed = defaults.AutoUpdate.MinElapsed
	}

	if cfg.Badge.TTL == 0 {
		cfg.Badge.TTL = defaults.Badge.TTL
	}
	if cfg.Badge.Color == "" {
		cfg.Badge.Color = defaults.Badge.Color
	}

	if cfg.Notifications.GrantHelpURL == "" {
		cfg.Notifications.GrantHelpURL = defaults.Notifications.GrantHelpURL
	}
	if cfg.Notifications.DefaultTitle == "" {
		cfg.Notifications.DefaultTitle = defaults.Notifications.DefaultTitle
	}
	if cfg.Notifications.DefaultImage == "" {
		cfg.Notifications.DefaultImage = defaults.Notifications.DefaultImage
	}

	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = defaults.Sync.MaxRetries
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = defaults.Sync.Timeout
	}

	if cfg.Requests.Timeout == 0 {
		cfg.Requests.Timeout = defaults.Requests.Timeout
	}
	if cfg.Requests.MaxBodyBytes == 0 {
		cfg.Requests.MaxBodyBytes = defaults.Requests.MaxBodyBytes
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.AutoUpdate.Interval < 0 || cfg.AutoUpdate.InitialDelay < 0 || cfg.AutoUpdate.MinElapsed < 0 {
		return fmt.Errorf("autoupdate durations must not be negative")
	}
	if cfg.Badge.TTL < 0 {
		return fmt.Errorf("badge.ttl must not be negative")
	}

	if err := checkUnresolved("api.api_key", cfg.API.APIKey); err != nil {
		return err
	}
	if err := checkUnresolved("sync.token", cfg.Sync.Token); err != nil {
		return err
	}

	if cfg.Sync.RemoteURL != "" {
		u, err := url.Parse(cfg.Sync.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sync.remote_url must be an absolute http(s) URL (got %q)", cfg.Sync.RemoteURL)
		}
	}
	if cfg.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if cfg.Requests.MaxBodyBytes < 0 {
		return fmt.Errorf("requests.max_body_bytes must not be negative")
	}
	return nil
}

// checkUnresolved rejects secrets that still contain a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
