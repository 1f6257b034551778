package config

import "time"

// Config represents the complete scriptd configuration.
type Config struct {
	Service       ServiceConfig      `yaml:"service"`
	State         StateConfig        `yaml:"state"`
	API           APIConfig          `yaml:"api"`
	AutoUpdate    AutoUpdateConfig   `yaml:"autoupdate"`
	Badge         BadgeConfig        `yaml:"badge"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sync          SyncConfig         `yaml:"sync"`
	Requests      RequestsConfig     `yaml:"requests"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where persistent state lives.
type StateConfig struct {
	Path      string `yaml:"path"`
	CachePath string `yaml:"cache_path"`
}

// APIConfig defines the HTTP/websocket listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// APIKey protects /events. Websocket endpoints rely on loopback + origin checks.
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AutoUpdateConfig controls the auto-update wake cadence.
type AutoUpdateConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	MinElapsed   time.Duration `yaml:"min_elapsed"`
}

// BadgeConfig controls the toolbar badge counter.
type BadgeConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Color string        `yaml:"color"`
}

// NotificationConfig controls host notifications.
type NotificationConfig struct {
	GrantHelpURL string `yaml:"grant_help_url"`
	DefaultTitle string `yaml:"default_title"`
	DefaultImage string `yaml:"default_image"`
}

// SyncConfig defines the remote sync service.
type SyncConfig struct {
	RemoteURL  string        `yaml:"remote_url"`
	Token      string        `yaml:"token"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RequestsConfig bounds proxied HTTP requests.
type RequestsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "scriptd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:      "./data/scriptd.db",
			CachePath: "./data/cache.db",
		},
		API: APIConfig{
			Listen:         "127.0.0.1:8787",
			AllowedOrigins: []string{"chrome-extension://", "moz-extension://"},
		},
		AutoUpdate: AutoUpdateConfig{
			InitialDelay: 20 * time.Second,
			Interval:     time.Hour,
			MinElapsed:   24 * time.Hour,
		},
		Badge: BadgeConfig{
			TTL:   300 * time.Millisecond,
			Color: "#808",
		},
		Notifications: NotificationConfig{
			GrantHelpURL: "http://wiki.greasespot.net/@grant",
			DefaultTitle: "Violentmonkey",
			DefaultImage: "/public/images/icon128.png",
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		Requests: RequestsConfig{
			Timeout:      60 * time.Second,
			MaxBodyBytes: 16 << 20,
		},
	}
}
