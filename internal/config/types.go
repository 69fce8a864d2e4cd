package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the linkshelf process reads at startup.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Persist PersistConfig `koanf:"persist"`
	Worker  WorkerConfig  `koanf:"worker"`
	Update  UpdateConfig  `koanf:"update"`
	Library LibraryConfig `koanf:"library"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"serviceName"`
}

// StorageConfig selects the durable key-value backend.
type StorageConfig struct {
	Backend string       `koanf:"backend"`
	SQLite  SQLiteConfig `koanf:"sqlite"`
	Redis   RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig is shared by the key-value backend and the worker cache
// storage; each uses its own namespace.
type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PersistConfig tunes the debounced persistence store.
type PersistConfig struct {
	DebounceMillis int `koanf:"debounceMillis"`
}

// Debounce returns the configured debounce window.
func (c PersistConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// WorkerConfig describes the offline worker: where the shell lives, how
// cache generations are named and how requests are classified.
type WorkerConfig struct {
	Origin               string                 `koanf:"origin"`
	CachePrefix          string                 `koanf:"cachePrefix"`
	CacheBackend         string                 `koanf:"cacheBackend"`
	CacheNamespace       string                 `koanf:"cacheNamespace"`
	ReleaseFile          string                 `koanf:"releaseFile"`
	Version              string                 `koanf:"version"`
	Precache             []string               `koanf:"precache"`
	OfflinePath          string                 `koanf:"offlinePath"`
	OfflineBody          string                 `koanf:"offlineBody"`
	OfflineBodyFile      string                 `koanf:"offlineBodyFile"`
	TemplateDir          string                 `koanf:"templateDir"`
	RefreshTimeoutMillis int                    `koanf:"refreshTimeoutMillis"`
	Classifier           []ClassifierRuleConfig `koanf:"classifier"`
}

// ClassifierRuleConfig maps a CEL expression over the request to a caching strategy.
type ClassifierRuleConfig struct {
	Expression string `koanf:"expression"`
	Strategy   string `koanf:"strategy"`
}

// RefreshTimeout bounds background revalidation fetches.
func (c WorkerConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutMillis) * time.Millisecond
}

// UpdateConfig tunes the update detector.
type UpdateConfig struct {
	CheckTimeoutMillis int `koanf:"checkTimeoutMillis"`
	ErrorDismissMillis int `koanf:"errorDismissMillis"`
}

func (c UpdateConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutMillis) * time.Millisecond
}

func (c UpdateConfig) ErrorDismiss() time.Duration {
	return time.Duration(c.ErrorDismissMillis) * time.Millisecond
}

// LibraryConfig carries options for the link and note collections.
type LibraryConfig struct {
	ExportNameTemplate string `koanf:"exportNameTemplate"`
}

var knownStrategies = map[string]struct{}{
	"cache-first":            {},
	"network-first":          {},
	"stale-while-revalidate": {},
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch normalize(c.Storage.Backend) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return errors.New("config: storage.sqlite.path required for sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Address) == "" {
			return errors.New("config: storage.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: storage.backend unsupported: %s", c.Storage.Backend)
	}
	if c.Persist.DebounceMillis <= 0 {
		return fmt.Errorf("config: persist.debounceMillis invalid: %d", c.Persist.DebounceMillis)
	}
	if strings.TrimSpace(c.Worker.Origin) == "" {
		return errors.New("config: worker.origin required")
	}
	origin, err := url.Parse(c.Worker.Origin)
	if err != nil {
		return fmt.Errorf("config: worker.origin invalid: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("config: worker.origin must be http or https: %s", c.Worker.Origin)
	}
	switch normalize(c.Worker.CacheBackend) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Address) == "" {
			return errors.New("config: storage.redis.address required for redis worker cache")
		}
	default:
		return fmt.Errorf("config: worker.cacheBackend unsupported: %s", c.Worker.CacheBackend)
	}
	if strings.TrimSpace(c.Worker.ReleaseFile) == "" && strings.TrimSpace(c.Worker.Version) == "" {
		return errors.New("config: worker.version required when worker.releaseFile is empty")
	}
	if strings.TrimSpace(c.Worker.OfflineBodyFile) != "" && strings.TrimSpace(c.Worker.TemplateDir) == "" {
		return errors.New("config: worker.templateDir required when worker.offlineBodyFile is set")
	}
	if c.Worker.RefreshTimeoutMillis < 0 {
		return fmt.Errorf("config: worker.refreshTimeoutMillis invalid: %d", c.Worker.RefreshTimeoutMillis)
	}
	for i, rule := range c.Worker.Classifier {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("config: worker.classifier[%d].expression empty", i)
		}
		if _, ok := knownStrategies[normalize(rule.Strategy)]; !ok {
			return fmt.Errorf("config: worker.classifier[%d].strategy unsupported: %s", i, rule.Strategy)
		}
	}
	if c.Update.CheckTimeoutMillis <= 0 {
		return fmt.Errorf("config: update.checkTimeoutMillis invalid: %d", c.Update.CheckTimeoutMillis)
	}
	if c.Update.ErrorDismissMillis < 0 {
		return fmt.Errorf("config: update.errorDismissMillis invalid: %d", c.Update.ErrorDismissMillis)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Telemetry: TelemetryConfig{
				ServiceName: "linkshelf",
			},
		},
		Storage: StorageConfig{
			Backend: "memory",
			SQLite:  SQLiteConfig{Path: "./linkshelf.db"},
			Redis:   RedisConfig{Namespace: "linkshelf:kv:"},
		},
		Persist: PersistConfig{DebounceMillis: 300},
		Worker: WorkerConfig{
			Origin:         "http://127.0.0.1:5173",
			CachePrefix:    "link-manager",
			CacheBackend:   "memory",
			CacheNamespace: "linkshelf:cache",
			Version:        "v1",
			Precache: []string{
				"/",
				"/index.html",
				"/manifest.json",
				"/pwa-192x192.svg",
				"/pwa-512x512.svg",
			},
			OfflinePath:          "/",
			OfflineBody:          "Offline: unable to reach the network",
			RefreshTimeoutMillis: 10000,
		},
		Update: UpdateConfig{
			CheckTimeoutMillis: 2000,
			ErrorDismissMillis: 3000,
		},
		Library: LibraryConfig{
			ExportNameTemplate: `links-{{ now | date "2006-01-02" }}.json`,
		},
	}
}

func normalize(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
