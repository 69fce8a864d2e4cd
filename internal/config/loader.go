package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.telemetry.servicename": "server.telemetry.serviceName",
			"storage.redis.tls.cafile":     "storage.redis.tls.caFile",
			"persist.debouncemillis":       "persist.debounceMillis",
			"worker.cacheprefix":           "worker.cachePrefix",
			"worker.cachebackend":          "worker.cacheBackend",
			"worker.cachenamespace":        "worker.cacheNamespace",
			"worker.releasefile":           "worker.releaseFile",
			"worker.offlinepath":           "worker.offlinePath",
			"worker.offlinebody":           "worker.offlineBody",
			"worker.offlinebodyfile":       "worker.offlineBodyFile",
			"worker.templatedir":           "worker.templateDir",
			"worker.refreshtimeoutmillis":  "worker.refreshTimeoutMillis",
			"update.checktimeoutmillis":    "update.checkTimeoutMillis",
			"update.errordismissmillis":    "update.errorDismissMillis",
			"library.exportnametemplate":   "library.exportNameTemplate",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"telemetry": map[string]any{
				"endpoint":    cfg.Server.Telemetry.Endpoint,
				"serviceName": cfg.Server.Telemetry.ServiceName,
			},
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"sqlite": map[string]any{
				"path": cfg.Storage.SQLite.Path,
			},
			"redis": map[string]any{
				"address":   cfg.Storage.Redis.Address,
				"username":  cfg.Storage.Redis.Username,
				"password":  cfg.Storage.Redis.Password,
				"db":        cfg.Storage.Redis.DB,
				"namespace": cfg.Storage.Redis.Namespace,
				"tls": map[string]any{
					"enabled": cfg.Storage.Redis.TLS.Enabled,
					"caFile":  cfg.Storage.Redis.TLS.CAFile,
				},
			},
		},
		"persist": map[string]any{
			"debounceMillis": cfg.Persist.DebounceMillis,
		},
		"worker": map[string]any{
			"origin":               cfg.Worker.Origin,
			"cachePrefix":          cfg.Worker.CachePrefix,
			"cacheBackend":         cfg.Worker.CacheBackend,
			"cacheNamespace":       cfg.Worker.CacheNamespace,
			"releaseFile":          cfg.Worker.ReleaseFile,
			"version":              cfg.Worker.Version,
			"precache":             append([]string(nil), cfg.Worker.Precache...),
			"offlinePath":          cfg.Worker.OfflinePath,
			"offlineBody":          cfg.Worker.OfflineBody,
			"offlineBodyFile":      cfg.Worker.OfflineBodyFile,
			"templateDir":          cfg.Worker.TemplateDir,
			"refreshTimeoutMillis": cfg.Worker.RefreshTimeoutMillis,
		},
		"update": map[string]any{
			"checkTimeoutMillis": cfg.Update.CheckTimeoutMillis,
			"errorDismissMillis": cfg.Update.ErrorDismissMillis,
		},
		"library": map[string]any{
			"exportNameTemplate": cfg.Library.ExportNameTemplate,
		},
	}
}
