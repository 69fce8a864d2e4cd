package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/linkshelf/internal/api"
	"github.com/l0p7/linkshelf/internal/config"
	"github.com/l0p7/linkshelf/internal/gate"
	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/library"
	"github.com/l0p7/linkshelf/internal/metrics"
	"github.com/l0p7/linkshelf/internal/offline"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/l0p7/linkshelf/internal/release"
	"github.com/l0p7/linkshelf/internal/server"
	"github.com/l0p7/linkshelf/internal/templates"
	"github.com/l0p7/linkshelf/internal/update"
	"github.com/prometheus/client_golang/prometheus"
)

// app is the assembled process: durable storage, the worker registration
// and the API on top of them.
type app struct {
	cfg     config.Config
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Recorder

	backend  kv.Backend
	store    *persist.Store
	caches   offline.CacheStorage
	reg      *offline.Registration
	detector *update.Detector
	api      *api.API
	origin   *url.URL
	watcher  *release.Watcher
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	backend, err := kv.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = backend.Close(context.Background())
		}
	}()
	store := persist.NewStore(backend, persist.Options{
		Debounce: cfg.Persist.Debounce(),
		Logger:   logger,
		Metrics:  recorder,
	})

	source, err := buildReleaseSource(cfg.Worker)
	if err != nil {
		return nil, err
	}
	offlineBody, err := buildOfflineBody(cfg.Worker, logger)
	if err != nil {
		return nil, err
	}
	caches := buildCacheStorage(logger, cfg)
	defer func() {
		if err != nil {
			_ = caches.Close(context.Background())
		}
	}()
	inbox := offline.NewInbox()
	reg, err := offline.NewRegistration(offline.RegistrationOptions{
		Source:         source,
		Storage:        caches,
		Fetcher:        offline.NewOriginFetcher(origin, nil),
		CachePrefix:    cfg.Worker.CachePrefix,
		Classifier:     buildClassifier(cfg.Worker.Classifier, logger),
		OfflineBody:    offlineBody,
		RefreshTimeout: cfg.Worker.RefreshTimeout(),
		Notifier:       inbox,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return nil, err
	}

	exportName, err := buildExportName(cfg.Library)
	if err != nil {
		return nil, err
	}
	lib, err := library.New(ctx, library.Options{Store: store, LinksExportName: exportName, Logger: logger})
	if err != nil {
		return nil, err
	}

	detector := update.NewDetector(ctx, update.Options{
		Registrar:    registrarFor(reg),
		Reloader:     reg.Clients(),
		Store:        store,
		CheckTimeout: cfg.Update.CheckTimeout(),
		ErrorDismiss: dismissWindow(cfg.Update),
		Logger:       logger,
		Metrics:      recorder,
	})

	routes, err := api.New(api.Options{
		Library:      lib,
		Gate:         gate.New(ctx, store, logger),
		Detector:     detector,
		Registration: reg,
		Inbox:        inbox,
		Store:        store,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		base:     logger,
		logger:   logger.With(slog.String("agent", "lifecycle")),
		metrics:  recorder,
		backend:  backend,
		store:    store,
		caches:   caches,
		reg:      reg,
		detector: detector,
		api:      routes,
		origin:   origin,
	}, nil
}

// start installs the current release, honours the auto-check preference and
// begins watching the release manifest.
func (a *app) start(ctx context.Context) {
	if err := a.reg.Update(ctx); err != nil {
		a.logger.ErrorContext(ctx, "initial worker install failed", slog.Any("error", err))
	}
	a.detector.Start(ctx)

	path := strings.TrimSpace(a.cfg.Worker.ReleaseFile)
	if path == "" {
		return
	}
	watcher, err := release.Watch(ctx, path, func(m release.Manifest) {
		a.logger.InfoContext(ctx, "release manifest changed", slog.String("version", m.Version))
		if err := a.reg.Update(ctx); err != nil {
			a.logger.ErrorContext(ctx, "worker update failed", slog.Any("error", err))
		}
	}, func(err error) {
		a.logger.ErrorContext(ctx, "release watcher error", slog.Any("error", err))
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "release watcher setup failed", slog.Any("error", err))
		return
	}
	a.watcher = watcher
}

func (a *app) handler() http.Handler {
	return server.NewRouter(server.Routes{
		API:     a.api,
		Metrics: a.metrics.Handler(),
		Worker:  offline.NewHandler(a.reg, a.origin, a.base, a.metrics),
		Health:  a.health,
	})
}

func (a *app) health() server.Health {
	h := server.Health{Status: "ok"}
	if active := a.reg.Active(); active != nil {
		h.Version = active.Version()
		h.Worker = active.State().String()
	}
	return h
}

// close stops background work, waits for in-flight revalidations and
// flushes pending writes before the backends go away.
func (a *app) close(ctx context.Context) {
	a.watcher.Stop()
	a.detector.Close()
	for _, w := range []*offline.Worker{a.reg.Active(), a.reg.Waiting()} {
		if w == nil {
			continue
		}
		if err := w.Engine().Wait(ctx); err != nil {
			a.logger.WarnContext(ctx, "background refreshes still running", slog.Any("error", err))
		}
	}
	a.store.Close(ctx)
	if err := a.backend.Close(ctx); err != nil {
		a.logger.ErrorContext(ctx, "storage close failed", slog.Any("error", err))
	}
	if err := a.caches.Close(ctx); err != nil {
		a.logger.ErrorContext(ctx, "cache storage close failed", slog.Any("error", err))
	}
}

// registrarFor hides the registration until a worker has installed, the way
// a page finds no registration after its first install failed. Until then
// update checks report the worker as not registered.
func registrarFor(reg *offline.Registration) update.Registrar {
	return func() (update.Registration, bool) {
		if reg.Active() == nil && reg.Waiting() == nil {
			return nil, false
		}
		return reg, true
	}
}

// buildCacheStorage falls back to memory when Valkey is unavailable so the
// proxy keeps serving.
func buildCacheStorage(logger *slog.Logger, cfg config.Config) offline.CacheStorage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Worker.CacheBackend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache storage")
		return offline.NewMemoryStorage()
	case "redis":
		storage, err := offline.NewRedisStorage(cfg.Storage.Redis, cfg.Worker.CacheNamespace)
		if err != nil {
			logger.Error("redis cache storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache storage")
			return offline.NewMemoryStorage()
		}
		logger.Info("using redis cache storage", slog.String("address", cfg.Storage.Redis.Address))
		return storage
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Worker.CacheBackend))
		return offline.NewMemoryStorage()
	}
}

func buildReleaseSource(cfg config.WorkerConfig) (offline.ReleaseSource, error) {
	if path := strings.TrimSpace(cfg.ReleaseFile); path != "" {
		return release.NewFileSource(path), nil
	}
	source, err := release.NewStaticSource(release.Manifest{
		Version:     cfg.Version,
		Precache:    cfg.Precache,
		OfflinePath: cfg.OfflinePath,
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

// buildClassifier layers configured CEL rules over the default heuristic of
// each release.
func buildClassifier(rules []config.ClassifierRuleConfig, logger *slog.Logger) func(offline.Release) (offline.Classifier, error) {
	if len(rules) == 0 {
		return nil
	}
	compiled := make([]offline.Rule, 0, len(rules))
	for _, rule := range rules {
		compiled = append(compiled, offline.Rule{Expression: rule.Expression, Strategy: rule.Strategy})
	}
	return func(rel offline.Release) (offline.Classifier, error) {
		return offline.NewCELClassifier(compiled, offline.NewDefaultClassifier(rel.Precache), logger)
	}
}

// buildOfflineBody prefers a template file inside the template directory over
// the inline template.
func buildOfflineBody(cfg config.WorkerConfig, logger *slog.Logger) (func(*http.Request) []byte, error) {
	var sandbox *templates.Sandbox
	if dir := strings.TrimSpace(cfg.TemplateDir); dir != "" {
		sb, err := templates.NewSandbox(dir)
		if err != nil {
			return nil, err
		}
		defer sb.Close()
		sandbox = sb
	}
	renderer := templates.NewRenderer(sandbox)

	var (
		tmpl *templates.Template
		err  error
	)
	if file := strings.TrimSpace(cfg.OfflineBodyFile); file != "" {
		tmpl, err = renderer.CompileFile(file)
	} else {
		tmpl, err = renderer.CompileInline("offline-body", cfg.OfflineBody)
	}
	if err != nil {
		return nil, err
	}
	return templates.OfflineBody(tmpl, logger), nil
}

func buildExportName(cfg config.LibraryConfig) (*templates.Template, error) {
	return templates.NewRenderer(nil).CompileInline("links-export", cfg.ExportNameTemplate)
}

// dismissWindow maps a zero setting to "never dismiss".
func dismissWindow(cfg config.UpdateConfig) time.Duration {
	if cfg.ErrorDismissMillis == 0 {
		return -1
	}
	return cfg.ErrorDismiss()
}
