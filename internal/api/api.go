// Package api exposes the application state over JSON: the link and note
// library, the passphrase gate, update status, storage usage and the worker
// control surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/linkshelf/internal/gate"
	"github.com/l0p7/linkshelf/internal/library"
	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
	"github.com/l0p7/linkshelf/internal/offline"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/l0p7/linkshelf/internal/update"
)

// HeaderPassphrase unlocks gated routes while a passphrase is set.
const HeaderPassphrase = "X-Passphrase"

const (
	maxBodyBytes   = 1 << 20
	maxImportBytes = 16 << 20
)

// Options wire the API to the rest of the process.
type Options struct {
	Library      *library.Library
	Gate         *gate.Gate
	Detector     *update.Detector
	Registration *offline.Registration
	Inbox        *offline.Inbox
	Store        *persist.Store
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// API serves the JSON routes.
type API struct {
	library      *library.Library
	gate         *gate.Gate
	detector     *update.Detector
	registration *offline.Registration
	inbox        *offline.Inbox
	store        *persist.Store
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// New validates opts.
func New(opts Options) (*API, error) {
	switch {
	case opts.Library == nil:
		return nil, errors.New("api: library required")
	case opts.Gate == nil:
		return nil, errors.New("api: gate required")
	case opts.Detector == nil:
		return nil, errors.New("api: update detector required")
	case opts.Registration == nil:
		return nil, errors.New("api: registration required")
	case opts.Store == nil:
		return nil, errors.New("api: persistence store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	inbox := opts.Inbox
	if inbox == nil {
		if shared, ok := opts.Registration.Notifier().(*offline.Inbox); ok {
			inbox = shared
		} else {
			inbox = offline.NewInbox()
		}
	}
	return &API{
		library:      opts.Library,
		gate:         opts.Gate,
		detector:     opts.Detector,
		registration: opts.Registration,
		inbox:        inbox,
		store:        opts.Store,
		logger:       logger.With(slog.String("agent", "api")),
		metrics:      opts.Metrics,
	}, nil
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	a.registerLibrary(mux)
	a.registerSettings(mux)
	a.registerWorker(mux)
}

// Handler returns a mux serving only the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

func (a *API) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, a.instrument(pattern, fn))
}

// handleLocked mounts a route that requires the passphrase while one is set.
func (a *API) handleLocked(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	a.handle(mux, pattern, func(w http.ResponseWriter, r *http.Request) {
		if err := a.gate.Verify(r.Header.Get(HeaderPassphrase)); err != nil {
			a.writeError(w, http.StatusUnauthorized, "locked: passphrase required")
			return
		}
		fn(w, r)
	})
}

func (a *API) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.metrics.ObserveAPI(route, rec.status, time.Since(start))
		a.logger.DebugContext(r.Context(), "api request",
			slog.String("route", route),
			slog.Int("status", rec.status),
		)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]string{"error": message})
}

// writeLibraryError maps library sentinels onto status codes.
func (a *API) writeLibraryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, library.ErrInvalidImport):
		a.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, library.ErrInvalid):
		a.writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("library operation failed", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
