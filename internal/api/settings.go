package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/l0p7/linkshelf/internal/gate"
	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/update"
)

func (a *API) registerSettings(mux *http.ServeMux) {
	a.handle(mux, "GET /api/gate", a.gateStatus)
	a.handle(mux, "POST /api/gate/verify", a.verifyGate)
	a.handleLocked(mux, "PUT /api/gate", a.setGate)
	a.handleLocked(mux, "DELETE /api/gate", a.clearGate)

	a.handle(mux, "GET /api/update", a.updateStatus)
	a.handle(mux, "POST /api/update/check", a.checkUpdate)
	a.handle(mux, "POST /api/update/apply", a.applyUpdate)
	a.handle(mux, "POST /api/update/dismiss", a.dismissUpdate)
	a.handle(mux, "PUT /api/update/auto", a.toggleAutoCheck)

	a.handleLocked(mux, "GET /api/storage", a.storageUsage)
	a.handleLocked(mux, "DELETE /api/storage", a.clearStorage)
}

func (a *API) gateStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]bool{"set": a.gate.IsSet()})
}

func (a *API) verifyGate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gate.Verify(req.Passphrase); err != nil {
		a.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setGate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
		Confirm    string `json:"confirm"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gate.Set(req.Passphrase, req.Confirm); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gate.ErrTooShort) || errors.Is(err, gate.ErrMismatch) {
			status = http.StatusBadRequest
		}
		a.writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearGate(w http.ResponseWriter, _ *http.Request) {
	a.gate.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type updateResponse struct {
	update.State
	AutoCheck bool `json:"autoCheck"`
}

func (a *API) updateView(state update.State) updateResponse {
	return updateResponse{State: state, AutoCheck: a.detector.AutoCheckUpdate()}
}

func (a *API) updateStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.updateView(a.detector.State()))
}

func (a *API) checkUpdate(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.updateView(a.detector.CheckForUpdate(r.Context())))
}

func (a *API) applyUpdate(w http.ResponseWriter, r *http.Request) {
	applied := a.detector.ApplyUpdate(r.Context())
	a.writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (a *API) dismissUpdate(w http.ResponseWriter, _ *http.Request) {
	a.detector.DismissUpdate()
	a.writeJSON(w, http.StatusOK, a.updateView(a.detector.State()))
}

func (a *API) toggleAutoCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.detector.ToggleAutoCheckUpdate(req.Enabled)
	a.writeJSON(w, http.StatusOK, map[string]bool{"enabled": a.detector.AutoCheckUpdate()})
}

// storageUsage degrades to an empty report when the backend cannot be read.
func (a *API) storageUsage(w http.ResponseWriter, r *http.Request) {
	// Pending debounced writes would otherwise be missing from the report.
	a.store.Flush(r.Context())
	usage, err := kv.Measure(r.Context(), a.store.Backend())
	if err != nil {
		a.logger.ErrorContext(r.Context(), "measure storage failed", slog.Any("error", err))
		usage = kv.Usage{Items: []kv.Item{}, TotalHuman: "0 B"}
	}
	a.writeJSON(w, http.StatusOK, usage)
}

func (a *API) clearStorage(w http.ResponseWriter, r *http.Request) {
	if err := a.store.RemoveAll(r.Context()); err != nil {
		a.writeError(w, http.StatusInternalServerError, "clear storage failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
