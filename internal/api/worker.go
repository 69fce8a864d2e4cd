package api

import (
	"errors"
	"net/http"

	"github.com/l0p7/linkshelf/internal/offline"
)

// workerView describes one worker for the control surface.
type workerView struct {
	ID      string        `json:"id"`
	Version string        `json:"version"`
	State   offline.State `json:"state"`
}

func viewOf(w *offline.Worker) *workerView {
	if w == nil {
		return nil
	}
	return &workerView{ID: w.ID(), Version: w.Version(), State: w.State()}
}

func (a *API) registerWorker(mux *http.ServeMux) {
	a.handle(mux, "GET /_worker/state", a.workerState)
	a.handle(mux, "POST /_worker/update", a.workerUpdate)
	a.handle(mux, "POST /_worker/message", a.workerMessage)
	a.handle(mux, "POST /_worker/push", a.workerPush)
	a.handle(mux, "GET /_worker/notifications", a.listNotifications)
	a.handle(mux, "POST /_worker/notifications/{id}/click", a.clickNotification)
	a.handle(mux, "DELETE /_worker/notifications/{id}", a.closeNotification)
	a.handle(mux, "POST /_worker/sync", a.workerSync)
	a.handle(mux, "GET /_worker/clients", a.listClients)
	a.handle(mux, "POST /_worker/clients", a.trackClient)
	a.handle(mux, "DELETE /_worker/clients/{id}", a.forgetClient)
}

func (a *API) workerState(w http.ResponseWriter, _ *http.Request) {
	reg := a.registration
	a.writeJSON(w, http.StatusOK, map[string]any{
		"installing": viewOf(reg.Installing()),
		"waiting":    viewOf(reg.Waiting()),
		"active":     viewOf(reg.Active()),
		"clients":    reg.Clients().MatchAll(),
	})
}

func (a *API) workerUpdate(w http.ResponseWriter, r *http.Request) {
	if err := a.registration.Update(r.Context()); err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.workerState(w, r)
}

// workerMessage posts to the waiting worker, or the active one when nothing
// waits.
func (a *API) workerMessage(w http.ResponseWriter, r *http.Request) {
	var msg offline.Message
	if err := decodeBody(w, r, &msg); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := a.registration.Waiting()
	if target == nil {
		target = a.registration.Active()
	}
	if target == nil {
		a.writeError(w, http.StatusNotFound, "no worker to receive the message")
		return
	}
	target.PostMessage(r.Context(), msg)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) workerPush(w http.ResponseWriter, r *http.Request) {
	active := a.registration.Active()
	if active == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	payload, err := readBody(w, r, maxBodyBytes)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := active.Push(r.Context(), payload)
	if err != nil {
		if errors.Is(err, offline.ErrInvalidPush) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, n)
}

func (a *API) listNotifications(w http.ResponseWriter, _ *http.Request) {
	items := a.inbox.List()
	if items == nil {
		items = []offline.Notification{}
	}
	a.writeJSON(w, http.StatusOK, items)
}

// clickNotification closes the notification and focuses or opens a window
// on its URL.
func (a *API) clickNotification(w http.ResponseWriter, r *http.Request) {
	active := a.registration.Active()
	if active == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	n, ok := a.inbox.Take(r.PathValue("id"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	a.writeJSON(w, http.StatusOK, active.NotificationClick(r.Context(), n.URL))
}

func (a *API) closeNotification(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.inbox.Take(r.PathValue("id")); !ok {
		a.writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) workerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := a.registration.Active()
	if active == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"handled": active.Sync(r.Context(), req.Tag)})
}

func (a *API) listClients(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.registration.Clients().MatchAll())
}

// trackClient opens a window. A window loaded while a worker is active is
// controlled by it from the start.
func (a *API) trackClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		req.URL = "/"
	}
	controller := ""
	if active := a.registration.Active(); active != nil {
		controller = active.ID()
	}
	client := a.registration.Clients().TrackControlled(req.URL, controller)
	a.writeJSON(w, http.StatusCreated, client)
}

func (a *API) forgetClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.registration.Clients().Get(id); err != nil {
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.registration.Clients().Forget(id)
	w.WriteHeader(http.StatusNoContent)
}
