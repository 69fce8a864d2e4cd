package api

import (
	"fmt"
	"net/http"

	"github.com/l0p7/linkshelf/internal/library"
)

func (a *API) registerLibrary(mux *http.ServeMux) {
	a.handleLocked(mux, "GET /api/links", a.listLinks)
	a.handleLocked(mux, "POST /api/links", a.createLink)
	a.handleLocked(mux, "GET /api/links/{id}", a.getLink)
	a.handleLocked(mux, "PUT /api/links/{id}", a.updateLink)
	a.handleLocked(mux, "DELETE /api/links/{id}", a.deleteLink)
	a.handleLocked(mux, "POST /api/links/delete", a.deleteLinks)
	a.handleLocked(mux, "GET /api/links/tags", a.linkTags)
	a.handleLocked(mux, "GET /api/links/groups", a.linkGroups)
	a.handleLocked(mux, "GET /api/links/export", a.exportLinks)
	a.handleLocked(mux, "POST /api/links/import", a.importLinks)

	a.handleLocked(mux, "GET /api/notes", a.listNotes)
	a.handleLocked(mux, "POST /api/notes", a.createNote)
	a.handleLocked(mux, "GET /api/notes/{id}", a.getNote)
	a.handleLocked(mux, "PUT /api/notes/{id}", a.updateNote)
	a.handleLocked(mux, "DELETE /api/notes/{id}", a.deleteNote)
	a.handleLocked(mux, "POST /api/notes/{id}/pin", a.toggleNotePin)
	a.handleLocked(mux, "POST /api/notes/{id}/tasks/{task}/toggle", a.toggleNoteTask)
	a.handleLocked(mux, "GET /api/notes/categories", a.noteCategories)
	a.handleLocked(mux, "GET /api/notes/export", a.exportNotes)
	a.handleLocked(mux, "POST /api/notes/import", a.importNotes)
}

// listLinks applies ?q= then ?sort=&order=.
func (a *API) listLinks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	links := library.FilterLinks(a.library.Links(), query.Get("q"))
	if by := query.Get("sort"); by != "" {
		links = library.SortLinks(links, by, query.Get("order"))
	}
	a.writeJSON(w, http.StatusOK, links)
}

func (a *API) createLink(w http.ResponseWriter, r *http.Request) {
	var in library.LinkInput
	if err := decodeBody(w, r, &in); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.library.AddLink(in)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, link)
}

func (a *API) getLink(w http.ResponseWriter, r *http.Request) {
	link, err := a.library.Link(r.PathValue("id"))
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, link)
}

func (a *API) updateLink(w http.ResponseWriter, r *http.Request) {
	var in library.LinkInput
	if err := decodeBody(w, r, &in); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.library.UpdateLink(r.PathValue("id"), in)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, link)
}

func (a *API) deleteLink(w http.ResponseWriter, r *http.Request) {
	if err := a.library.DeleteLink(r.PathValue("id")); err != nil {
		a.writeLibraryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteLinks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed := a.library.DeleteLinks(req.IDs)
	a.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *API) linkTags(w http.ResponseWriter, _ *http.Request) {
	links := a.library.Links()
	tags := library.AllTags(links)
	if tags == nil {
		tags = []string{}
	}
	counts := library.TagCounts(links)
	if counts == nil {
		counts = []library.TagCount{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "counts": counts})
}

func (a *API) linkGroups(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, library.GroupByTag(a.library.Links()))
}

func (a *API) exportLinks(w http.ResponseWriter, _ *http.Request) {
	export, err := a.library.ExportLinks()
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeDownload(w, export)
}

func (a *API) importLinks(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r, maxImportBytes)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.library.ImportLinks(payload)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// listNotes applies ?category= and ?q=, then sorts with pinned notes first
// (?sort= defaults to createdAt, ?order= to desc).
func (a *API) listNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	notes := library.FilterNotes(a.library.Notes(), query.Get("category"), query.Get("q"))
	order := query.Get("order")
	if order == "" {
		order = library.Descending
	}
	a.writeJSON(w, http.StatusOK, library.SortNotes(notes, query.Get("sort"), order))
}

func (a *API) createNote(w http.ResponseWriter, r *http.Request) {
	var in library.NoteInput
	if err := decodeBody(w, r, &in); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	note, err := a.library.AddNote(in)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, note)
}

func (a *API) getNote(w http.ResponseWriter, r *http.Request) {
	note, err := a.library.Note(r.PathValue("id"))
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, note)
}

func (a *API) updateNote(w http.ResponseWriter, r *http.Request) {
	var in library.NoteInput
	if err := decodeBody(w, r, &in); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	note, err := a.library.UpdateNote(r.PathValue("id"), in)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, note)
}

func (a *API) deleteNote(w http.ResponseWriter, r *http.Request) {
	if err := a.library.DeleteNote(r.PathValue("id")); err != nil {
		a.writeLibraryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleNotePin(w http.ResponseWriter, r *http.Request) {
	note, err := a.library.TogglePin(r.PathValue("id"))
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, note)
}

func (a *API) toggleNoteTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.library.ToggleTask(r.PathValue("id"), r.PathValue("task"))
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, task)
}

func (a *API) noteCategories(w http.ResponseWriter, _ *http.Request) {
	categories := library.Categories(a.library.Notes())
	if categories == nil {
		categories = []string{}
	}
	a.writeJSON(w, http.StatusOK, categories)
}

func (a *API) exportNotes(w http.ResponseWriter, _ *http.Request) {
	export, err := a.library.ExportNotes()
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeDownload(w, export)
}

func (a *API) importNotes(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r, maxImportBytes)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.library.ImportNotes(payload)
	if err != nil {
		a.writeLibraryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (a *API) writeDownload(w http.ResponseWriter, export library.Export) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}
