package library

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/l0p7/linkshelf/internal/templates"
)

// Options wire a Library.
type Options struct {
	Store *persist.Store
	// LinksExportName renders the links export filename. Nil uses
	// "links-<date>.json".
	LinksExportName *templates.Template
	Now             func() time.Time
	Logger          *slog.Logger
}

// Library mutates the collections through debounced persistence slots.
type Library struct {
	links      *persist.Slot[[]Link]
	notes      *persist.Slot[[]Note]
	exportName *templates.Template
	notesName  *templates.Template
	now        func() time.Time
	logger     *slog.Logger
}

// Export is a downloadable snapshot of one collection.
type Export struct {
	Filename string
	Data     []byte
}

// New opens the links and notes slots.
func New(ctx context.Context, opts Options) (*Library, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("library: persistence store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	renderer := templates.NewRenderer(nil)
	exportName := opts.LinksExportName
	if exportName == nil {
		compiled, err := renderer.CompileInline("links-export", `links-{{ now | date "2006-01-02" }}.json`)
		if err != nil {
			return nil, err
		}
		exportName = compiled
	}
	notesName, err := renderer.CompileInline("notes-export", `notes-{{ now | date "2006-01-02" }}.json`)
	if err != nil {
		return nil, err
	}
	return &Library{
		links:      persist.Open(ctx, opts.Store, LinksKey, []Link{}),
		notes:      persist.Open(ctx, opts.Store, NotesKey, []Note{}),
		exportName: exportName,
		notesName:  notesName,
		now:        now,
		logger:     logger.With(slog.String("agent", "library")),
	}, nil
}

// Links returns the links in insertion order.
func (l *Library) Links() []Link {
	return slices.Clone(l.links.Get())
}

// Link returns one link.
func (l *Library) Link(id string) (Link, error) {
	for _, link := range l.links.Get() {
		if link.ID == id {
			return link, nil
		}
	}
	return Link{}, ErrNotFound
}

// AddLink validates in and appends a new link.
func (l *Library) AddLink(in LinkInput) (Link, error) {
	in, err := in.normalize()
	if err != nil {
		return Link{}, err
	}
	link := Link{ID: uuid.NewString(), Title: in.Title, URL: in.URL, Tags: in.Tags}
	l.links.Update(func(links []Link) []Link {
		return append(slices.Clip(links), link)
	})
	l.logger.Debug("link added", slog.String("id", link.ID))
	return link, nil
}

// UpdateLink replaces the fields of link id.
func (l *Library) UpdateLink(id string, in LinkInput) (Link, error) {
	in, err := in.normalize()
	if err != nil {
		return Link{}, err
	}
	var (
		updated Link
		found   bool
	)
	l.links.Update(func(links []Link) []Link {
		out := slices.Clone(links)
		for i := range out {
			if out[i].ID == id {
				out[i] = Link{ID: id, Title: in.Title, URL: in.URL, Tags: in.Tags}
				updated, found = out[i], true
				return out
			}
		}
		return links
	})
	if !found {
		return Link{}, ErrNotFound
	}
	return updated, nil
}

// DeleteLink removes link id.
func (l *Library) DeleteLink(id string) error {
	if l.DeleteLinks([]string{id}) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLinks removes every listed link and reports how many existed.
func (l *Library) DeleteLinks(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	removed := 0
	l.links.Update(func(links []Link) []Link {
		out := make([]Link, 0, len(links))
		for _, link := range links {
			if _, ok := drop[link.ID]; ok {
				removed++
				continue
			}
			out = append(out, link)
		}
		if removed == 0 {
			return links
		}
		return out
	})
	return removed
}

// Notes returns the notes in insertion order.
func (l *Library) Notes() []Note {
	return slices.Clone(l.notes.Get())
}

// Note returns one note.
func (l *Library) Note(id string) (Note, error) {
	for _, note := range l.notes.Get() {
		if note.ID == id {
			return note, nil
		}
	}
	return Note{}, ErrNotFound
}

// AddNote validates in and appends a new note.
func (l *Library) AddNote(in NoteInput) (Note, error) {
	in, err := in.normalize()
	if err != nil {
		return Note{}, err
	}
	now := l.now().UTC()
	note := Note{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Content:   in.Content,
		Category:  in.Category,
		CreatedAt: now,
		UpdatedAt: now,
		IsPinned:  in.IsPinned,
		Tasks:     buildTasks(nil, in.Tasks),
	}
	l.notes.Update(func(notes []Note) []Note {
		return append(slices.Clip(notes), note)
	})
	return note, nil
}

// UpdateNote replaces the editable fields of note id and bumps UpdatedAt.
func (l *Library) UpdateNote(id string, in NoteInput) (Note, error) {
	in, err := in.normalize()
	if err != nil {
		return Note{}, err
	}
	return l.mutateNote(id, func(note *Note) error {
		note.Title = in.Title
		note.Content = in.Content
		note.Category = in.Category
		note.IsPinned = in.IsPinned
		note.Tasks = buildTasks(note.Tasks, in.Tasks)
		note.UpdatedAt = l.now().UTC()
		return nil
	})
}

// DeleteNote removes note id.
func (l *Library) DeleteNote(id string) error {
	found := false
	l.notes.Update(func(notes []Note) []Note {
		out := make([]Note, 0, len(notes))
		for _, note := range notes {
			if note.ID == id {
				found = true
				continue
			}
			out = append(out, note)
		}
		if !found {
			return notes
		}
		return out
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

// TogglePin flips IsPinned without touching UpdatedAt.
func (l *Library) TogglePin(id string) (Note, error) {
	return l.mutateNote(id, func(note *Note) error {
		note.IsPinned = !note.IsPinned
		return nil
	})
}

// ToggleTask flips one task's completion.
func (l *Library) ToggleTask(noteID, taskID string) (Task, error) {
	var toggled Task
	_, err := l.mutateNote(noteID, func(note *Note) error {
		for i := range note.Tasks {
			if note.Tasks[i].ID == taskID {
				note.Tasks[i].Completed = !note.Tasks[i].Completed
				toggled = note.Tasks[i]
				note.UpdatedAt = l.now().UTC()
				return nil
			}
		}
		return ErrNotFound
	})
	return toggled, err
}

func (l *Library) mutateNote(id string, fn func(*Note) error) (Note, error) {
	var (
		result Note
		err    error
	)
	err = ErrNotFound
	l.notes.Update(func(notes []Note) []Note {
		for i := range notes {
			if notes[i].ID != id {
				continue
			}
			note := notes[i]
			note.Tasks = slices.Clone(note.Tasks)
			if err = fn(&note); err != nil {
				return notes
			}
			out := slices.Clone(notes)
			out[i] = note
			result = note
			return out
		}
		return notes
	})
	return result, err
}

// buildTasks keeps the IDs of tasks that are edited in place and assigns new
// IDs to the rest.
func buildTasks(existing []Task, inputs []TaskInput) []Task {
	if len(inputs) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(existing))
	for _, task := range existing {
		known[task.ID] = struct{}{}
	}
	out := make([]Task, 0, len(inputs))
	for _, in := range inputs {
		id := in.ID
		if _, ok := known[id]; !ok || id == "" {
			id = uuid.NewString()
		}
		out = append(out, Task{ID: id, Text: in.Text, Completed: in.Completed})
	}
	return out
}

// ExportLinks renders the links as indented JSON.
func (l *Library) ExportLinks() (Export, error) {
	links := l.Links()
	return l.export(l.exportName, "links", len(links), links)
}

// ExportNotes renders the notes as indented JSON.
func (l *Library) ExportNotes() (Export, error) {
	notes := l.Notes()
	return l.export(l.notesName, "notes", len(notes), notes)
}

func (l *Library) export(name *templates.Template, kind string, count int, value any) (Export, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("library: encode %s: %w", kind, err)
	}
	filename, err := name.Render(map[string]any{"Kind": kind, "Count": count})
	if err != nil {
		return Export{}, fmt.Errorf("library: export filename: %w", err)
	}
	return Export{Filename: filename, Data: data}, nil
}

// ImportLinks replaces every link with payload. Any malformed item rejects
// the whole payload and leaves the collection untouched.
func (l *Library) ImportLinks(payload []byte) (int, error) {
	links, err := decodeLinks(payload)
	if err != nil {
		return 0, err
	}
	l.links.Set(links)
	l.logger.Info("links imported", slog.Int("count", len(links)))
	return len(links), nil
}

// ImportNotes replaces every note with payload, all or nothing.
func (l *Library) ImportNotes(payload []byte) (int, error) {
	notes, err := decodeNotes(payload)
	if err != nil {
		return 0, err
	}
	l.notes.Set(notes)
	l.logger.Info("notes imported", slog.Int("count", len(notes)))
	return len(notes), nil
}
