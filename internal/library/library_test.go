package library

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/l0p7/linkshelf/internal/templates"
	"github.com/stretchr/testify/require"
)

type libraryFixture struct {
	lib     *Library
	store   *persist.Store
	backend kv.Backend
	clock   *time.Time
}

func newLibraryFixture(t *testing.T) libraryFixture {
	t.Helper()
	backend := kv.NewMemory()
	store := persist.NewStore(backend, persist.Options{Debounce: 10 * time.Millisecond})
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	lib, err := New(context.Background(), Options{
		Store: store,
		Now:   func() time.Time { return clock },
	})
	require.NoError(t, err)
	return libraryFixture{lib: lib, store: store, backend: backend, clock: &clock}
}

func (f libraryFixture) durable(t *testing.T, key string) string {
	t.Helper()
	f.store.Flush(context.Background())
	raw, ok, err := f.backend.Get(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return string(raw)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestAddLinkValidates(t *testing.T) {
	tests := []struct {
		name  string
		in    LinkInput
		field string
	}{
		{name: "empty title", in: LinkInput{Title: "  ", URL: "https://go.dev"}, field: "title"},
		{name: "ftp url", in: LinkInput{Title: "x", URL: "ftp://go.dev"}, field: "url"},
		{name: "private url", in: LinkInput{Title: "x", URL: "http://192.168.1.4/admin"}, field: "url"},
		{name: "bad tag", in: LinkInput{Title: "x", URL: "https://go.dev", Tags: []string{"has space"}}, field: "tags"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newLibraryFixture(t)
			_, err := f.lib.AddLink(tc.in)
			require.ErrorIs(t, err, ErrInvalid)
			var fieldErr *FieldError
			require.ErrorAs(t, err, &fieldErr)
			require.Equal(t, tc.field, fieldErr.Field)
			require.Empty(t, f.lib.Links())
		})
	}
}

func TestLinkLifecycle(t *testing.T) {
	f := newLibraryFixture(t)

	link, err := f.lib.AddLink(LinkInput{Title: " Go ", URL: "https://go.dev", Tags: []string{"lang", "lang", " docs "}})
	require.NoError(t, err)
	require.NotEmpty(t, link.ID)
	require.Equal(t, "Go", link.Title)
	require.Equal(t, []string{"lang", "docs"}, link.Tags)

	got, err := f.lib.Link(link.ID)
	require.NoError(t, err)
	require.Equal(t, link, got)

	updated, err := f.lib.UpdateLink(link.ID, LinkInput{Title: "Go site", URL: "https://go.dev/doc", Tags: nil})
	require.NoError(t, err)
	require.Equal(t, link.ID, updated.ID)
	require.Empty(t, updated.Tags)

	_, err = f.lib.UpdateLink("missing", LinkInput{Title: "x", URL: "https://x.dev"})
	require.ErrorIs(t, err, ErrNotFound)

	var persisted []Link
	require.NoError(t, json.Unmarshal([]byte(f.durable(t, LinksKey)), &persisted))
	require.Equal(t, []Link{updated}, persisted)

	require.NoError(t, f.lib.DeleteLink(link.ID))
	require.ErrorIs(t, f.lib.DeleteLink(link.ID), ErrNotFound)
	require.Equal(t, "[]", f.durable(t, LinksKey))
}

func TestDeleteLinksCountsRemoved(t *testing.T) {
	f := newLibraryFixture(t)
	a, err := f.lib.AddLink(LinkInput{Title: "a", URL: "https://a.dev"})
	require.NoError(t, err)
	b, err := f.lib.AddLink(LinkInput{Title: "b", URL: "https://b.dev"})
	require.NoError(t, err)
	c, err := f.lib.AddLink(LinkInput{Title: "c", URL: "https://c.dev"})
	require.NoError(t, err)

	require.Equal(t, 2, f.lib.DeleteLinks([]string{a.ID, c.ID, "ghost"}))
	require.Equal(t, []Link{b}, f.lib.Links())
	require.Zero(t, f.lib.DeleteLinks([]string{"ghost"}))
}

func TestLinksSnapshotIsolation(t *testing.T) {
	f := newLibraryFixture(t)
	_, err := f.lib.AddLink(LinkInput{Title: "a", URL: "https://a.dev"})
	require.NoError(t, err)

	snapshot := f.lib.Links()
	snapshot[0].Title = "mutated"
	_, err = f.lib.AddLink(LinkInput{Title: "b", URL: "https://b.dev"})
	require.NoError(t, err)

	require.Len(t, snapshot, 1)
	require.Equal(t, "a", f.lib.Links()[0].Title)
}

func TestNoteLifecycle(t *testing.T) {
	f := newLibraryFixture(t)

	note, err := f.lib.AddNote(NoteInput{
		Title:   "Groceries",
		Content: "weekly",
		Tasks:   []TaskInput{{Text: "milk"}, {Text: "  "}, {Text: "eggs", Completed: true}},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultCategory, note.Category)
	require.Equal(t, *f.clock, note.CreatedAt)
	require.Equal(t, note.CreatedAt, note.UpdatedAt)
	require.Len(t, note.Tasks, 2)
	require.NotEqual(t, note.Tasks[0].ID, note.Tasks[1].ID)

	*f.clock = f.clock.Add(time.Hour)
	edited, err := f.lib.UpdateNote(note.ID, NoteInput{
		Title:    "Groceries",
		Content:  "weekly",
		Category: "Home",
		Tasks: []TaskInput{
			{ID: note.Tasks[0].ID, Text: "oat milk"},
			{ID: "forged", Text: "bread"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, note.CreatedAt, edited.CreatedAt)
	require.Equal(t, *f.clock, edited.UpdatedAt)
	require.Equal(t, "Home", edited.Category)
	require.Equal(t, note.Tasks[0].ID, edited.Tasks[0].ID)
	require.NotEqual(t, "forged", edited.Tasks[1].ID)

	*f.clock = f.clock.Add(time.Hour)
	pinned, err := f.lib.TogglePin(note.ID)
	require.NoError(t, err)
	require.True(t, pinned.IsPinned)
	require.Equal(t, edited.UpdatedAt, pinned.UpdatedAt)

	task, err := f.lib.ToggleTask(note.ID, edited.Tasks[1].ID)
	require.NoError(t, err)
	require.True(t, task.Completed)
	current, err := f.lib.Note(note.ID)
	require.NoError(t, err)
	require.Equal(t, *f.clock, current.UpdatedAt)

	_, err = f.lib.ToggleTask(note.ID, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	unchanged, err := f.lib.Note(note.ID)
	require.NoError(t, err)
	require.Equal(t, current, unchanged)

	require.NoError(t, f.lib.DeleteNote(note.ID))
	require.ErrorIs(t, f.lib.DeleteNote(note.ID), ErrNotFound)
	_, err = f.lib.TogglePin(note.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddNoteRejectsLongContent(t *testing.T) {
	f := newLibraryFixture(t)
	long := make([]rune, 10001)
	for i := range long {
		long[i] = '字'
	}
	_, err := f.lib.AddNote(NoteInput{Title: "t", Content: string(long)})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = f.lib.AddNote(NoteInput{Title: "t", Content: string(long[:10000])})
	require.NoError(t, err)
}

func TestExportLinks(t *testing.T) {
	f := newLibraryFixture(t)
	_, err := f.lib.AddLink(LinkInput{Title: "Go", URL: "https://go.dev", Tags: []string{"lang"}})
	require.NoError(t, err)

	export, err := f.lib.ExportLinks()
	require.NoError(t, err)
	require.Regexp(t, `^links-\d{4}-\d{2}-\d{2}\.json$`, export.Filename)
	require.Contains(t, string(export.Data), "\n  {")

	var decoded []Link
	require.NoError(t, json.Unmarshal(export.Data, &decoded))
	require.Equal(t, f.lib.Links(), decoded)
}

func TestExportUsesCustomFilename(t *testing.T) {
	name, err := templates.NewRenderer(nil).CompileInline("name", `shelf-{{ .Kind }}-{{ .Count }}.json`)
	require.NoError(t, err)
	store := persist.NewStore(kv.NewMemory(), persist.Options{Debounce: time.Millisecond})
	lib, err := New(context.Background(), Options{Store: store, LinksExportName: name})
	require.NoError(t, err)

	export, err := lib.ExportLinks()
	require.NoError(t, err)
	require.Equal(t, "shelf-links-0.json", export.Filename)
	require.Equal(t, "[]", string(export.Data))

	notes, err := lib.ExportNotes()
	require.NoError(t, err)
	require.Regexp(t, `^notes-\d{4}-\d{2}-\d{2}\.json$`, notes.Filename)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newLibraryFixture(t)
	_, err := src.lib.AddLink(LinkInput{Title: "Go", URL: "https://go.dev", Tags: []string{"lang"}})
	require.NoError(t, err)
	_, err = src.lib.AddNote(NoteInput{Title: "n", Content: "c", Tasks: []TaskInput{{Text: "t"}}})
	require.NoError(t, err)

	links, err := src.lib.ExportLinks()
	require.NoError(t, err)
	notes, err := src.lib.ExportNotes()
	require.NoError(t, err)

	dst := newLibraryFixture(t)
	n, err := dst.lib.ImportLinks(links.Data)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = dst.lib.ImportNotes(notes.Data)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, src.lib.Links(), dst.lib.Links())
	require.Equal(t, src.lib.Notes(), dst.lib.Notes())
}

func TestImportLinksAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{name: "not json", payload: `{{`, wantErr: "JSON array"},
		{name: "object instead of array", payload: `{"id":"1"}`, wantErr: "JSON array"},
		{name: "item not object", payload: `[1]`, wantErr: "item 0 is not an object"},
		{name: "missing url", payload: `[{"id":"1","title":"a","tags":[]}]`, wantErr: "item 0: missing url"},
		{name: "numeric id", payload: `[{"id":1,"title":"a","url":"https://a.dev","tags":[]}]`, wantErr: "id must be a string"},
		{name: "tags not array", payload: `[{"id":"1","title":"a","url":"https://a.dev","tags":"x"}]`, wantErr: "tags must be an array"},
		{name: "tags with numbers", payload: `[{"id":"1","title":"a","url":"https://a.dev","tags":[1]}]`, wantErr: "tags must contain strings"},
		{name: "null id", payload: `[{"id":null,"title":"a","url":"https://a.dev","tags":[]}]`, wantErr: "id must be a string"},
		{name: "null url", payload: `[{"id":"1","title":"a","url":null,"tags":[]}]`, wantErr: "url must be a string"},
		{name: "null tag", payload: `[{"id":"1","title":"a","url":"https://a.dev","tags":[null]}]`, wantErr: "tags must contain strings"},
		{name: "null tags", payload: `[{"id":"1","title":"a","url":"https://a.dev","tags":null}]`, wantErr: "tags must be an array"},
		{name: "all null", payload: `[{"id":null,"title":null,"url":null,"tags":[null]}]`, wantErr: "id must be a string"},
		{
			name:    "second item invalid",
			payload: `[{"id":"1","title":"a","url":"https://a.dev","tags":[]},{"id":"2","title":"b","tags":[]}]`,
			wantErr: "item 1: missing url",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newLibraryFixture(t)
			existing, err := f.lib.AddLink(LinkInput{Title: "keep", URL: "https://keep.dev"})
			require.NoError(t, err)
			before := f.durable(t, LinksKey)

			n, err := f.lib.ImportLinks([]byte(tc.payload))
			require.ErrorIs(t, err, ErrInvalidImport)
			require.Contains(t, err.Error(), tc.wantErr)
			require.Zero(t, n)
			require.Equal(t, []Link{existing}, f.lib.Links())
			require.Equal(t, before, f.durable(t, LinksKey))
		})
	}
}

func TestImportLinksReplaces(t *testing.T) {
	f := newLibraryFixture(t)
	_, err := f.lib.AddLink(LinkInput{Title: "old", URL: "https://old.dev"})
	require.NoError(t, err)

	n, err := f.lib.ImportLinks([]byte(`[{"id":"x","title":"new","url":"https://new.dev","tags":["a"]}]`))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []Link{{ID: "x", Title: "new", URL: "https://new.dev", Tags: []string{"a"}}}, f.lib.Links())

	n, err = f.lib.ImportLinks([]byte(`[]`))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.lib.Links())
	require.Equal(t, "[]", f.durable(t, LinksKey))
}

func TestImportNotesValidation(t *testing.T) {
	valid := `{"id":"1","title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":false}`
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{name: "valid", payload: "[" + valid + "]"},
		{
			name:    "bad timestamp",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":"yesterday","updatedAt":"2024-01-02T00:00:00Z","isPinned":false}]`,
			wantErr: "createdAt must be an RFC 3339 timestamp",
		},
		{
			name:    "pinned as string",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":"no"}]`,
			wantErr: "isPinned must be a boolean",
		},
		{
			name:    "missing category",
			payload: `[{"id":"1","title":"t","content":"c","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":false}]`,
			wantErr: "missing category",
		},
		{
			name:    "null pinned",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":null}]`,
			wantErr: "isPinned must be a boolean",
		},
		{
			name:    "null id",
			payload: `[{"id":null,"title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":false}]`,
			wantErr: "id must be a string",
		},
		{
			name:    "null timestamp",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":null,"updatedAt":"2024-01-02T00:00:00Z","isPinned":false}]`,
			wantErr: "createdAt must be a string",
		},
		{
			name:    "null task",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":false,"tasks":[null]}]`,
			wantErr: "tasks must be an array",
		},
		{
			name:    "malformed tasks",
			payload: `[{"id":"1","title":"t","content":"c","category":"Work","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","isPinned":false,"tasks":"x"}]`,
			wantErr: "tasks must be an array",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newLibraryFixture(t)
			n, err := f.lib.ImportNotes([]byte(tc.payload))
			if tc.wantErr == "" {
				require.NoError(t, err)
				require.Equal(t, 1, n)
				note, err := f.lib.Note("1")
				require.NoError(t, err)
				require.Equal(t, "Work", note.Category)
				require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), note.UpdatedAt)
				return
			}
			require.ErrorIs(t, err, ErrInvalidImport)
			require.Contains(t, err.Error(), tc.wantErr)
			require.Empty(t, f.lib.Notes())
		})
	}
}

func TestLibraryReloadsPersistedCollections(t *testing.T) {
	f := newLibraryFixture(t)
	link, err := f.lib.AddLink(LinkInput{Title: "Go", URL: "https://go.dev"})
	require.NoError(t, err)
	f.store.Flush(context.Background())

	store := persist.NewStore(f.backend, persist.Options{Debounce: time.Millisecond})
	reopened, err := New(context.Background(), Options{Store: store})
	require.NoError(t, err)
	require.Equal(t, []Link{link}, reopened.Links())
	require.Empty(t, reopened.Notes())
}
