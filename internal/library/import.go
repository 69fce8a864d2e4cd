package library

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

func importError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidImport, fmt.Sprintf(format, args...))
}

func decodeItems(payload []byte) ([]map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, importError("payload must be a JSON array")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, importError("malformed JSON: %v", err)
	}
	items := make([]map[string]json.RawMessage, 0, len(raw))
	for i, entry := range raw {
		entry = bytes.TrimSpace(entry)
		if len(entry) == 0 || entry[0] != '{' {
			return nil, importError("item %d is not an object", i)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil {
			return nil, importError("item %d: %v", i, err)
		}
		items = append(items, fields)
	}
	return items, nil
}

// isNull reports a literal JSON null, which Unmarshal would quietly accept as
// the zero value.
func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func stringField(item map[string]json.RawMessage, index int, name string) (string, error) {
	raw, ok := item[name]
	if !ok {
		return "", importError("item %d: missing %s", index, name)
	}
	var value string
	if isNull(raw) {
		return "", importError("item %d: %s must be a string", index, name)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", importError("item %d: %s must be a string", index, name)
	}
	return value, nil
}

func boolField(item map[string]json.RawMessage, index int, name string) (bool, error) {
	raw, ok := item[name]
	if !ok {
		return false, importError("item %d: missing %s", index, name)
	}
	var value bool
	if isNull(raw) {
		return false, importError("item %d: %s must be a boolean", index, name)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, importError("item %d: %s must be a boolean", index, name)
	}
	return value, nil
}

func timeField(item map[string]json.RawMessage, index int, name string) (time.Time, error) {
	value, err := stringField(item, index, name)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, importError("item %d: %s must be an RFC 3339 timestamp", index, name)
	}
	return parsed, nil
}

// decodeLinks checks the field types the UI depends on. Values are taken
// as-is so an export can always be imported back.
func decodeLinks(payload []byte) ([]Link, error) {
	items, err := decodeItems(payload)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(items))
	for i, item := range items {
		var link Link
		if link.ID, err = stringField(item, i, "id"); err != nil {
			return nil, err
		}
		if link.Title, err = stringField(item, i, "title"); err != nil {
			return nil, err
		}
		if link.URL, err = stringField(item, i, "url"); err != nil {
			return nil, err
		}
		raw, ok := item["tags"]
		if !ok || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
			return nil, importError("item %d: tags must be an array", i)
		}
		var tags []*string
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, importError("item %d: tags must contain strings", i)
		}
		link.Tags = make([]string, 0, len(tags))
		for _, tag := range tags {
			if tag == nil {
				return nil, importError("item %d: tags must contain strings", i)
			}
			link.Tags = append(link.Tags, *tag)
		}
		links = append(links, link)
	}
	return links, nil
}

func decodeNotes(payload []byte) ([]Note, error) {
	items, err := decodeItems(payload)
	if err != nil {
		return nil, err
	}
	notes := make([]Note, 0, len(items))
	for i, item := range items {
		var note Note
		if note.ID, err = stringField(item, i, "id"); err != nil {
			return nil, err
		}
		if note.Title, err = stringField(item, i, "title"); err != nil {
			return nil, err
		}
		if note.Content, err = stringField(item, i, "content"); err != nil {
			return nil, err
		}
		if note.Category, err = stringField(item, i, "category"); err != nil {
			return nil, err
		}
		if note.CreatedAt, err = timeField(item, i, "createdAt"); err != nil {
			return nil, err
		}
		if note.UpdatedAt, err = timeField(item, i, "updatedAt"); err != nil {
			return nil, err
		}
		if note.IsPinned, err = boolField(item, i, "isPinned"); err != nil {
			return nil, err
		}
		if raw, ok := item["tasks"]; ok && !isNull(raw) {
			var tasks []*Task
			if err := json.Unmarshal(raw, &tasks); err != nil {
				return nil, importError("item %d: tasks must be an array of tasks", i)
			}
			note.Tasks = make([]Task, 0, len(tasks))
			for _, task := range tasks {
				if task == nil {
					return nil, importError("item %d: tasks must be an array of tasks", i)
				}
				note.Tasks = append(note.Tasks, *task)
			}
		}
		notes = append(notes, note)
	}
	return notes, nil
}
