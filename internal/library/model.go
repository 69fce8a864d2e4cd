// Package library holds the links and notes collections and the views the
// UI renders from them.
package library

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned for unknown link, note or task IDs.
	ErrNotFound = errors.New("library: not found")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("library: invalid input")
	// ErrInvalidImport rejects an import payload as a whole.
	ErrInvalidImport = errors.New("library: invalid import")
)

// Storage keys of the two collections.
const (
	LinksKey = "links"
	NotesKey = "notes"
)

// DefaultCategory is assigned to notes created without one.
const DefaultCategory = "Default"

// Uncategorized groups links that carry no tags.
const Uncategorized = "Uncategorized"

const (
	maxTitleLength   = 200
	maxContentLength = 10000
	maxTagLength     = 50
)

// Link is a bookmarked URL.
type Link struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	URL   string   `json:"url"`
	Tags  []string `json:"tags"`
}

// Task is a checklist entry inside a note.
type Task struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Note is a memo with optional tasks.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsPinned  bool      `json:"isPinned"`
	Tasks     []Task    `json:"tasks,omitempty"`
}

// LinkInput carries user supplied link fields.
type LinkInput struct {
	Title string   `json:"title"`
	URL   string   `json:"url"`
	Tags  []string `json:"tags"`
}

// NoteInput carries user supplied note fields.
type NoteInput struct {
	Title    string      `json:"title"`
	Content  string      `json:"content"`
	Category string      `json:"category"`
	IsPinned bool        `json:"isPinned"`
	Tasks    []TaskInput `json:"tasks"`
}

// TaskInput carries a task's text and, when editing, its ID.
type TaskInput struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// FieldError names the offending field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("library: %s %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

func invalid(field, message string) error {
	return &FieldError{Field: field, Message: message}
}

var tagPattern = regexp.MustCompile(`^[\x{4e00}-\x{9fa5}a-zA-Z0-9_-]+$`)

// ValidTag reports whether tag is 1..50 letters, digits, CJK characters,
// hyphens or underscores.
func ValidTag(tag string) bool {
	n := utf8.RuneCountInString(tag)
	return n >= 1 && n <= maxTagLength && tagPattern.MatchString(tag)
}

// ValidTitle reports whether title is 1..200 characters.
func ValidTitle(title string) bool {
	n := utf8.RuneCountInString(title)
	return n >= 1 && n <= maxTitleLength
}

// ValidContent reports whether content is at most 10000 characters.
func ValidContent(content string) bool {
	return utf8.RuneCountInString(content) <= maxContentLength
}

var privateRanges = func() []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"} {
		_, block, _ := net.ParseCIDR(cidr)
		out = append(out, block)
	}
	return out
}()

// ValidURL accepts http and https URLs. Loopback names are allowed for local
// development; other private IPv4 hosts are rejected.
func ValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		for _, block := range privateRanges {
			if block.Contains(ip) {
				return false
			}
		}
	}
	return true
}

func (in LinkInput) normalize() (LinkInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.URL = strings.TrimSpace(in.URL)
	if !ValidTitle(in.Title) {
		return in, invalid("title", "must be 1 to 200 characters")
	}
	if !ValidURL(in.URL) {
		return in, invalid("url", "must be a public http or https URL")
	}
	tags := make([]string, 0, len(in.Tags))
	seen := make(map[string]struct{}, len(in.Tags))
	for _, tag := range in.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !ValidTag(tag) {
			return in, invalid("tags", fmt.Sprintf("contains invalid tag %q", tag))
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	in.Tags = tags
	return in, nil
}

func (in NoteInput) normalize() (NoteInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if !ValidTitle(in.Title) {
		return in, invalid("title", "must be 1 to 200 characters")
	}
	if !ValidContent(in.Content) {
		return in, invalid("content", "must be at most 10000 characters")
	}
	if in.Category == "" {
		in.Category = DefaultCategory
	}
	tasks := make([]TaskInput, 0, len(in.Tasks))
	for _, task := range in.Tasks {
		task.Text = strings.TrimSpace(task.Text)
		if task.Text == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	in.Tasks = tasks
	return in, nil
}
