package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultNotificationTitle = "Link Manager"
	defaultNotificationBody  = "You have a new notification"
	notificationIcon         = "/pwa-192x192.svg"
)

// ErrInvalidPush is returned for push payloads that are not JSON objects.
var ErrInvalidPush = errors.New("offline: invalid push payload")

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// ParsePush decodes payload and applies defaults for missing fields.
func ParsePush(payload []byte) (PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return PushPayload{}, fmt.Errorf("%w: %v", ErrInvalidPush, err)
	}
	if p.Title == "" {
		p.Title = defaultNotificationTitle
	}
	if p.Body == "" {
		p.Body = defaultNotificationBody
	}
	if p.URL == "" {
		p.URL = "/"
	}
	return p, nil
}

// Notification is a system notification shown by a worker.
type Notification struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon"`
	Badge   string    `json:"badge"`
	URL     string    `json:"url"`
	Vibrate []int     `json:"vibrate,omitempty"`
	ShownAt time.Time `json:"shownAt"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Inbox is an in-process Notifier that keeps shown notifications until they
// are clicked or closed.
type Inbox struct {
	mu    sync.Mutex
	items []Notification
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

func (b *Inbox) Show(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ShownAt.IsZero() {
		n.ShownAt = time.Now().UTC()
	}
	b.items = append(b.items, n)
	return nil
}

// List returns shown notifications, oldest first.
func (b *Inbox) List() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.items...)
}

// Take removes and returns the notification with id.
func (b *Inbox) Take(id string) (Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return n, true
		}
	}
	return Notification{}, false
}
