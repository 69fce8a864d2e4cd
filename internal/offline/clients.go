package offline

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownClient is returned for client IDs that are not tracked.
var ErrUnknownClient = errors.New("offline: unknown client")

// Client is an open window of the application.
type Client struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Focused    bool   `json:"focused"`
	Controller string `json:"controller,omitempty"`
	Reloads    int    `json:"reloads"`
}

// Clients tracks open windows, which worker controls each of them and the
// reloads requested after an update.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
	order   []string
}

// NewClients returns an empty registry.
func NewClients() *Clients {
	return &Clients{clients: make(map[string]*Client)}
}

// Track registers a window showing url. The new window is uncontrolled
// until a worker claims it.
func (c *Clients) Track(url string) Client {
	return c.TrackControlled(url, "")
}

// TrackControlled registers a window that loaded under controller.
func (c *Clients) TrackControlled(url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client := &Client{ID: uuid.NewString(), URL: url, Controller: controller}
	c.clients[client.ID] = client
	c.order = append(c.order, client.ID)
	return *client
}

// Forget drops a closed window.
func (c *Clients) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return
	}
	delete(c.clients, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Get returns one client.
func (c *Clients) Get(id string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	return *client, nil
}

// MatchAll lists windows in the order they were opened.
func (c *Clients) MatchAll() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.clients[id])
	}
	return out
}

// Claim makes workerID the controller of every window.
func (c *Clients) Claim(workerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Controller = workerID
	}
	return len(c.clients)
}

// ControlledBy counts windows controlled by workerID.
func (c *Clients) ControlledBy(workerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, client := range c.clients {
		if client.Controller == workerID {
			n++
		}
	}
	return n
}

// Focus moves focus to id.
func (c *Clients) Focus(id string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.clients[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	for _, client := range c.clients {
		client.Focused = false
	}
	target.Focused = true
	return *target, nil
}

// OpenWindow opens and focuses a new window controlled by controller.
func (c *Clients) OpenWindow(url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Focused = false
	}
	client := &Client{ID: uuid.NewString(), URL: url, Focused: true, Controller: controller}
	c.clients[client.ID] = client
	c.order = append(c.order, client.ID)
	return *client
}

// Reload records a full reload of every window.
func (c *Clients) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Reloads++
	}
}
