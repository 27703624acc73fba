package offshell

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
)

// Clients is the layer's view of its live consumers: application views that
// can receive broadcast messages and be focused or opened at a URL.
type Clients interface {
	Broadcast(msg string)
	FocusOrOpen(url string) error
}

type logClients struct{}

func (logClients) Broadcast(msg string) { log.Printf("clients: broadcast %q", msg) }
func (logClients) FocusOrOpen(url string) error {
	log.Printf("clients: focus or open %s", url)
	return nil
}

// Notification is a user-visible push notification. The onClick callback
// passed to Show carries the user-interaction follow-up.
type Notification struct {
	Title     string
	Body      string
	TargetURL string
}

type Notifier interface {
	Show(n Notification, onClick func()) error
}

type logNotifier struct{}

func (logNotifier) Show(n Notification, onClick func()) error {
	log.Printf("notify: %s: %s (%s)", n.Title, n.Body, n.TargetURL)
	return nil
}

// PushPayload is the wire form of a push signal.
type PushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	TargetURL string `json:"targetUrl"`
}

// Control is the asynchronous control channel: a sync trigger draining
// deferred work, a push trigger surfacing notifications, and a read-only
// stats query.
type Control struct {
	store    Store
	stats    *statsCollector
	clients  Clients
	notifier Notifier

	mu      sync.Mutex
	pending map[string]struct{}
}

func newControl(store Store, stats *statsCollector, clients Clients, notifier Notifier) *Control {
	return &Control{
		store:    store,
		stats:    stats,
		clients:  clients,
		notifier: notifier,
		pending:  map[string]struct{}{},
	}
}

// queueDeferred records a request key that went unsatisfied while offline so
// the next sync can tell consumers fresh content may be available.
func (c *Control) queueDeferred(key string) {
	c.mu.Lock()
	c.pending[key] = struct{}{}
	c.mu.Unlock()
}

// Sync drains the deferred queue and notifies consumers once. Firing it with
// nothing queued is a no-op, so repeated connectivity signals are harmless.
func (c *Control) Sync(ctx context.Context) error {
	c.mu.Lock()
	n := len(c.pending)
	c.pending = map[string]struct{}{}
	c.mu.Unlock()

	if n == 0 {
		return nil
	}
	c.clients.Broadcast("sync-complete")
	log.Printf("control: sync cleared %d deferred request(s)", n)
	return nil
}

// Push surfaces a notification; when the user interacts with it, the host is
// instructed to focus or open the target view.
func (c *Control) Push(ctx context.Context, payload []byte) error {
	var p PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("push payload: %w", err)
	}
	if p.Title == "" {
		return fmt.Errorf("push payload: title is required")
	}
	n := Notification{Title: p.Title, Body: p.Body, TargetURL: p.TargetURL}
	return c.notifier.Show(n, func() {
		if p.TargetURL == "" {
			return
		}
		if err := c.clients.FocusOrOpen(p.TargetURL); err != nil {
			log.Printf("control: open %s: %v", p.TargetURL, err)
		}
	})
}

// Stats returns the entry count per cache name. Diagnostics only; it never
// mutates state.
func (c *Control) Stats() map[string]int {
	out := map[string]int{}
	for _, name := range c.store.CacheNames() {
		out[name] = c.store.Count(name)
	}
	return out
}

type statsResponse struct {
	Caches   map[string]int `json:"caches"`
	Requests statsSnapshot  `json:"requests"`
}

func (c *Control) writeStats(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(statsResponse{
		Caches:   c.Stats(),
		Requests: c.stats.snapshot(),
	})
}

// Reserved control paths, served beside the data path.
const controlPrefix = "/_offshell/"

func controlEvent(r *http.Request) (EventKind, bool) {
	if !strings.HasPrefix(r.URL.Path, controlPrefix) {
		return "", false
	}
	switch strings.TrimPrefix(r.URL.Path, controlPrefix) {
	case "stats":
		if r.Method == http.MethodGet {
			return EventMessage, true
		}
	case "sync":
		if r.Method == http.MethodPost {
			return EventSync, true
		}
	case "push":
		if r.Method == http.MethodPost {
			return EventPush, true
		}
	}
	return "", false
}
