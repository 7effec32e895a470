package autocart

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier shows and closes user notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(id string)
}

// WindowClient is an open application window.
type WindowClient interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
}

// Clients enumerates and opens application windows.
type Clients interface {
	// MatchAll returns every window of the app, controlled or not.
	MatchAll(ctx context.Context) ([]WindowClient, error)
	OpenWindow(ctx context.Context, url string) (WindowClient, error)
	// Claim makes the worker the controller of all open windows.
	Claim(ctx context.Context) error
}

// Toaster shows short confirmation messages.
type Toaster interface {
	Toast(title, description string)
}

// ---- in-process windows ----

// WindowRegistry tracks the app windows known to this process.
type WindowRegistry struct {
	mu      sync.Mutex
	windows []*window
	focused string
	claimed bool

	// Open, if set, is called for every newly opened window.
	Open func(url string) error
}

type window struct {
	reg *WindowRegistry
	id  string
	url string
}

func (w *window) ID() string  { return w.id }
func (w *window) URL() string { return w.url }

func (w *window) Focus(context.Context) error {
	w.reg.mu.Lock()
	w.reg.focused = w.id
	w.reg.mu.Unlock()
	return nil
}

func NewWindowRegistry() *WindowRegistry {
	return &WindowRegistry{}
}

// Add records an already open window at url.
func (r *WindowRegistry) Add(url string) WindowClient {
	w := &window{reg: r, id: uuid.NewString(), url: url}
	r.mu.Lock()
	r.windows = append(r.windows, w)
	r.mu.Unlock()
	return w
}

// Remove forgets the window with id.
func (r *WindowRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.windows {
		if w.id == id {
			r.windows = append(r.windows[:i], r.windows[i+1:]...)
			if r.focused == id {
				r.focused = ""
			}
			return true
		}
	}
	return false
}

func (r *WindowRegistry) MatchAll(context.Context) ([]WindowClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WindowClient, len(r.windows))
	for i, w := range r.windows {
		out[i] = w
	}
	return out, nil
}

func (r *WindowRegistry) OpenWindow(ctx context.Context, url string) (WindowClient, error) {
	if r.Open != nil {
		if err := r.Open(url); err != nil {
			return nil, err
		}
	}
	w := r.Add(url)
	return w, w.Focus(ctx)
}

func (r *WindowRegistry) Claim(context.Context) error {
	r.mu.Lock()
	r.claimed = true
	r.mu.Unlock()
	return nil
}

// Focused returns the id of the focused window, or "".
func (r *WindowRegistry) Focused() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// Claimed reports whether a worker has claimed the windows.
func (r *WindowRegistry) Claimed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimed
}

// ---- in-process notifications ----

// NotificationCenter keeps shown notifications in memory and logs them.
type NotificationCenter struct {
	log zerolog.Logger

	mu    sync.Mutex
	shown []Notification
}

func NewNotificationCenter(log zerolog.Logger) *NotificationCenter {
	return &NotificationCenter{log: log}
}

func (c *NotificationCenter) ShowNotification(_ context.Context, n Notification) error {
	c.mu.Lock()
	c.shown = append(c.shown, n)
	c.mu.Unlock()
	c.log.Info().Str("id", n.ID).Str("title", n.Title).Str("url", n.Data.URL).Msg("notification shown")
	return nil
}

func (c *NotificationCenter) CloseNotification(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.shown {
		if n.ID == id {
			c.shown = append(c.shown[:i], c.shown[i+1:]...)
			return
		}
	}
}

// Get returns the open notification with id.
func (c *NotificationCenter) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.shown {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// Open lists notifications that have not been closed.
func (c *NotificationCenter) Open() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.shown...)
}

// ---- toasts ----

// LogToaster writes confirmations to the log.
type LogToaster struct {
	Log zerolog.Logger
}

func (t LogToaster) Toast(title, description string) {
	t.Log.Info().Str("title", title).Msg(description)
}
