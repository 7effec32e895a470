package autocart

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor holds the online/offline state. Set is the only way in; every
// change is pushed to subscribers immediately.
type Monitor struct {
	log zerolog.Logger

	// notifyMu orders transitions and their delivery; held across both.
	notifyMu sync.Mutex

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewMonitor starts from the platform's current status.
func NewMonitor(initial bool, log zerolog.Logger) *Monitor {
	return &Monitor{log: log, online: initial, subs: map[int]func(bool){}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a connectivity signal. Signals that do not change the state
// are ignored. Subscribers see transitions in the order they happened and
// must not call Set themselves.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info().Msg("network online")
	} else {
		m.log.Warn().Msg("network offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe calls fn on every transition until the returned func is called.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Prober reports whether the origin is reachable right now.
type Prober func(ctx context.Context) bool

// httpProber treats any HTTP answer from url as online; only transport
// failures count as offline.
func httpProber(client *http.Client, url string) Prober {
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// watch feeds the probe result into m every interval until stop closes.
func (m *Monitor) watch(probe Prober, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			m.Set(probe(ctx))
			cancel()
		}
	}
}
