package autocart

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
)

// EventKind names a worker event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// Event is one unit of work for the worker. Only the fields of its kind are
// read.
type Event struct {
	Kind EventKind

	// install, activate
	Version string
	Assets  []string

	// fetch
	Request *http.Request

	// push
	Data []byte

	// notificationclick
	Click NotificationClick

	// sync
	Tag string
}

// Pending is the work the caller must wait for before the event counts as
// handled.
type Pending struct {
	done  chan struct{}
	err   error
	fetch FetchResult
}

func newPending() *Pending { return &Pending{done: make(chan struct{})} }

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the handler returns.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the handler returns or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch returns the fetch answer. Valid once Done is closed.
func (p *Pending) Fetch() FetchResult { return p.fetch }

type eventHandler func(ctx context.Context, ev Event, p *Pending) error

// Dispatch runs the handler for ev.Kind on its own goroutine. Events of one
// kind are handled one at a time, except fetches; different kinds overlap.
// A panicking handler fails its Pending and nothing else.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Pending {
	p := newPending()
	h, ok := w.handlers[ev.Kind]
	if !ok {
		p.finish(fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind))
		return p
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if lane := w.lanes[ev.Kind]; lane != nil {
			select {
			case lane <- struct{}{}:
			case <-ctx.Done():
				p.finish(ctx.Err())
				return
			}
			defer func() { <-lane }()
		}
		p.finish(w.run(ctx, h, ev, p))
	}()
	return p
}

func (w *Worker) run(ctx context.Context, h eventHandler, ev Event, p *Pending) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Str("event", string(ev.Kind)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return h(ctx, ev, p)
}

func (w *Worker) onInstall(ctx context.Context, ev Event, _ *Pending) error {
	return w.Install(ctx, ev.Version, ev.Assets)
}

func (w *Worker) onActivate(ctx context.Context, ev Event, _ *Pending) error {
	return w.Activate(ctx, ev.Version)
}

func (w *Worker) onFetch(ctx context.Context, ev Event, p *Pending) error {
	if ev.Request == nil {
		return fmt.Errorf("fetch event without request")
	}
	res, err := w.Fetch(ctx, ev.Request)
	p.fetch = res
	return err
}

func (w *Worker) onPush(ctx context.Context, ev Event, _ *Pending) error {
	return w.HandlePush(ctx, ev.Data)
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event, _ *Pending) error {
	return w.HandleNotificationClick(ctx, ev.Click)
}

func (w *Worker) onSync(ctx context.Context, ev Event, _ *Pending) error {
	w.syncMu.RLock()
	fn, ok := w.syncTags[ev.Tag]
	w.syncMu.RUnlock()
	if !ok {
		w.log.Debug().Str("tag", ev.Tag).Msg("no handler for sync tag")
		return nil
	}
	w.log.Info().Str("tag", ev.Tag).Msg("background sync")
	return fn(ctx)
}
