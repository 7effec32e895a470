package autocart

import (
	"context"
	"fmt"
	"sync"
)

// The process holds at most one worker registration. The first successful
// Register creates it; later calls return it unchanged. It lives until
// Unregister. Activating a new generation replaces what the worker serves,
// not the registration.
var (
	regMu        sync.Mutex
	registration *Registration
)

// Registration binds the worker to its push channel.
type Registration struct {
	worker *Worker
	push   PushService
	appKey string
}

// RegisterOptions configures the first registration.
type RegisterOptions struct {
	Version string
	Assets  []string
	Push    PushService
	// ApplicationServerKey is the base64url VAPID public key.
	ApplicationServerKey string
}

// Register brings the worker up (resume or install+activate) and records the
// registration. Registering again returns the existing registration.
func Register(ctx context.Context, w *Worker, opts RegisterOptions) (*Registration, error) {
	regMu.Lock()
	defer regMu.Unlock()

	if registration != nil {
		return registration, nil
	}
	if err := w.start(ctx, opts.Version, opts.Assets); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	registration = &Registration{worker: w, push: opts.Push, appKey: opts.ApplicationServerKey}
	w.log.Info().Str("generation", w.ActiveGeneration()).Msg("worker registered")
	return registration, nil
}

// CurrentRegistration returns the registration, or nil before Register.
func CurrentRegistration() *Registration {
	regMu.Lock()
	defer regMu.Unlock()
	return registration
}

// Unregister drops the registration. The stored generation is kept.
func Unregister() {
	regMu.Lock()
	defer regMu.Unlock()
	registration = nil
}

func (r *Registration) Worker() *Worker { return r.worker }

// Subscribe asks the push service for a subscription tied to the configured
// application server key.
func (r *Registration) Subscribe(ctx context.Context) (*Subscription, error) {
	if r.push == nil {
		return nil, fmt.Errorf("subscribe: no push service")
	}
	key, err := decodeApplicationKey(r.appKey)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub, err := r.push.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		r.worker.log.Error().Err(err).Msg("push subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// SubscribeToPush subscribes through the current registration and fails
// with ErrNotRegistered if there is none.
func SubscribeToPush(ctx context.Context) (*Subscription, error) {
	r := CurrentRegistration()
	if r == nil {
		return nil, ErrNotRegistered
	}
	return r.Subscribe(ctx)
}
