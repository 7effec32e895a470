package autocart

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of one cache generation.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "uninstalled"
	}
}

// Outcome says how a fetch was answered.
type Outcome string

const (
	// OutcomePassthrough: not intercepted (cross-origin or no active generation).
	OutcomePassthrough Outcome = "passthrough"
	// OutcomeBypass: not intercepted because the URL carries an API marker.
	OutcomeBypass  Outcome = "bypass"
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeNoStore Outcome = "no-store"
)

// FetchResult is the answer to a fetch event. Response is nil when the
// request was not intercepted and the caller must go to the network itself.
type FetchResult struct {
	Outcome  Outcome
	Response *http.Response
}

// Intercepted reports whether the worker produced the response.
func (r FetchResult) Intercepted() bool { return r.Response != nil }

type generation struct {
	name    string
	version string
	state   State
}

// Worker is the offline cache manager: it owns the generation lifecycle and
// answers fetch, push, notificationclick and sync events.
type Worker struct {
	cfg      *Config
	network  *http.Client
	caches   *cacheStorage
	notifier Notifier
	clients  Clients
	log      zerolog.Logger
	stats    *statsCollector

	mu         sync.Mutex
	active     *generation
	waiting    *generation
	installing *generation

	handlers map[EventKind]eventHandler
	lanes    map[EventKind]chan struct{}

	syncMu   sync.RWMutex
	syncTags map[string]func(context.Context) error

	wg sync.WaitGroup
}

type workerDeps struct {
	network  *http.Client
	notifier Notifier
	clients  Clients
	log      zerolog.Logger
	stats    *statsCollector
}

func newWorker(cfg *Config, caches *cacheStorage, deps workerDeps) *Worker {
	if deps.network == nil {
		deps.network = &http.Client{Timeout: cfg.timeoutDur}
	}
	if deps.stats == nil {
		deps.stats = newStatsCollector()
	}
	w := &Worker{
		cfg:      cfg,
		network:  deps.network,
		caches:   caches,
		notifier: deps.notifier,
		clients:  deps.clients,
		log:      deps.log,
		stats:    deps.stats,
		syncTags: map[string]func(context.Context) error{},
	}
	w.handlers = map[EventKind]eventHandler{
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventFetch:             w.onFetch,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
		EventSync:              w.onSync,
	}
	w.lanes = make(map[EventKind]chan struct{}, len(w.handlers))
	for kind := range w.handlers {
		if kind == EventFetch {
			continue
		}
		w.lanes[kind] = make(chan struct{}, 1)
	}
	return w
}

// Close waits for in-flight events to finish.
func (w *Worker) Close() {
	w.wg.Wait()
}

// ActiveGeneration returns the name of the generation serving fetches, or "".
func (w *Worker) ActiveGeneration() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return ""
	}
	return w.active.name
}

// ActiveVersion returns the version tag of the active generation, or "".
func (w *Worker) ActiveVersion() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return ""
	}
	return w.active.version
}

// State reports the most advanced lifecycle state currently held.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.installing != nil:
		return w.installing.state
	case w.waiting != nil:
		return w.waiting.state
	case w.active != nil:
		return w.active.state
	}
	return StateUninstalled
}

// OnSync registers fn for sync events carrying tag.
func (w *Worker) OnSync(tag string, fn func(context.Context) error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	w.syncTags[tag] = fn
}

// start brings up version: a generation already in storage is resumed as
// active without touching the network, anything else is installed. An
// empty version, or an install that fails, resumes whichever generation
// with our prefix is stored.
func (w *Worker) start(ctx context.Context, version string, assets []string) error {
	if version == "" {
		return w.resumeStored(ctx)
	}
	name := w.cfg.CacheName(version)
	ok, err := w.caches.Has(name)
	if err != nil {
		return err
	}
	if ok {
		w.resume(ctx, name, version)
		return nil
	}
	installErr := w.Dispatch(ctx, Event{Kind: EventInstall, Version: version, Assets: assets}).Wait(ctx)
	if installErr == nil {
		return nil
	}
	if err := w.resumeStored(ctx); err != nil {
		return installErr
	}
	w.log.Warn().Err(installErr).Str("generation", name).Msg("upgrade failed, serving stored generation")
	return nil
}

func (w *Worker) resumeStored(ctx context.Context) error {
	names, err := w.caches.Keys()
	if err != nil {
		return err
	}
	for i := len(names) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(names[i], w.cfg.Worker.CachePrefix); ok {
			w.resume(ctx, names[i], v)
			return nil
		}
	}
	return fmt.Errorf("%w: no stored generation to resume", ErrInstallFailed)
}

// resume makes a stored generation active and removes the others, which a
// crash between install and activation can leave behind.
func (w *Worker) resume(ctx context.Context, name, version string) {
	w.mu.Lock()
	w.active = &generation{name: name, version: version, state: StateActive}
	w.mu.Unlock()
	w.log.Info().Str("generation", name).Msg("resumed stored generation")

	if err := w.deleteOthers(ctx, name); err != nil {
		w.log.Warn().Err(err).Str("generation", name).Msg("could not delete old caches")
	}
}

// Install fetches the shell into a new generation and, on success, activates
// it right away instead of waiting for clients to go away.
func (w *Worker) Install(ctx context.Context, version string, assets []string) error {
	name := w.cfg.CacheName(version)

	w.mu.Lock()
	if w.installing != nil {
		w.mu.Unlock()
		return ErrInstallInFlight
	}
	if w.active != nil && w.active.name == name {
		w.mu.Unlock()
		return nil
	}
	gen := &generation{name: name, version: version, state: StateInstalling}
	w.installing = gen
	w.mu.Unlock()

	w.log.Info().Str("generation", name).Msg("installing")
	err := w.precache(ctx, name, shellPaths(w.cfg.Worker.Shell, assets))

	w.mu.Lock()
	w.installing = nil
	if err != nil {
		gen.state = StateRedundant
		w.mu.Unlock()
		w.log.Error().Err(err).Str("generation", name).Msg("install failed")
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, name, err)
	}
	gen.state = StateInstalled
	if w.waiting != nil {
		w.waiting.state = StateRedundant
	}
	w.waiting = gen
	w.mu.Unlock()

	return w.Dispatch(ctx, Event{Kind: EventActivate, Version: version}).Wait(ctx)
}

func shellPaths(shell, assets []string) []string {
	seen := make(map[string]struct{}, len(shell)+len(assets))
	out := make([]string, 0, len(shell)+len(assets))
	for _, list := range [][]string{shell, assets} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (w *Worker) precache(ctx context.Context, name string, paths []string) error {
	keys := make([]RequestKey, len(paths))
	snaps := make([]Snapshot, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, w.cfg.Server.Origin+p, nil)
			if err != nil {
				return err
			}
			snap, err := w.fetchSnapshot(req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			keys[i] = keyFor(req)
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return w.caches.Install(ctx, name, keys, snaps)
}

func (w *Worker) fetchSnapshot(req *http.Request) (Snapshot, error) {
	resp, err := w.network.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Snapshot{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(req.URL.String(), resp, body), nil
}

func newSnapshot(u string, resp *http.Response, body []byte) Snapshot {
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Snapshot{
		URL:      u,
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// Activate deletes every stored generation except version's, then promotes
// it and claims open clients. Deletion completes before the new generation
// serves anything.
func (w *Worker) Activate(ctx context.Context, version string) error {
	name := w.cfg.CacheName(version)

	w.mu.Lock()
	gen := w.waiting
	if gen == nil || gen.name != name {
		w.mu.Unlock()
		return fmt.Errorf("activate %s: generation is not installed", name)
	}
	gen.state = StateActivating
	w.mu.Unlock()

	w.log.Info().Str("generation", name).Msg("activating")
	if err := w.deleteOthers(ctx, name); err != nil {
		w.mu.Lock()
		gen.state = StateInstalled
		w.mu.Unlock()
		return fmt.Errorf("activate %s: %w", name, err)
	}

	w.mu.Lock()
	if w.active != nil {
		w.active.state = StateRedundant
	}
	gen.state = StateActive
	w.active = gen
	w.waiting = nil
	w.mu.Unlock()

	if w.clients != nil {
		if err := w.clients.Claim(ctx); err != nil {
			w.log.Warn().Err(err).Msg("claim clients failed")
		}
	}
	return nil
}

func (w *Worker) deleteOthers(ctx context.Context, keep string) error {
	names, err := w.caches.Keys()
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == keep {
			continue
		}
		w.log.Info().Str("generation", n).Msg("deleting old cache")
		if err := w.caches.Delete(ctx, n); err != nil {
			return err
		}
		w.stats.deletedGens.Add(1)
	}
	return nil
}

// Fetch applies the interception policy to req. Cross-origin and API
// requests are left to the caller; everything else is cache-first, and
// qualifying network responses are stored as they are served.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	res, err := w.fetch(ctx, req)
	if err != nil {
		w.stats.networkErrors.Add(1)
		return res, err
	}
	w.stats.observeOutcome(res.Outcome)
	if res.Response != nil && res.Response.ContentLength >= 0 {
		w.stats.Observe(int(res.Response.ContentLength))
	}
	return res, nil
}

func (w *Worker) fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	origin := w.cfg.Origin()
	if !sameOrigin(origin, req.URL) {
		return FetchResult{Outcome: OutcomePassthrough}, nil
	}
	if matchAny(w.cfg.bypass, req.URL) {
		return FetchResult{Outcome: OutcomeBypass}, nil
	}
	gen := w.ActiveGeneration()
	if gen == "" {
		return FetchResult{Outcome: OutcomePassthrough}, nil
	}

	key := keyFor(req)
	snap, ok, err := w.caches.Match(gen, key)
	if err != nil {
		w.log.Warn().Err(err).Str("key", string(key)).Msg("cache match failed, using network")
	}
	if ok {
		return FetchResult{Outcome: OutcomeHit, Response: snap.Response(req)}, nil
	}

	resp, err := w.network.Do(req.WithContext(ctx))
	if err != nil {
		return FetchResult{}, err
	}
	if resp.StatusCode != http.StatusOK || classifyResponse(origin, req, resp) != ResponseBasic {
		return FetchResult{Outcome: OutcomeNoStore, Response: resp}, nil
	}
	if req.Method != http.MethodGet || !matchAny(w.cfg.cacheable, req.URL) {
		return FetchResult{Outcome: OutcomeNoStore, Response: resp}, nil
	}

	// The body can be read once; buffer it so the cache and the caller each
	// get their own copy.
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return FetchResult{}, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	w.caches.PutAsync(gen, key, newSnapshot(req.URL.String(), resp, body))
	return FetchResult{Outcome: OutcomeMiss, Response: resp}, nil
}

func sameOrigin(origin, u *url.URL) bool {
	if u == nil || !strings.EqualFold(origin.Scheme, u.Scheme) {
		return false
	}
	return strings.EqualFold(hostPort(origin), hostPort(u))
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return u.Hostname() + ":443"
	case "http":
		return u.Hostname() + ":80"
	}
	return u.Host
}

func classifyResponse(origin *url.URL, req *http.Request, resp *http.Response) ResponseType {
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if sameOrigin(origin, final) {
		return ResponseBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return ResponseCORS
	}
	return ResponseOpaque
}
