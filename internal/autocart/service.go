package autocart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"

	"autocart/internal/logger"
)

// SyncWishlistTag is the background sync tag that re-persists the wishlist.
const SyncWishlistTag = "sync-wishlist"

// Service is the device-local daemon: a caching proxy in front of the app
// origin plus the worker, wishlist, notifications and connectivity state.
type Service struct {
	cfg *Config
	log zerolog.Logger

	network *http.Client
	db      *leveldb.DB
	stats   *statsCollector
	caches  *cacheStorage
	worker  *Worker

	notifications *NotificationCenter
	windows       *WindowRegistry
	store         LocalStore
	wishlist      *Wishlist
	monitor       *Monitor
	catalog       *Catalog
	account       *AccountClient

	registration *Registration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ServiceOption adjusts a Service before it starts.
type ServiceOption func(*Service)

// WithHTTPClient replaces the outbound client used for the origin.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) { s.network = c }
}

// WithLogger replaces the base logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		cfg:     &cfg,
		log:     logger.Get(),
		network: &http.Client{Timeout: cfg.timeoutDur},
		stats:   newStatsCollector(),
		windows: NewWindowRegistry(),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	db, err := openDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
	}
	s.db = db

	cat, err := LoadCatalog()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.catalog = cat

	s.caches = newCacheStorage(db, cfg.maxEntryBytes, s.component("storage"), s.stats)
	s.notifications = NewNotificationCenter(s.component("notifications"))
	s.worker = newWorker(s.cfg, s.caches, workerDeps{
		network:  s.network,
		notifier: s.notifications,
		clients:  s.windows,
		log:      s.component("worker"),
		stats:    s.stats,
	})

	s.store = newLevelStore(db)
	s.wishlist = LoadWishlist(s.store, LogToaster{Log: s.component("toast")}, s.component("wishlist"))
	s.worker.OnSync(SyncWishlistTag, s.wishlist.Persist)

	if cfg.Backend.URL != "" {
		s.account = NewAccountClient(cfg.Backend.URL, cfg.Backend.APIKey, s.network)
	}

	probe := httpProber(s.network, cfg.Server.Origin+cfg.Connectivity.ProbePath)
	initialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.monitor = NewMonitor(probe(initialCtx), s.component("connectivity"))
	cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.watch(probe, cfg.probeEveryDur, s.stopCh)
	}()

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) component(name string) zerolog.Logger {
	return logger.WithComponent(s.log, name)
}

// Start registers the worker. With a manifest configured the asset list and
// version come from it; when the manifest cannot be fetched the stored
// generation is resumed so the app still starts offline.
func (s *Service) Start(ctx context.Context) error {
	version := s.cfg.Worker.Version
	var assets []string
	if s.cfg.Worker.Manifest != "" {
		m, err := fetchManifest(ctx, s.network, s.cfg.Server.Origin, s.cfg.Worker.Manifest)
		if err != nil {
			s.log.Warn().Err(err).Msg("manifest unavailable, resuming stored generation")
		} else {
			assets = m.Assets
			if version == "" {
				version = m.Version
			}
		}
	}

	reg, err := Register(ctx, s.worker, RegisterOptions{
		Version:              version,
		Assets:               assets,
		Push:                 LocalPushService{EndpointBase: s.controlURL() + "/push/"},
		ApplicationServerKey: s.cfg.Push.VAPIDPublicKey,
	})
	if err != nil {
		return err
	}
	s.registration = reg
	s.startManifestWatch(s.cfg.updateEveryDur)
	return nil
}

// controlURL is the base URL of the control API as seen from this host.
func (s *Service) controlURL() string {
	addr := s.cfg.Control.Listen
	if addr == "" {
		return "http://127.0.0.1"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.worker.Close()
		if s.registration != nil && CurrentRegistration() == s.registration {
			Unregister()
		}
		s.caches.close()
		if err := s.db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close storage")
		}
	})
}

func (s *Service) Worker() *Worker { return s.worker }

func (s *Service) Wishlist() *Wishlist { return s.wishlist }

func (s *Service) Monitor() *Monitor { return s.monitor }

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) Windows() *WindowRegistry { return s.windows }

func (s *Service) Notifications() *NotificationCenter { return s.notifications }

// Handler serves the app through the worker.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.originRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p := s.worker.Dispatch(r.Context(), Event{Kind: EventFetch, Request: req})
	if err := p.Wait(r.Context()); err != nil {
		s.badGateway(w, err)
		return
	}
	res := p.Fetch()
	if res.Intercepted() {
		writeResponse(w, res.Response, string(res.Outcome))
		return
	}

	resp, err := s.network.Do(req)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	writeResponse(w, resp, string(res.Outcome))
}

func (s *Service) originRequest(r *http.Request) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = r.ContentLength
	return req, nil
}

func (s *Service) badGateway(w http.ResponseWriter, err error) {
	if !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("origin unreachable")
	}
	setAutocartHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeResponse(w http.ResponseWriter, resp *http.Response, outcome string) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-autocart") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setAutocartHeaders(w.Header(), outcome)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func setAutocartHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Autocart", outcome)
	}
	// Custom headers are unreadable from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Autocart")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	entries := 0
	if gen := s.worker.ActiveGeneration(); gen != "" {
		keys, err := s.caches.EntryKeys(gen)
		if err != nil {
			s.log.Warn().Err(err).Msg("count cache entries")
		}
		entries = len(keys)
	}
	s.log.Info().
		Str("generation", s.worker.ActiveGeneration()).
		Int("entries", entries).
		Uint64("hits", ss.Hits).
		Uint64("misses", ss.Misses).
		Uint64("bypassed", ss.Bypassed).
		Str("resp_min", formatBytes(ss.MinRespBytes)).
		Str("resp_avg", formatBytes(ss.AvgRespBytes)).
		Str("resp_max", formatBytes(ss.MaxRespBytes)).
		Bool("online", s.monitor.Online()).
		Int("wishlist", s.wishlist.Len()).
		Msg("stats")
}
