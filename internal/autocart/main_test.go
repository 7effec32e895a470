package autocart

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testOrigin = "https://autocart.test"

// testConfig parses a config for testOrigin with in-memory storage. extra
// is appended YAML and must not repeat the server or storage sections.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	doc := "server:\n  origin: " + testOrigin + "\nstorage:\n  path: \":memory:\"\n" + extra
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

type fixture struct {
	cfg     *Config
	db      *leveldb.DB
	stats   *statsCollector
	caches  *cacheStorage
	mock    *httpmock.MockTransport
	notes   *NotificationCenter
	windows *WindowRegistry
	worker  *Worker
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	cfg := testConfig(t, extra)
	db, err := openDB(MemoryPath)
	require.NoError(t, err)

	f := &fixture{
		cfg:     &cfg,
		db:      db,
		stats:   newStatsCollector(),
		mock:    httpmock.NewMockTransport(),
		notes:   NewNotificationCenter(zerolog.Nop()),
		windows: NewWindowRegistry(),
	}
	f.caches = newCacheStorage(db, cfg.maxEntryBytes, zerolog.Nop(), f.stats)
	f.worker = f.newWorker()

	t.Cleanup(func() {
		f.worker.Close()
		f.caches.close()
		_ = db.Close()
	})
	return f
}

// newWorker builds another worker over the same storage and network.
func (f *fixture) newWorker() *Worker {
	return newWorker(f.cfg, f.caches, workerDeps{
		network:  &http.Client{Transport: f.mock},
		notifier: f.notes,
		clients:  f.windows,
		log:      zerolog.Nop(),
		stats:    f.stats,
	})
}

// serveShell answers every shell path with a small page.
func (f *fixture) serveShell() {
	for _, p := range f.cfg.Worker.Shell {
		f.mock.RegisterResponder(http.MethodGet, testOrigin+p, httpmock.NewStringResponder(http.StatusOK, "shell "+p))
	}
}

// installed brings the worker up on version with the shell served.
func (f *fixture) installed(t *testing.T, version string) {
	t.Helper()
	f.serveShell()
	require.NoError(t, f.worker.start(testContext(t), version, nil))
	require.Equal(t, f.cfg.CacheName(version), f.worker.ActiveGeneration())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(testContext(t), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}
