package autocart

import (
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInstallActivatesAndClaims(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")

	assert.Equal(t, StateActive, f.worker.State())
	assert.Equal(t, "v1", f.worker.ActiveVersion())
	assert.True(t, f.windows.Claimed())

	keys, err := f.caches.EntryKeys("autocart-cache-v1")
	require.NoError(t, err)
	assert.Len(t, keys, len(defaultShell))
}

func TestActivationDeletesOtherGenerations(t *testing.T) {
	f := newFixture(t, "")
	ctx := testContext(t)
	require.NoError(t, f.caches.Open(ctx, "autocart-cache-v0"))
	require.NoError(t, f.caches.Put(ctx, "autocart-cache-v0", "GET "+testOrigin+"/old.png", Snapshot{Status: 200}))

	f.installed(t, "v1")

	names, err := f.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"autocart-cache-v1"}, names)
	keys, err := f.caches.EntryKeys("autocart-cache-v0")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.EqualValues(t, 1, f.stats.deletedGens.Load())
}

func TestFetchShellOfflineNeverTouchesNetwork(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	res, err := f.worker.Fetch(testContext(t), getRequest(t, testOrigin+"/index.html"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "shell /index.html", readBody(t, res.Response))
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestFetchCachesStaticAssets(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	url := testOrigin + "/images/cars/honda-civic.png"
	f.mock.RegisterResponder(http.MethodGet, url, httpmock.NewBytesResponder(http.StatusOK, []byte("png-bytes")))

	ctx := testContext(t)
	res, err := f.worker.Fetch(ctx, getRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "png-bytes", readBody(t, res.Response))

	require.NoError(t, f.caches.Sync(ctx))
	f.mock.Reset()

	res, err = f.worker.Fetch(ctx, getRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "png-bytes", readBody(t, res.Response))
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestFetchDoesNotStore(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"json is not on the allow-list", "/data/cars.json", http.StatusOK},
		{"non-200 image", "/images/missing.png", http.StatusNotFound},
		{"no content image", "/images/empty.png", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.installed(t, "v1")
			url := testOrigin + tt.path
			f.mock.RegisterResponder(http.MethodGet, url, httpmock.NewStringResponder(tt.status, "x"))

			ctx := testContext(t)
			for i := 0; i < 2; i++ {
				res, err := f.worker.Fetch(ctx, getRequest(t, url))
				require.NoError(t, err)
				assert.Equal(t, OutcomeNoStore, res.Outcome)
				assert.Equal(t, tt.status, res.Response.StatusCode)
				res.Response.Body.Close()
				require.NoError(t, f.caches.Sync(ctx))
			}
			assert.Equal(t, 2, f.mock.GetCallCountInfo()["GET "+url])
		})
	}
}

func TestFetchBypassesAPIEvenWhenStored(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")

	ctx := testContext(t)
	for _, path := range []string{"/api/cars", "/functions/v1/book"} {
		req := getRequest(t, testOrigin+path)
		require.NoError(t, f.caches.Put(ctx, "autocart-cache-v1", keyFor(req), Snapshot{Status: 200, Body: []byte("stale")}))

		res, err := f.worker.Fetch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBypass, res.Outcome, path)
		assert.False(t, res.Intercepted())
	}
	assert.EqualValues(t, 2, f.stats.bypassed.Load())
}

func TestFetchCrossOriginPassesThrough(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	res, err := f.worker.Fetch(testContext(t), getRequest(t, "https://cdn.example.com/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePassthrough, res.Outcome)
	assert.Nil(t, res.Response)
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestFetchWithoutActiveGenerationPassesThrough(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.worker.Fetch(testContext(t), getRequest(t, testOrigin+"/"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePassthrough, res.Outcome)
}

func TestFetchNetworkErrorOnMiss(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	_, err := f.worker.Fetch(testContext(t), getRequest(t, testOrigin+"/images/new.png"))
	require.Error(t, err)
	assert.EqualValues(t, 1, f.stats.networkErrors.Load())
}

func TestInstallFailureKeepsPreviousGeneration(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")

	f.mock.Reset()
	f.serveShell()
	f.mock.RegisterResponder(http.MethodGet, testOrigin+"/manifest.json", httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	err := f.worker.Install(testContext(t), "v2", nil)
	require.ErrorIs(t, err, ErrInstallFailed)

	assert.Equal(t, "autocart-cache-v1", f.worker.ActiveGeneration())
	ok, err := f.caches.Has("autocart-cache-v2")
	require.NoError(t, err)
	assert.False(t, ok)
	keys, err := f.caches.EntryKeys("autocart-cache-v2")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInstallOfActiveVersionIsNoop(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	require.NoError(t, f.worker.Install(testContext(t), "v1", nil))
	assert.Zero(t, f.mock.GetTotalCallCount())
	assert.Equal(t, StateActive, f.worker.State())
}

func TestInstallIncludesManifestAssets(t *testing.T) {
	f := newFixture(t, "")
	f.serveShell()
	f.mock.RegisterResponder(http.MethodGet, testOrigin+"/assets/app.js", httpmock.NewStringResponder(http.StatusOK, "js"))

	require.NoError(t, f.worker.start(testContext(t), "v1", []string{"/assets/app.js", "/index.html"}))

	keys, err := f.caches.EntryKeys("autocart-cache-v1")
	require.NoError(t, err)
	assert.Len(t, keys, len(defaultShell)+1)
}

func TestConcurrentInstallIsRejected(t *testing.T) {
	f := newFixture(t, "")
	f.serveShell()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.mock.RegisterResponder(http.MethodGet, testOrigin+"/", func(req *http.Request) (*http.Response, error) {
		once.Do(func() { close(entered) })
		<-release
		return httpmock.NewStringResponse(http.StatusOK, "shell"), nil
	})

	ctx := testContext(t)
	done := make(chan error, 1)
	go func() { done <- f.worker.Install(ctx, "v1", nil) }()

	<-entered
	assert.Equal(t, StateInstalling, f.worker.State())
	require.ErrorIs(t, f.worker.Install(ctx, "v2", nil), ErrInstallInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "autocart-cache-v1", f.worker.ActiveGeneration())
}

func TestStartResumesStoredGenerationOffline(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	for _, version := range []string{"v1", ""} {
		w := f.newWorker()
		require.NoError(t, w.start(testContext(t), version, nil))
		assert.Equal(t, "autocart-cache-v1", w.ActiveGeneration())
		assert.Equal(t, "v1", w.ActiveVersion())
		w.Close()
	}
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestStartKeepsStoredGenerationWhenUpgradeFails(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	w := f.newWorker()
	t.Cleanup(w.Close)
	require.NoError(t, w.start(testContext(t), "v2", nil))
	assert.Equal(t, "autocart-cache-v1", w.ActiveGeneration())
	assert.Equal(t, StateActive, w.State())

	names, err := f.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"autocart-cache-v1"}, names)
}

func TestResumeDeletesLeftoverGenerations(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v2")
	ctx := testContext(t)
	leftover := []RequestKey{"GET " + testOrigin + "/"}
	require.NoError(t, f.caches.Install(ctx, "autocart-cache-v1", leftover, []Snapshot{{Status: 200}}))
	f.mock.Reset()

	w := f.newWorker()
	t.Cleanup(w.Close)
	require.NoError(t, w.start(ctx, "v2", nil))

	names, err := f.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"autocart-cache-v2"}, names)
	assert.Zero(t, f.mock.GetTotalCallCount())
}

func TestStartWithNothingStoredFails(t *testing.T) {
	f := newFixture(t, "")
	require.ErrorIs(t, f.worker.start(testContext(t), "", nil), ErrInstallFailed)
}

func TestSameOrigin(t *testing.T) {
	f := newFixture(t, "")
	origin := f.cfg.Origin()
	tests := []struct {
		url  string
		want bool
	}{
		{"https://autocart.test/x", true},
		{"https://AUTOCART.test:443/x", true},
		{"http://autocart.test/x", false},
		{"https://autocart.test:8443/x", false},
		{"https://api.autocart.test/x", false},
	}
	for _, tt := range tests {
		req := getRequest(t, tt.url)
		assert.Equal(t, tt.want, sameOrigin(origin, req.URL), tt.url)
	}
}
