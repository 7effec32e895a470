package autocart

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://autocart.test/\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://autocart.test", cfg.Server.Origin)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, "autocart-cache-v1", cfg.CacheName(cfg.Worker.Version))
	assert.Equal(t, []string{"/", "/index.html", "/manifest.json"}, cfg.Worker.Shell)
	assert.Equal(t, "AutoCart", cfg.Push.DefaultTitle)
	assert.Equal(t, 30*time.Second, cfg.timeoutDur)
	assert.Equal(t, 15*time.Second, cfg.probeEveryDur)
	assert.Zero(t, cfg.updateEveryDur)
	assert.Equal(t, "autocart.test", cfg.Origin().Host)
}

func TestParseConfigManifestLeavesVersionOpen(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://autocart.test\nworker:\n  manifest: /asset-manifest.json\n  updateEvery: 10m\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Worker.Version)
	assert.Equal(t, 10*time.Minute, cfg.updateEveryDur)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing origin", "server:\n  port: 80\n"},
		{"relative origin", "server:\n  origin: autocart.test\n"},
		{"bad shell path", "server:\n  origin: https://a.test\nworker:\n  shell: [index.html]\n"},
		{"bad matcher", "server:\n  origin: https://a.test\nworker:\n  bypass: Regex(.*)\n"},
		{"bad duration", "server:\n  origin: https://a.test\n  timeout: soon\n"},
		{"bad size", "server:\n  origin: https://a.test\nstorage:\n  maxEntry: lots\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc))
			require.Error(t, err)
		})
	}
	_, err := ParseConfig([]byte("server:\n  port: 80\n"))
	require.ErrorIs(t, err, errOriginRequired)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autocart.yaml")
	doc := `
server:
  port: 9090
  origin: https://autocart.test
control:
  listen: 127.0.0.1:9091
storage:
  maxEntry: 2mb
logging:
  level: debug
  logStatsEvery: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9091", cfg.Control.Listen)
	assert.EqualValues(t, 2<<20, cfg.maxEntryBytes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, time.Minute, cfg.statsEveryDur)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMatchers(t *testing.T) {
	ms, err := parseMatch("PathPrefix(/static/) | Suffix(.png) | Contains(/api/)")
	require.NoError(t, err)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://a.test/static/app.css", true},
		{"https://a.test/images/civic.png", true},
		{"https://a.test/images/civic.png?w=200", true},
		{"https://a.test/images/civic.jpg", false},
		{"https://a.test/rest/api/v1", true},
		{"https://a.test/index.html", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, matchAny(ms, u), tt.url)
	}

	for _, bad := range []string{"", "Suffix()", "PathPrefix(static)", "Suffix(.png", " | "} {
		_, err := parseMatch(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64k", 64 << 10},
		{"64KB", 64 << 10},
		{"1.5mb", 3 << 19},
		{"2g", 2 << 30},
		{"10b", 10},
	}
	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"", "mb", "-1k", "ten"} {
		_, err := parseByteSize(bad)
		assert.Error(t, err, bad)
	}
}
