package autocart

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autocart/internal/logger"
)

type Config struct {
	Storage struct {
		Path     string `yaml:"path"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`

	Control struct {
		Listen string `yaml:"listen"`
	} `yaml:"control"`

	Worker struct {
		CachePrefix string   `yaml:"cachePrefix"`
		Version     string   `yaml:"version"`
		Shell       []string `yaml:"shell"`
		Bypass      string   `yaml:"bypass"`
		Cacheable   string   `yaml:"cacheable"`
		Manifest    string   `yaml:"manifest"`
		UpdateEvery string   `yaml:"updateEvery"`
	} `yaml:"worker"`

	Push struct {
		VAPIDPublicKey  string `yaml:"vapidPublicKey"`
		VAPIDPrivateKey string `yaml:"vapidPrivateKey"`
		Subscriber      string `yaml:"subscriber"`
		DefaultTitle    string `yaml:"defaultTitle"`
		DefaultBody     string `yaml:"defaultBody"`
		Icon            string `yaml:"icon"`
	} `yaml:"push"`

	Connectivity struct {
		ProbePath  string `yaml:"probePath"`
		ProbeEvery string `yaml:"probeEvery"`
	} `yaml:"connectivity"`

	Backend struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"apiKey"`
	} `yaml:"backend"`

	Logging struct {
		logger.Config `yaml:",inline"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	origin         *url.URL
	bypass         []urlMatcher
	cacheable      []urlMatcher
	maxEntryBytes  int64
	timeoutDur     time.Duration
	updateEveryDur time.Duration
	probeEveryDur  time.Duration
	statsEveryDur  time.Duration
}

const (
	defaultCachePrefix = "autocart-cache-"
	defaultVersion     = "v1"
	defaultBypass      = "Contains(/api/) | Contains(/functions/)"
	defaultCacheable   = "Suffix(.png) | Suffix(.jpg) | Suffix(.jpeg) | Suffix(.gif) | Suffix(.svg) | Suffix(.webp) | Suffix(.ico) | Suffix(.css) | Suffix(.js)"
)

var defaultShell = []string{"/", "/index.html", "/manifest.json"}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document, applies defaults and compiles matchers.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errOriginRequired
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: %w", errInvalidOrigin)
	}
	cfg.origin = u

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntry != "" {
		n, err := parseByteSize(cfg.Storage.MaxEntry)
		if err != nil {
			return fmt.Errorf("storage.maxEntry: %w", err)
		}
		cfg.maxEntryBytes = n
	}

	if cfg.Worker.CachePrefix == "" {
		cfg.Worker.CachePrefix = defaultCachePrefix
	}
	if cfg.Worker.Version == "" && cfg.Worker.Manifest == "" {
		cfg.Worker.Version = defaultVersion
	}
	if len(cfg.Worker.Shell) == 0 {
		cfg.Worker.Shell = append([]string(nil), defaultShell...)
	}
	for i, p := range cfg.Worker.Shell {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("worker.shell[%d]: %q must start with /", i, p)
		}
	}
	if cfg.Worker.Bypass == "" {
		cfg.Worker.Bypass = defaultBypass
	}
	if cfg.Worker.Cacheable == "" {
		cfg.Worker.Cacheable = defaultCacheable
	}
	if cfg.bypass, err = parseMatch(cfg.Worker.Bypass); err != nil {
		return fmt.Errorf("worker.bypass: %w", err)
	}
	if cfg.cacheable, err = parseMatch(cfg.Worker.Cacheable); err != nil {
		return fmt.Errorf("worker.cacheable: %w", err)
	}

	if cfg.Push.DefaultTitle == "" {
		cfg.Push.DefaultTitle = "AutoCart"
	}
	if cfg.Push.DefaultBody == "" {
		cfg.Push.DefaultBody = "New update available"
	}
	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/favicon.ico"
	}

	if cfg.Connectivity.ProbePath == "" {
		cfg.Connectivity.ProbePath = "/manifest.json"
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"server.timeout", cfg.Server.Timeout, 30 * time.Second, &cfg.timeoutDur},
		{"worker.updateEvery", cfg.Worker.UpdateEvery, 0, &cfg.updateEveryDur},
		{"connectivity.probeEvery", cfg.Connectivity.ProbeEvery, 15 * time.Second, &cfg.probeEveryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.statsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Origin returns the parsed app origin.
func (cfg *Config) Origin() *url.URL { return cfg.origin }

// CacheName returns the generation name for version.
func (cfg *Config) CacheName(version string) string {
	return cfg.Worker.CachePrefix + version
}

type urlMatcher struct {
	kind  string
	value string
}

func (m urlMatcher) Match(u *url.URL) bool {
	switch m.kind {
	case "PathPrefix":
		return strings.HasPrefix(u.Path, m.value)
	case "Suffix":
		return strings.HasSuffix(u.Path, m.value)
	default:
		return strings.Contains(u.String(), m.value)
	}
}

func parseMatch(expr string) ([]urlMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]urlMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Kind(value), got %q", p)
		}
		kind := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" {
			return nil, fmt.Errorf("empty value in %q", p)
		}
		switch kind {
		case "PathPrefix":
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
		case "Suffix", "Contains":
		default:
			return nil, fmt.Errorf("unsupported matcher %q", kind)
		}
		out = append(out, urlMatcher{kind: kind, value: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func matchAny(ms []urlMatcher, u *url.URL) bool {
	for _, m := range ms {
		if m.Match(u) {
			return true
		}
	}
	return false
}
