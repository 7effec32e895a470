package autocart

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// assetManifest is a parsed precache manifest.
type assetManifest struct {
	Version string
	Assets  []string
}

type sitemapDoc struct {
	URLs []string `xml:"url>loc"`
}

// viteEntry is one value of a Vite build manifest.
type viteEntry struct {
	File string   `json:"file"`
	CSS  []string `json:"css"`
}

// fetchManifest downloads and parses the manifest at manifestURL. The
// version is the CRC32 of the raw bytes, so any change yields a new
// generation.
func fetchManifest(ctx context.Context, client *http.Client, origin, manifestURL string) (assetManifest, error) {
	u := normalizeMaybeRelativeURL(origin, manifestURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return assetManifest{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return assetManifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return assetManifest{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return assetManifest{}, err
	}

	// Be tolerant: a .gz URL may arrive already decompressed.
	tryGzip := strings.HasSuffix(strings.ToLower(u), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}
	return parseManifest(body)
}

func parseManifest(body []byte) (assetManifest, error) {
	raw, err := manifestEntries(bytes.TrimSpace(body))
	if err != nil {
		return assetManifest{}, err
	}
	seen := map[string]struct{}{}
	var assets []string
	for _, loc := range raw {
		p := normalizePathFromLoc(loc)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		assets = append(assets, p)
	}
	sort.Strings(assets)
	return assetManifest{
		Version: fmt.Sprintf("%08x", crc32.ChecksumIEEE(body)),
		Assets:  assets,
	}, nil
}

func manifestEntries(body []byte) ([]string, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}
	switch body[0] {
	case '[':
		var list []string
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("manifest list: %w", err)
		}
		return list, nil
	case '{':
		var vite map[string]viteEntry
		if err := json.Unmarshal(body, &vite); err != nil {
			return nil, fmt.Errorf("manifest object: %w", err)
		}
		var out []string
		for _, e := range vite {
			if e.File != "" {
				out = append(out, e.File)
			}
			out = append(out, e.CSS...)
		}
		return out, nil
	case '<':
		var doc sitemapDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("manifest sitemap: %w", err)
		}
		return doc.URLs, nil
	}
	return nil, fmt.Errorf("unrecognized manifest format")
}

func normalizeMaybeRelativeURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin + u
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

// startManifestWatch re-reads the manifest every period and installs a new
// generation whenever its version differs from the active one.
func (s *Service) startManifestWatch(period time.Duration) {
	if s.cfg.Worker.Manifest == "" || period <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.checkForUpdate()
			}
		}
	}()
}

func (s *Service) checkForUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	m, err := fetchManifest(ctx, s.network, s.cfg.Server.Origin, s.cfg.Worker.Manifest)
	if err != nil {
		s.log.Warn().Err(err).Msg("manifest check failed")
		return
	}
	version := s.cfg.Worker.Version
	if version == "" {
		version = m.Version
	}
	if version == s.worker.ActiveVersion() {
		return
	}
	s.log.Info().Str("version", version).Int("assets", len(m.Assets)).Msg("new generation available")
	err = s.worker.Dispatch(ctx, Event{Kind: EventInstall, Version: version, Assets: m.Assets}).Wait(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("version", version).Msg("update install failed")
	}
}
