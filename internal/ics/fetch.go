package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/provider"
)

// maxFeedSize bounds a single feed download.
const maxFeedSize = 32 << 20

// FetchResult is the body of one feed download.
type FetchResult struct {
	Body []byte
	// FromCache is set when the cached body was reused after a 304 or a
	// failed request.
	FromCache bool
}

// cacheEntry holds HTTP validators for one feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with conditional requests and keeps the last
// good body per URL on disk.
type Fetcher struct {
	client   *provider.HTTPClient
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir. An empty cacheDir
// disables the disk cache.
func NewFetcher(client *provider.HTTPClient, cacheDir string) *Fetcher {
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch downloads the feed for calendarID. Provider failures come back as
// *provider.Error unless a cached body can stand in.
func (f *Fetcher) Fetch(ctx context.Context, calendarID, feedURL string) (FetchResult, error) {
	if feedURL == "" {
		return FetchResult{}, errors.New("ics: feed URL is empty")
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(feedURL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
		if meta.URL != feedURL {
			meta = cacheEntry{}
			cachedBody = nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return FetchResult{}, &provider.Error{Provider: model.ProviderProtonICS, Err: err}
	}
	req.Header.Set("Accept", "text/calendar")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	logURL := redactURL(feedURL)
	appLog.Debug("ics fetch start", "calendar_id", calendarID, "url", logURL)

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 && ctx.Err() == nil {
			appLog.Warn("ics fetch network error, using cached body", "calendar_id", calendarID, "url", logURL, "err", err.Error())
			return FetchResult{Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, &provider.Error{Provider: model.ProviderProtonICS, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
		if err != nil {
			return FetchResult{}, &provider.Error{Provider: model.ProviderProtonICS, StatusCode: resp.StatusCode, Err: err}
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          feedURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "calendar_id", calendarID, "url", logURL)
			}
		}
		appLog.Debug("ics fetch success", "calendar_id", calendarID, "url", logURL, "bytes", len(body))
		return FetchResult{Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, &provider.Error{
				Provider:   model.ProviderProtonICS,
				StatusCode: resp.StatusCode,
				Err:        errors.New("not modified but no cached body available"),
			}
		}
		appLog.Debug("ics feed not modified, using cache", "calendar_id", calendarID, "url", logURL)
		return FetchResult{Body: cachedBody, FromCache: true}, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := provider.StatusError(model.ProviderProtonICS, resp.StatusCode, string(body))
		if len(cachedBody) > 0 && provider.IsTransient(statusErr) {
			appLog.Warn("ics fetch failed, using cached body", "calendar_id", calendarID, "url", logURL, "status", resp.StatusCode)
			return FetchResult{Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, statusErr
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

// saveCache writes the body before the metadata so the validators never
// describe a body that is not on disk.
func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	if err := writeFileAtomic(filepath.Join(cachePath, "body.ics"), body); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(cachePath, "meta.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// redactURL keeps only scheme and host. Feed URLs embed secrets in the path
// or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
