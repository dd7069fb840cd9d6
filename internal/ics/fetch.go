package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "billcal/internal/log"
)

var (
	ErrEmptySourceURL     = errors.New("source has neither URL nor path")
	ErrNotModifiedNoCache = errors.New("received 304 Not Modified but no cached body available")
)

// Source is one calendar document to load.
type Source struct {
	// ID is an internal identifier (e.g., config source key).
	ID string
	// URL is an HTTP(S) ICS endpoint. Takes precedence over Path.
	URL string
	// Path is a local .ics file.
	Path string
}

// SourceError ties a load failure to the source that produced it.
type SourceError struct {
	ID  string
	Err error
}

func (e *SourceError) Error() string {
	return "source " + e.ID + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Document is the raw body of a source, ready for Parse.
type Document struct {
	Source    Source
	Body      []byte
	FromCache bool // true if we reused the cached body (304 or fetch failure)
	FetchedAt time.Time
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher loads calendar documents. URL sources use conditional requests
// (ETag / Last-Modified) backed by a disk cache; path sources are read
// from disk as-is.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a new Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// FetchResult is the outcome for one source of FetchAll. Err, when set,
// is a *SourceError and Document is the zero value.
type FetchResult struct {
	Document Document
	Err      error
}

// FetchAll loads every source. The result at index i belongs to sources[i],
// so sources sharing an ID never shadow each other.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) []FetchResult {
	out := make([]FetchResult, len(sources))
	for i, src := range sources {
		doc, err := f.FetchOne(ctx, src)
		if err != nil {
			err = &SourceError{ID: src.ID, Err: err}
			appLog.Error("calendar load failed", err, "id", src.ID, "location", src.describe())
			out[i] = FetchResult{Err: err}
			continue
		}
		out[i] = FetchResult{Document: doc}
	}
	return out
}

// FetchOne loads a single source.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (Document, error) {
	switch {
	case src.URL != "":
		return f.fetchURL(ctx, src)
	case src.Path != "":
		return readPath(src)
	default:
		return Document{}, ErrEmptySourceURL
	}
}

func readPath(src Source) (Document, error) {
	body, err := os.ReadFile(src.Path)
	if err != nil {
		return Document{}, err
	}
	appLog.Debug("source read from disk", "id", src.ID, "path", src.Path, "bytes", len(body))
	return Document{Source: src, Body: body, FetchedAt: time.Now().UTC()}, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, src Source) (Document, error) {
	cachePath, err := f.cachePathForURL(src.URL)
	if err != nil {
		return Document{}, err
	}
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Document{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)
	location := redactURL(src.URL)

	// fallback serves the cached copy when the origin cannot.
	fallback := func(cause error) (Document, error) {
		if len(cachedBody) == 0 {
			return Document{}, cause
		}
		appLog.Error("calendar origin unavailable, serving cached copy", cause, "id", src.ID, "url", location)
		return Document{Source: src, Body: cachedBody, FromCache: true, FetchedAt: meta.UpdatedAt}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Document{}, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Debug("calendar download", "id", src.ID, "url", location, "etag", meta.ETag != "")

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Document{}, ErrNotModifiedNoCache
		}
		appLog.Debug("calendar unchanged", "id", src.ID, "url", location)
		return Document{Source: src, Body: cachedBody, FromCache: true, FetchedAt: meta.UpdatedAt}, nil

	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		fresh := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, fresh, body); err != nil {
			appLog.Error("calendar cache write failed", err, "id", src.ID, "url", location)
		}
		appLog.Info("calendar downloaded", "id", src.ID, "url", location, "bytes", len(body))
		return Document{Source: src, Body: body, FetchedAt: time.Now().UTC()}, nil

	default:
		return fallback(fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", ErrEmptySourceURL
	}
	sum := sha256.Sum256([]byte(url))
	// First 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
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

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

func (s Source) describe() string {
	if s.URL != "" {
		return redactURL(s.URL)
	}
	return s.Path
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	// Host ends at the next path, query or fragment delimiter.
	j := strings.IndexAny(u[i:], "/?#")
	if j == -1 {
		return u + redactedSuffix
	}
	return u[:i+j] + redactedSuffix
}
