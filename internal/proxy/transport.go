// Package proxy implements the background network interception layer: a
// per-route caching policy over outgoing requests, cache version retirement,
// and platform-wake sync passes. It holds no state that is not re-derivable
// from the persistent local store, so the host may terminate and restart it
// between requests at will.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/models"
)

// Cache categories.
const (
	CategoryDynamic = "dynamic"
	CategoryStatic  = "static"
)

const offlineBody = `{"offline":true,"message":"You are offline"}`

// Transport applies the per-route caching policy. It implements
// http.RoundTripper so it can wrap any client's transport:
//   - requests matching a dynamic prefix go network-first; successful
//     responses are written through to the cache, and network failures fall
//     back to an unexpired cached copy or a synthesized offline response
//   - all other GET requests are cache-first; misses are fetched and cached,
//     and a failed navigational request gets the offline fallback page
//   - non-GET requests and requests for hosts outside AppHosts pass through
//     untouched (queued writes are the sync coordinator's job, and foreign
//     origins are never answered from the offline cache)
type Transport struct {
	base http.RoundTripper
	repo *db.Repository
	log  *zap.Logger

	appHosts        []string
	dynamicPrefixes []string
	defaultTTL      time.Duration
	version         string
	offlinePage     []byte

	now func() time.Time
}

// Config holds transport policy configuration.
type Config struct {
	// AppHosts are the hosts the caching policy applies to. Empty means
	// every host is treated as the application's own.
	AppHosts        []string
	DynamicPrefixes []string
	DefaultTTL      time.Duration
	Version         string
	OfflinePage     []byte
}

// NewTransport wraps base with the caching policy. A nil base uses
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, repo *db.Repository, cfg Config, log *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:            base,
		repo:            repo,
		log:             log,
		appHosts:        cfg.AppHosts,
		dynamicPrefixes: cfg.DynamicPrefixes,
		defaultTTL:      cfg.DefaultTTL,
		version:         cfg.Version,
		offlinePage:     cfg.OfflinePage,
		now:             time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !t.isAppHost(req.URL.Host) {
		return t.base.RoundTrip(req)
	}

	if t.isDynamic(req.URL.Path) {
		return t.networkFirst(req)
	}
	return t.cacheFirst(req)
}

func (t *Transport) isAppHost(host string) bool {
	if len(t.appHosts) == 0 {
		return true
	}
	for _, h := range t.appHosts {
		if host == h {
			return true
		}
	}
	return false
}

func (t *Transport) isDynamic(path string) bool {
	for _, prefix := range t.dynamicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// networkFirst fetches from the network, caching successes. A transport
// failure falls back to the cache, then to a synthesized offline response.
func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if cerr := t.cacheResponse(req, resp, CategoryDynamic); cerr != nil {
				t.log.Warn("failed to cache response",
					zap.String("url", req.URL.String()), zap.Error(cerr))
			}
		}
		return resp, nil
	}

	if cached := t.lookupCache(req); cached != nil {
		return cached, nil
	}
	return t.offlineResponse(req), nil
}

// cacheFirst serves from cache when possible; misses fetch, cache and return.
func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	if cached := t.lookupCache(req); cached != nil {
		return cached, nil
	}

	resp, err := t.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			if cerr := t.cacheResponse(req, resp, CategoryStatic); cerr != nil {
				t.log.Warn("failed to cache response",
					zap.String("url", req.URL.String()), zap.Error(cerr))
			}
		}
		return resp, nil
	}

	if isNavigational(req) && len(t.offlinePage) > 0 {
		return t.fallbackPage(req), nil
	}
	return t.offlineResponse(req), nil
}

// cacheKey derives the cache entry ID from request identity.
func cacheKey(req *http.Request) string {
	return req.URL.String()
}

// isNavigational reports whether the request asks for a document rather than
// data or an asset.
func isNavigational(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// cacheResponse writes the response body into the cache and restores the
// response so the caller can still read it.
func (t *Transport) cacheResponse(req *http.Request, resp *http.Response, category string) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	headers := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	now := t.now()
	entry := &models.CachedResponse{
		ID:        models.UUID(cacheKey(req)),
		Category:  category,
		Version:   t.version,
		Headers:   string(headersJSON),
		Body:      body,
		CachedAt:  now.Unix(),
		ExpiresAt: now.Add(t.defaultTTL).Unix(),
	}
	return t.repo.PutCachedResponse(entry)
}

// lookupCache returns a synthesized response from an unexpired cache entry,
// or nil on miss. Expired entries are absent by contract.
func (t *Transport) lookupCache(req *http.Request) *http.Response {
	entry, err := t.repo.GetCachedResponse(cacheKey(req), t.now())
	if err != nil {
		return nil
	}

	header := http.Header{}
	if entry.Headers != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(entry.Headers), &headers); err == nil {
			for k, v := range headers {
				header.Set(k, v)
			}
		}
	}
	header.Set("X-Served-From", "offline-cache")

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// offlineResponse synthesizes the 503 body served when neither the network
// nor the cache can answer.
func (t *Transport) offlineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        "503 Service Unavailable",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

// fallbackPage serves the designated offline page for navigational requests.
func (t *Transport) fallbackPage(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(t.offlinePage)),
		ContentLength: int64(len(t.offlinePage)),
		Request:       req,
	}
}
