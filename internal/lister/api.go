package lister

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Compile-time assertion that API satisfies Lister.
var _ Lister = (*API)(nil)

// DefaultAPIBaseURL is the default catalog API endpoint.
const DefaultAPIBaseURL = "https://catalog.chaffelab.dev/v1"

// cacheTTL is how long a cached page stays fresh without revalidation.
const cacheTTL = 6 * time.Hour

// PageCache is a read-through ETag cache for catalog API pages. Implemented
// by the store's api_cache table; a nil PageCache disables caching.
type PageCache interface {
	// Get returns the cached etag and payload for key, or ok=false.
	Get(ctx context.Context, key string) (etag string, payload []byte, ok bool, err error)

	// Put stores payload under key with its etag and expiry.
	Put(ctx context.Context, key, etag string, payload []byte, expires time.Time) error
}

// API enumerates a channel through the key-authenticated catalog HTTP API.
// Pages are fetched lazily; an optional [PageCache] avoids spending quota on
// unchanged pages via If-None-Match revalidation.
type API struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   PageCache
}

// APIOption is a functional option for configuring an API lister.
type APIOption func(*API)

// WithAPIBaseURL overrides the default catalog endpoint.
func WithAPIBaseURL(u string) APIOption {
	return func(a *API) { a.baseURL = u }
}

// WithPageCache attaches an ETag page cache.
func WithPageCache(c PageCache) APIOption {
	return func(a *API) { a.cache = c }
}

// WithHTTPClient overrides the HTTP client (useful in tests).
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) { a.client = c }
}

// NewAPI creates a catalog API lister. apiKey must be non-empty.
func NewAPI(apiKey string, opts ...APIOption) (*API, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("lister: api key must not be empty")
	}
	a := &API{
		baseURL: DefaultAPIBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// apiPage is one page of the catalog listing response.
type apiPage struct {
	Items []struct {
		VideoID      string `json:"video_id"`
		Title        string `json:"title"`
		DurationS    int    `json:"duration_s"`
		UploadDate   string `json:"upload_date"`
		ViewCount    int64  `json:"view_count"`
		LikeCount    int64  `json:"like_count"`
		CommentCount int64  `json:"comment_count"`
		Channel      string `json:"channel"`
		ThumbnailURL string `json:"thumbnail_url"`
		LiveStatus   string `json:"live_status"`
		MembersOnly  bool   `json:"members_only"`
	} `json:"items"`
	NextPageToken string `json:"next_page_token"`
}

// List implements [Lister]. The channel argument is the catalog channel id.
func (a *API) List(ctx context.Context, channel string, filters Filters, emit func(SourceMeta) error) error {
	accepted := 0
	pageToken := ""
	for {
		page, err := a.fetchPage(ctx, channel, pageToken)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEnumeration, err)
		}
		for _, it := range page.Items {
			if it.VideoID == "" {
				continue
			}
			m := SourceMeta{
				VideoID:       it.VideoID,
				Title:         it.Title,
				DurationS:     it.DurationS,
				ViewCount:     it.ViewCount,
				LikeCount:     it.LikeCount,
				CommentCount:  it.CommentCount,
				Channel:       it.Channel,
				ThumbnailURL:  it.ThumbnailURL,
				URL:           "https://www.youtube.com/watch?v=" + it.VideoID,
				IsLive:        it.LiveStatus == "live",
				IsUpcoming:    it.LiveStatus == "upcoming",
				IsMembersOnly: it.MembersOnly,
			}
			if t, err := time.Parse("2006-01-02", it.UploadDate); err == nil {
				m.PublishedAt = t
			}
			if !filters.Accept(m) {
				continue
			}
			if err := emit(m); err != nil {
				return err
			}
			accepted++
			if filters.Limit > 0 && accepted >= filters.Limit {
				return nil
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// fetchPage retrieves one listing page, consulting the ETag cache first.
func (a *API) fetchPage(ctx context.Context, channel, pageToken string) (*apiPage, error) {
	q := url.Values{}
	q.Set("channel", channel)
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	endpoint := a.baseURL + "/videos?" + q.Encode()
	cacheKey := endpoint

	var cachedETag string
	var cachedBody []byte
	if a.cache != nil {
		etag, body, ok, err := a.cache.Get(ctx, cacheKey)
		if err != nil {
			slog.Debug("lister: page cache read failed", "err", err)
		} else if ok {
			cachedETag, cachedBody = etag, body
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if cachedETag != "" {
		req.Header.Set("If-None-Match", cachedETag)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body []byte
	switch resp.StatusCode {
	case http.StatusNotModified:
		body = cachedBody
	case http.StatusOK:
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if a.cache != nil {
			if etag := resp.Header.Get("ETag"); etag != "" {
				if err := a.cache.Put(ctx, cacheKey, etag, body, time.Now().Add(cacheTTL)); err != nil {
					slog.Debug("lister: page cache write failed", "err", err)
				}
			}
		}
	default:
		return nil, fmt.Errorf("catalog api returned HTTP %d", resp.StatusCode)
	}

	page := &apiPage{}
	if err := json.Unmarshal(body, page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}
