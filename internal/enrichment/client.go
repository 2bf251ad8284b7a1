// Package enrichment looks up external vessel profiles and stores them next
// to the tracked vessels.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL     = "https://api.marinesia.com/api/v1"
	DefaultMinInterval = 100 * time.Millisecond
	DefaultCacheTTL    = 24 * time.Hour
	defaultCacheSize   = 4096
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

var (
	// ErrNotFound indicates that the profile service has no record for the station.
	ErrNotFound = errors.New("enrichment: not found")
	// ErrInvalidClientConfig indicates a client constructed without an API key.
	ErrInvalidClientConfig = errors.New("enrichment: invalid client config")
	errMissingAPIKey       = errors.New("api key is required")
)

// Location is one reported fix from the profile service.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lng"`
	Speed     float64 `json:"sog,omitempty"`
	Course    float64 `json:"cog,omitempty"`
	Timestamp string  `json:"ts,omitempty"`
}

// ClientConfig configures the profile service client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
	CacheTTL    time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client calls the profile service, spacing requests by MinInterval and
// caching answers, including "not found", for CacheTTL.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *expirable.LRU[string, cachedAnswer]
	logger     *zap.Logger
}

type cachedAnswer struct {
	body     []byte
	notFound bool
}

func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIKey)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		cache:      expirable.NewLRU[string, cachedAnswer](defaultCacheSize, nil, cacheTTL),
		logger:     logger,
	}, nil
}

// Profile returns the raw profile document of a station.
func (c *Client) Profile(ctx context.Context, stationID string) (json.RawMessage, error) {
	body, err := c.get(ctx, "profile:"+stationID, fmt.Sprintf("/vessel/%s/profile", url.PathEscape(stationID)), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Image returns the image URL of a station.
func (c *Client) Image(ctx context.Context, stationID string) (string, error) {
	body, err := c.get(ctx, "image:"+stationID, fmt.Sprintf("/vessel/%s/image", url.PathEscape(stationID)), nil)
	if err != nil {
		return "", err
	}
	var document struct {
		ImageURL string `json:"image_url"`
		URL      string `json:"url"`
	}
	if err := json.Unmarshal(body, &document); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if document.ImageURL != "" {
		return document.ImageURL, nil
	}
	if document.URL != "" {
		return document.URL, nil
	}
	return "", ErrNotFound
}

// LatestLocation returns the most recent fix the service knows for a station.
func (c *Client) LatestLocation(ctx context.Context, stationID string) (Location, error) {
	body, err := c.get(ctx, "latest:"+stationID, fmt.Sprintf("/vessel/%s/location/latest", url.PathEscape(stationID)), nil)
	if err != nil {
		return Location{}, err
	}
	var location Location
	if err := json.Unmarshal(unwrapData(body), &location); err != nil {
		return Location{}, fmt.Errorf("decode location response: %w", err)
	}
	return location, nil
}

// History returns up to limit historical fixes of a station.
func (c *Client) History(ctx context.Context, stationID string, limit int) ([]Location, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	cacheKey := fmt.Sprintf("history:%s:%d", stationID, limit)
	body, err := c.get(ctx, cacheKey, fmt.Sprintf("/vessel/%s/location", url.PathEscape(stationID)), query)
	if err != nil {
		return nil, err
	}
	var locations []Location
	if err := json.Unmarshal(unwrapData(body), &locations); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return locations, nil
}

func (c *Client) get(ctx context.Context, cacheKey, path string, query url.Values) ([]byte, error) {
	if cached, ok := c.cache.Get(cacheKey); ok {
		if cached.notFound {
			return nil, ErrNotFound
		}
		return cached.body, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.apiKey)
	endpoint := c.baseURL + path + "?" + query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		c.cache.Add(cacheKey, cachedAnswer{notFound: true})
		return nil, ErrNotFound
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("profile service returned status %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	c.cache.Add(cacheKey, cachedAnswer{body: body})
	return body, nil
}

// unwrapData returns the "data" member of an envelope response, or body
// itself when there is none.
func unwrapData(body []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return body
}
