// Package client provides the search API HTTP client with request pacing,
// classified errors and bounded retry.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for search API operations.
var (
	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total search API requests by kind and status",
	}, []string{"kind", "status"})

	searchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Search API request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	searchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_errors_total",
		Help: "Total search API errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the NIAID Data Ecosystem query endpoint.
const DefaultBaseURL = "https://api.data.niaid.nih.gov/v1/query"

// CatalogFacetField is the facet that lists catalog resource names.
const CatalogFacetField = "includedInDataCatalog.name"

// maxErrorBody bounds how much of an error response is kept in APIError.Message.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// BaseURL is the query endpoint.
	BaseURL string

	// UserAgent identifies the collector to the API operators.
	UserAgent string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// FacetSize is sent as facet_size on every query.
	FacetSize int

	// CatalogFacetSize is the facet size used for catalog discovery.
	CatalogFacetSize int

	// Pacing
	RequestsPerSecond float64
	Burst             int

	// Retry
	Retry RetryConfig

	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		UserAgent:         userAgent,
		Timeout:           30 * time.Second,
		FacetSize:         10,
		CatalogFacetSize:  1000,
		RequestsPerSecond: ratelimit.DefaultRequestsPerSecond,
		Burst:             ratelimit.DefaultBurst,
		Retry:             DefaultRetryConfig(),
	}
}

// Query is a search expression scoped by a structured filter.
type Query struct {
	// Q is the free-text or field query ("*" for everything).
	Q string

	// ExtraFilter is the structured filter, typically the catalog scope.
	ExtraFilter string
}

// CatalogFilter returns the filter selecting Dataset records of one catalog.
func CatalogFilter(resource string) string {
	return fmt.Sprintf(`(includedInDataCatalog.name:("%s")) AND (@type:("Dataset"))`, resource)
}

// Page is one window of search results.
type Page struct {
	Total int
	Hits  []json.RawMessage
}

// Catalog is one entry of the catalog registry facet.
type Catalog struct {
	Name  string `json:"term"`
	Count int    `json:"count"`
}

type searchResponse struct {
	Total  *int                       `json:"total"`
	Hits   []json.RawMessage          `json:"hits"`
	Facets map[string]json.RawMessage `json:"facets"`
}

type facetTerms struct {
	Terms []Catalog `json:"terms"`
}

// Client is the search API client.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// New creates a new search API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CatalogFacetSize <= 0 {
		cfg.CatalogFacetSize = 1000
	}

	logger := log.With().Str("component", "search-client").Logger()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		limiter:    ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Burst, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Count returns the number of records matching q without fetching any.
func (c *Client) Count(ctx context.Context, q Query) (int, error) {
	params := c.params(q)
	params.Set("size", "0")

	var resp searchResponse
	if err := c.get(ctx, "count", params, &resp); err != nil {
		return 0, err
	}
	if resp.Total == nil {
		return 0, nil
	}
	return *resp.Total, nil
}

// Page fetches size records of q starting at offset.
func (c *Client) Page(ctx context.Context, q Query, offset, size int) (*Page, error) {
	if offset < 0 || size < 1 {
		return nil, fmt.Errorf("invalid page request (offset %d, size %d)", offset, size)
	}
	params := c.params(q)
	params.Set("size", strconv.Itoa(size))
	if offset > 0 {
		params.Set("from", strconv.Itoa(offset))
	}

	var resp searchResponse
	if err := c.get(ctx, "page", params, &resp); err != nil {
		return nil, err
	}

	page := &Page{Hits: resp.Hits}
	if resp.Total != nil {
		page.Total = *resp.Total
	}
	return page, nil
}

// Catalogs lists the catalog resources known to the API, largest first.
func (c *Client) Catalogs(ctx context.Context) ([]Catalog, error) {
	params := c.params(Query{Q: "*", ExtraFilter: `(@type:("Dataset"))`})
	params.Set("size", "0")
	params.Set("facets", CatalogFacetField)
	params.Set("facet_size", strconv.Itoa(c.config.CatalogFacetSize))

	var resp searchResponse
	if err := c.get(ctx, "catalogs", params, &resp); err != nil {
		return nil, err
	}

	raw, ok := resp.Facets[CatalogFacetField]
	if !ok {
		return nil, fmt.Errorf("response has no %q facet", CatalogFacetField)
	}
	var terms facetTerms
	if err := json.Unmarshal(raw, &terms); err != nil {
		return nil, fmt.Errorf("decode catalog facet: %w", err)
	}

	sort.SliceStable(terms.Terms, func(i, j int) bool {
		return terms.Terms[i].Count > terms.Terms[j].Count
	})
	return terms.Terms, nil
}

func (c *Client) params(q Query) url.Values {
	params := url.Values{}
	query := q.Q
	if query == "" {
		query = "*"
	}
	params.Set("q", query)
	if q.ExtraFilter != "" {
		params.Set("extra_filter", q.ExtraFilter)
	}
	if c.config.FacetSize > 0 {
		params.Set("facet_size", strconv.Itoa(c.config.FacetSize))
	}
	return params
}

// get performs a GET with pacing and retry, decoding the JSON body into out.
func (c *Client) get(ctx context.Context, kind string, params url.Values, out any) error {
	startTime := time.Now()
	defer func() {
		searchRequestDuration.WithLabelValues(kind).Observe(time.Since(startTime).Seconds())
	}()

	reqURL := c.config.BaseURL + "?" + params.Encode()
	logger := c.logger.With().Str("kind", kind).Str("q", params.Get("q")).Str("from", params.Get("from")).Logger()

	return retryWithBackoff(ctx, c.config.Retry, logger, func() error {
		return c.attempt(ctx, kind, reqURL, logger, out)
	})
}

// attempt performs a single request. Every failure is returned as an *APIError
// so the retry loop can classify it; context cancellation is returned as-is.
func (c *Client) attempt(ctx context.Context, kind, reqURL string, logger zerolog.Logger, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	logger.Debug().Msg("Executing search request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		searchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		searchRequestsTotal.WithLabelValues(kind, "network_error").Inc()
		return &APIError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		searchErrorsTotal.WithLabelValues(string(class)).Inc()
		searchRequestsTotal.WithLabelValues(kind, status).Inc()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    strings.TrimSpace(resp.Status + " " + string(body)),
		}
		if class == ErrorClassRateLimit {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			if limit := c.config.Retry.MaxRetryAfter; limit > 0 && apiErr.RetryAfter > limit {
				apiErr.RetryAfter = limit
			}
			c.limiter.Cooldown(apiErr.RetryAfter)
		}

		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Search request error")
		return apiErr
	}

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return c.truncated(kind, status, readErr)
	}
	if err := json.Unmarshal(body, out); err != nil {
		if isTruncation(body, err) {
			return c.truncated(kind, status, err)
		}
		searchRequestsTotal.WithLabelValues(kind, "decode_error").Inc()
		return fmt.Errorf("decode response: %w", err)
	}

	searchRequestsTotal.WithLabelValues(kind, status).Inc()
	return nil
}

func (c *Client) truncated(kind, status string, err error) error {
	searchErrorsTotal.WithLabelValues(string(ErrorClassTruncated)).Inc()
	searchRequestsTotal.WithLabelValues(kind, "truncated").Inc()
	return &APIError{
		ErrorClass: ErrorClassTruncated,
		Message:    "incomplete response body (status " + status + ")",
		Err:        fmt.Errorf("%w: %v", ErrTruncatedResponse, err),
	}
}

// isTruncation reports whether a decode error was caused by running out of input.
func isTruncation(body []byte, err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr) && syntaxErr.Offset >= int64(len(body))
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Returns 0 if absent or invalid.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// Limiter returns the request limiter (for testing).
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}
